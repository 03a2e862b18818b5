package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCheckedIn Status = "checked-in"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether an appointment in this state still holds its slot.
func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusCheckedIn
}

// Terminal reports whether no further transition is legal.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCheckedIn, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusScheduled: {StatusCheckedIn, StatusCancelled},
	StatusCheckedIn: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether an appointment may move from one status to
// another. Reschedule is not a transition and is checked separately.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Doctor maps to the doctor table.
type Doctor struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	Name                 string    `db:"name" json:"name"`
	Specialty            string    `db:"specialty" json:"specialty"`
	Email                *string   `db:"email" json:"email,omitempty"`
	Phone                *string   `db:"phone" json:"phone,omitempty"`
	ConsultationFeeCents int64     `db:"consultation_fee_cents" json:"consultation_fee_cents"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

// Member is a patient registered under a family.
type Member struct {
	ID        uuid.UUID `db:"id" json:"id"`
	FamilyID  uuid.UUID `db:"family_id" json:"family_id"`
	FirstName string    `db:"first_name" json:"first_name"`
	LastName  string    `db:"last_name" json:"last_name"`
}

// Slot maps to the slot table. SlotTime is a facility-local civil time.
type Slot struct {
	ID        uuid.UUID `db:"id" json:"id"`
	DoctorID  uuid.UUID `db:"doctor_id" json:"doctor_id"`
	SlotTime  time.Time `db:"slot_time" json:"slot_time"`
	Occupied  bool      `db:"occupied" json:"occupied"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Appointment maps to the appointment table.
type Appointment struct {
	ID                 uuid.UUID `db:"id" json:"id"`
	MemberID           uuid.UUID `db:"member_id" json:"member_id"`
	SlotID             uuid.UUID `db:"slot_id" json:"slot_id"`
	Status             Status    `db:"status" json:"status"`
	CancellationReason *string   `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	VersionID          int       `db:"version_id" json:"version_id"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// AppointmentView is an appointment joined with its slot and member, as
// read by dashboards.
type AppointmentView struct {
	Appointment
	DoctorID uuid.UUID `json:"doctor_id"`
	SlotTime time.Time `json:"slot_time"`
	FamilyID uuid.UUID `json:"family_id"`
}

// HistoryEntry records one change to an appointment.
type HistoryEntry struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	AppointmentID uuid.UUID  `db:"appointment_id" json:"appointment_id"`
	Action        string     `db:"action" json:"action"`
	FromStatus    *Status    `db:"from_status" json:"from_status,omitempty"`
	ToStatus      Status     `db:"to_status" json:"to_status"`
	FromSlotID    *uuid.UUID `db:"from_slot_id" json:"from_slot_id,omitempty"`
	ToSlotID      uuid.UUID  `db:"to_slot_id" json:"to_slot_id"`
	Actor         string     `db:"actor" json:"actor"`
	Reason        *string    `db:"reason" json:"reason,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// History actions.
const (
	ActionBook       = "book"
	ActionCheckIn    = "check-in"
	ActionComplete   = "complete"
	ActionCancel     = "cancel"
	ActionReschedule = "reschedule"
)

// AppointmentFilter narrows ListAppointments. Date matches the civil day of
// the slot time.
type AppointmentFilter struct {
	FamilyID *uuid.UUID
	DoctorID *uuid.UUID
	MemberID *uuid.UUID
	Date     *time.Time
	Status   *Status
	Limit    int
	Offset   int
}

// AvailableSlot is the dashboard shape of a bookable slot.
type AvailableSlot struct {
	SlotID uuid.UUID `json:"slot_id"`
	Time   time.Time `json:"time"`
}

// BookRequest is the input to Book.
type BookRequest struct {
	MemberID uuid.UUID `json:"member_id"`
	DoctorID uuid.UUID `json:"doctor_id"`
	SlotID   uuid.UUID `json:"slot_id"`
}

// RescheduleRequest is the input to Reschedule. DoctorID is optional; when
// set it must match the new slot's doctor.
type RescheduleRequest struct {
	AppointmentID uuid.UUID `json:"-"`
	NewSlotID     uuid.UUID `json:"slot_id"`
	DoctorID      uuid.UUID `json:"doctor_id,omitempty"`
}

// CancelRequest is the input to Cancel.
type CancelRequest struct {
	AppointmentID uuid.UUID `json:"-"`
	Reason        string    `json:"reason,omitempty"`
}

// NewDoctor is the input to OnboardDoctor.
type NewDoctor struct {
	Name                 string  `json:"name"`
	Specialty            string  `json:"specialty"`
	Email                *string `json:"email,omitempty"`
	Phone                *string `json:"phone,omitempty"`
	ConsultationFeeCents int64   `json:"consultation_fee_cents"`
}

// BillingEvent is emitted after a booking commits.
type BillingEvent struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	DoctorID      uuid.UUID `json:"doctor_id"`
	MemberID      uuid.UUID `json:"member_id"`
	AmountCents   int64     `json:"amount_cents"`
	SlotTime      time.Time `json:"slot_time"`
}
