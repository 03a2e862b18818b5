package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DoctorDirectory is the read-only doctor lookup booking depends on.
type DoctorDirectory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
}

type DoctorRepository interface {
	DoctorDirectory
	Create(ctx context.Context, d *Doctor) error
	List(ctx context.Context, limit, offset int) ([]*Doctor, int, error)
}

// MemberDirectory answers family membership questions.
type MemberDirectory interface {
	Exists(ctx context.Context, memberID uuid.UUID) (bool, error)
	BelongsToFamily(ctx context.Context, memberID, familyID uuid.UUID) (bool, error)
}

type SlotRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	// GetForUpdate locks the slot row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Slot, error)
	// ListAvailable returns unoccupied slots in [from, to) strictly after
	// after, ordered by slot_time.
	ListAvailable(ctx context.Context, doctorID uuid.UUID, from, to, after time.Time) ([]*Slot, error)
	SetOccupied(ctx context.Context, id uuid.UUID, occupied bool) error
	// InsertBatch inserts slots, skipping any (doctor_id, slot_time) that
	// already exists, and returns how many rows were new.
	InsertBatch(ctx context.Context, slots []Slot) (int, error)
	// PurgeUnbooked deletes the doctor's slots before the given time that are
	// unoccupied and were never referenced by an appointment.
	PurgeUnbooked(ctx context.Context, doctorID uuid.UUID, before time.Time) (int, error)
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	HasActiveForSlot(ctx context.Context, slotID uuid.UUID) (bool, error)
	// UpdateStatus moves the appointment from one status to another. It
	// fails with ErrConflict when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, reason *string) error
	UpdateSlot(ctx context.Context, id, oldSlotID, newSlotID uuid.UUID) error
	GetView(ctx context.Context, id uuid.UUID) (*AppointmentView, error)
	List(ctx context.Context, f AppointmentFilter) ([]*AppointmentView, int, error)
	AppendHistory(ctx context.Context, h *HistoryEntry) error
	History(ctx context.Context, appointmentID uuid.UUID) ([]*HistoryEntry, error)
}

// Transactor runs fn inside one database transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
