package scheduling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
)

const billingTimeout = 5 * time.Second

// BillingEmitter receives booking events for downstream bill creation.
type BillingEmitter interface {
	EmitBooking(ctx context.Context, ev BillingEvent) error
}

// Recorder receives operation outcomes for telemetry.
type Recorder interface {
	ObserveBooking(op, outcome string)
	ObserveSlotsGenerated(n int)
	ObserveBillingFailure()
}

type nopRecorder struct{}

func (nopRecorder) ObserveBooking(string, string) {}
func (nopRecorder) ObserveSlotsGenerated(int)     {}
func (nopRecorder) ObserveBillingFailure()        {}

// Deps wires a BookingService. Billing and Metrics are optional.
type Deps struct {
	Tx           Transactor
	Doctors      DoctorRepository
	Members      MemberDirectory
	Slots        SlotRepository
	Appointments AppointmentRepository
	Clock        Clock
	Location     *time.Location
	Hours        *WorkingHours
	HorizonDays  int
	Billing      BillingEmitter
	Metrics      Recorder
	Logger       zerolog.Logger
}

// BookingService is the only component that changes slot occupancy. Every
// mutation runs in one transaction so a slot is occupied exactly when an
// active appointment references it.
type BookingService struct {
	tx        Transactor
	doctors   DoctorRepository
	members   MemberDirectory
	slots     SlotRepository
	ledger    *Ledger
	generator *SlotGenerator
	clock     Clock
	loc       *time.Location
	horizon   int
	billing   BillingEmitter
	metrics   Recorder
	logger    zerolog.Logger
}

func NewBookingService(d Deps) *BookingService {
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	clock := d.Clock
	if clock == nil {
		clock = SystemClock{Location: loc}
	}
	hours := ClinicHours
	if d.Hours != nil {
		hours = *d.Hours
	}
	horizon := d.HorizonDays
	if horizon <= 0 {
		horizon = DefaultHorizonDays
	}
	var metrics Recorder = nopRecorder{}
	if d.Metrics != nil {
		metrics = d.Metrics
	}
	return &BookingService{
		tx:        d.Tx,
		doctors:   d.Doctors,
		members:   d.Members,
		slots:     d.Slots,
		ledger:    NewLedger(d.Appointments),
		generator: NewSlotGenerator(hours, clock, loc),
		clock:     clock,
		loc:       loc,
		horizon:   horizon,
		billing:   d.Billing,
		metrics:   metrics,
		logger:    d.Logger.With().Str("component", "booking").Logger(),
	}
}

// Location is the facility clock's time zone.
func (s *BookingService) Location() *time.Location { return s.loc }

// Now reads the facility clock.
func (s *BookingService) Now() time.Time { return s.clock.Now().In(s.loc) }

// -- Booking --

// Book claims slot req.SlotID for req.MemberID and returns the scheduled
// appointment.
func (s *BookingService) Book(ctx context.Context, caller auth.Caller, req BookRequest) (appt *Appointment, err error) {
	defer func() { err = s.finish("book", err) }()

	if req.MemberID == uuid.Nil || req.DoctorID == uuid.Nil || req.SlotID == uuid.Nil {
		return nil, fmt.Errorf("member_id, doctor_id and slot_id are required: %w", ErrInvalidRequest)
	}

	var slot *Slot
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		sl, err := s.slots.GetForUpdate(ctx, req.SlotID)
		if err != nil {
			return err
		}
		if err := s.checkBookable(ctx, sl, req.DoctorID); err != nil {
			return err
		}
		if err := s.authorizeMember(ctx, caller, req.MemberID); err != nil {
			return err
		}
		a, err := s.ledger.Create(ctx, req.MemberID, sl.ID, caller.Actor())
		if err != nil {
			return err
		}
		if err := s.slots.SetOccupied(ctx, sl.ID, true); err != nil {
			return err
		}
		appt, slot = a, sl
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("slot_id", slot.ID.String()).
		Str("actor", caller.Actor()).
		Msg("appointment booked")
	s.emitBilling(ctx, appt, slot)
	return appt, nil
}

// Reschedule moves a scheduled appointment to another slot, possibly of a
// different doctor. Moving to the slot it already holds is a no-op.
func (s *BookingService) Reschedule(ctx context.Context, caller auth.Caller, req RescheduleRequest) (appt *Appointment, err error) {
	defer func() { err = s.finish("reschedule", err) }()

	if req.AppointmentID == uuid.Nil || req.NewSlotID == uuid.Nil {
		return nil, fmt.Errorf("appointment and slot_id are required: %w", ErrInvalidRequest)
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		a, err := s.ledger.GetForUpdate(ctx, req.AppointmentID)
		if err != nil {
			return err
		}
		if err := s.authorizeAppointment(ctx, caller, a); err != nil {
			return err
		}
		if a.Status != StatusScheduled {
			return fmt.Errorf("reschedule from %s: %w", a.Status, ErrInvalidTransition)
		}
		if a.SlotID == req.NewSlotID {
			appt = a
			return nil
		}

		oldSlot, newSlot, err := s.lockPair(ctx, a.SlotID, req.NewSlotID)
		if err != nil {
			return err
		}
		if err := s.checkBookable(ctx, newSlot, req.DoctorID); err != nil {
			return err
		}
		if err := s.ledger.Reassign(ctx, a, newSlot.ID, caller.Actor()); err != nil {
			return err
		}
		if err := s.slots.SetOccupied(ctx, oldSlot.ID, false); err != nil {
			return err
		}
		if err := s.slots.SetOccupied(ctx, newSlot.ID, true); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// Cancel marks a scheduled or checked-in appointment cancelled and frees
// its slot. The row is kept.
func (s *BookingService) Cancel(ctx context.Context, caller auth.Caller, req CancelRequest) (appt *Appointment, err error) {
	defer func() { err = s.finish("cancel", err) }()

	var reason *string
	if req.Reason != "" {
		reason = &req.Reason
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		a, err := s.ledger.GetForUpdate(ctx, req.AppointmentID)
		if err != nil {
			return err
		}
		if err := s.authorizeAppointment(ctx, caller, a); err != nil {
			return err
		}
		if err := s.ledger.Transition(ctx, a, StatusCancelled, caller.Actor(), reason); err != nil {
			return err
		}
		if err := s.slots.SetOccupied(ctx, a.SlotID, false); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// CheckIn records the patient's arrival. Front office only.
func (s *BookingService) CheckIn(ctx context.Context, caller auth.Caller, id uuid.UUID) (appt *Appointment, err error) {
	defer func() { err = s.finish("check_in", err) }()

	if !caller.IsStaff() {
		return nil, fmt.Errorf("check-in requires front office: %w", ErrUnauthorized)
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		a, err := s.ledger.UpdateStatus(ctx, id, StatusCheckedIn, caller.Actor(), nil)
		if err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// Complete closes a checked-in visit and releases its slot. Doctors may
// only complete their own visits.
func (s *BookingService) Complete(ctx context.Context, caller auth.Caller, id uuid.UUID) (appt *Appointment, err error) {
	defer func() { err = s.finish("complete", err) }()

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		a, err := s.ledger.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case caller.IsStaff():
		case caller.Role == auth.RoleDoctor:
			sl, err := s.slots.GetByID(ctx, a.SlotID)
			if err != nil {
				return err
			}
			if sl.DoctorID != caller.DoctorID {
				return fmt.Errorf("appointment belongs to another doctor: %w", ErrUnauthorized)
			}
		default:
			return fmt.Errorf("role %s cannot complete visits: %w", caller.Role, ErrUnauthorized)
		}
		if err := s.ledger.Transition(ctx, a, StatusCompleted, caller.Actor(), nil); err != nil {
			return err
		}
		// A completed visit is no longer active.
		if err := s.slots.SetOccupied(ctx, a.SlotID, false); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// -- Queries --

// ListAvailableSlots returns the doctor's free slots on the civil date of
// date that are still in the future.
func (s *BookingService) ListAvailableSlots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]AvailableSlot, error) {
	ok, err := s.doctors.Exists(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("doctor %s: %w", doctorID, ErrNotFound)
	}
	from, to := DayBounds(date, s.loc)
	slots, err := s.slots.ListAvailable(ctx, doctorID, from, to, s.clock.Now())
	if err != nil {
		return nil, err
	}
	out := make([]AvailableSlot, 0, len(slots))
	for _, sl := range slots {
		out = append(out, AvailableSlot{SlotID: sl.ID, Time: sl.SlotTime.In(s.loc)})
	}
	return out, nil
}

func (s *BookingService) GetAppointment(ctx context.Context, caller auth.Caller, id uuid.UUID) (*AppointmentView, error) {
	v, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case caller.IsStaff():
	case caller.Role == auth.RolePatient:
		if v.FamilyID != caller.FamilyID && !caller.HasMember(v.MemberID) {
			return nil, fmt.Errorf("appointment %s: %w", id, ErrUnauthorized)
		}
	case caller.Role == auth.RoleDoctor:
		if v.DoctorID != caller.DoctorID {
			return nil, fmt.Errorf("appointment %s: %w", id, ErrUnauthorized)
		}
	default:
		return nil, fmt.Errorf("appointment %s: %w", id, ErrUnauthorized)
	}
	v.SlotTime = v.SlotTime.In(s.loc)
	return v, nil
}

// ListAppointments narrows f to what the caller may see: patients their
// family, doctors their own schedule.
func (s *BookingService) ListAppointments(ctx context.Context, caller auth.Caller, f AppointmentFilter) ([]*AppointmentView, int, error) {
	switch {
	case caller.IsStaff():
	case caller.Role == auth.RolePatient:
		fam := caller.FamilyID
		f.FamilyID = &fam
	case caller.Role == auth.RoleDoctor:
		doc := caller.DoctorID
		f.DoctorID = &doc
	default:
		return nil, 0, fmt.Errorf("role %s: %w", caller.Role, ErrUnauthorized)
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("unknown status %q: %w", *f.Status, ErrInvalidRequest)
	}
	if f.Date != nil {
		d := f.Date.In(s.loc)
		f.Date = &d
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	items, total, err := s.ledger.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	for _, v := range items {
		v.SlotTime = v.SlotTime.In(s.loc)
	}
	return items, total, nil
}

func (s *BookingService) AppointmentHistory(ctx context.Context, caller auth.Caller, id uuid.UUID) ([]*HistoryEntry, error) {
	if _, err := s.GetAppointment(ctx, caller, id); err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, id)
}

func (s *BookingService) ListDoctors(ctx context.Context, limit, offset int) ([]*Doctor, int, error) {
	return s.doctors.List(ctx, limit, offset)
}

// -- Administration --

// OnboardDoctor creates a doctor and generates their first horizonDays of
// slots in the same transaction. A non-positive horizon uses the configured
// default.
func (s *BookingService) OnboardDoctor(ctx context.Context, caller auth.Caller, nd NewDoctor, horizonDays int) (doc *Doctor, created int, err error) {
	defer func() { err = s.finish("onboard_doctor", err) }()

	if caller.Role != auth.RoleAdmin {
		return nil, 0, fmt.Errorf("onboarding requires admin: %w", ErrUnauthorized)
	}
	if nd.Name == "" {
		return nil, 0, fmt.Errorf("name is required: %w", ErrInvalidRequest)
	}
	if nd.ConsultationFeeCents < 0 {
		return nil, 0, fmt.Errorf("consultation fee must not be negative: %w", ErrInvalidRequest)
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		d := &Doctor{
			Name:                 nd.Name,
			Specialty:            nd.Specialty,
			Email:                nd.Email,
			Phone:                nd.Phone,
			ConsultationFeeCents: nd.ConsultationFeeCents,
		}
		if err := s.doctors.Create(ctx, d); err != nil {
			return err
		}
		n, err := s.slots.InsertBatch(ctx, s.generator.Generate(d.ID, s.horizonOr(horizonDays)))
		if err != nil {
			return err
		}
		doc, created = d, n
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	s.metrics.ObserveSlotsGenerated(created)
	s.logger.Info().Str("doctor_id", doc.ID.String()).Int("slots", created).Msg("doctor onboarded")
	return doc, created, nil
}

// GenerateSlots extends a doctor's calendar. Slots that already exist are
// left alone, so overlapping runs are safe. Returns the number of new slots.
func (s *BookingService) GenerateSlots(ctx context.Context, caller auth.Caller, doctorID uuid.UUID, horizonDays int) (created int, err error) {
	defer func() { err = s.finish("generate_slots", err) }()

	if caller.Role != auth.RoleAdmin {
		return 0, fmt.Errorf("slot generation requires admin: %w", ErrUnauthorized)
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := s.doctors.Exists(ctx, doctorID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("doctor %s: %w", doctorID, ErrNotFound)
		}
		created, err = s.slots.InsertBatch(ctx, s.generator.Generate(doctorID, s.horizonOr(horizonDays)))
		return err
	})
	if err != nil {
		return 0, err
	}
	s.metrics.ObserveSlotsGenerated(created)
	s.logger.Info().Str("doctor_id", doctorID.String()).Int("slots", created).Msg("slots generated")
	return created, nil
}

// PurgeUnbookedSlots removes the doctor's never-booked slots before the
// given time. A zero before means now.
func (s *BookingService) PurgeUnbookedSlots(ctx context.Context, caller auth.Caller, doctorID uuid.UUID, before time.Time) (purged int, err error) {
	defer func() { err = s.finish("purge_slots", err) }()

	if caller.Role != auth.RoleAdmin {
		return 0, fmt.Errorf("slot purge requires admin: %w", ErrUnauthorized)
	}
	if before.IsZero() {
		before = s.clock.Now()
	}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := s.doctors.Exists(ctx, doctorID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("doctor %s: %w", doctorID, ErrNotFound)
		}
		purged, err = s.slots.PurgeUnbooked(ctx, doctorID, before)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info().Str("doctor_id", doctorID.String()).Int("slots", purged).Msg("unbooked slots purged")
	return purged, nil
}

// -- helpers --

// checkBookable runs the slot checks shared by Book and Reschedule, in
// order: doctor mismatch, past slot, taken slot. A nil doctorID skips the
// mismatch check.
func (s *BookingService) checkBookable(ctx context.Context, sl *Slot, doctorID uuid.UUID) error {
	if doctorID != uuid.Nil && sl.DoctorID != doctorID {
		return fmt.Errorf("slot %s does not belong to doctor %s: %w", sl.ID, doctorID, ErrInvalidRequest)
	}
	if !sl.SlotTime.After(s.clock.Now()) {
		return fmt.Errorf("slot %s at %s: %w", sl.ID, sl.SlotTime.In(s.loc).Format(time.DateTime), ErrPastSlot)
	}
	if sl.Occupied {
		return fmt.Errorf("slot %s: %w", sl.ID, ErrConflict)
	}
	active, err := s.ledger.HasActive(ctx, sl.ID)
	if err != nil {
		return err
	}
	if active {
		return fmt.Errorf("slot %s: %w", sl.ID, ErrConflict)
	}
	return nil
}

// authorizeMember checks that the caller may book for memberID.
func (s *BookingService) authorizeMember(ctx context.Context, caller auth.Caller, memberID uuid.UUID) error {
	switch {
	case caller.IsStaff():
		ok, err := s.members.Exists(ctx, memberID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("member %s: %w", memberID, ErrNotFound)
		}
		return nil
	case caller.Role == auth.RolePatient:
		if caller.HasMember(memberID) {
			return nil
		}
		if caller.FamilyID == uuid.Nil {
			return fmt.Errorf("member %s: %w", memberID, ErrUnauthorized)
		}
		ok, err := s.members.BelongsToFamily(ctx, memberID, caller.FamilyID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("member %s is not in family %s: %w", memberID, caller.FamilyID, ErrUnauthorized)
		}
		return nil
	}
	return fmt.Errorf("role %s cannot book: %w", caller.Role, ErrUnauthorized)
}

// authorizeAppointment checks that the caller may change a.
func (s *BookingService) authorizeAppointment(ctx context.Context, caller auth.Caller, a *Appointment) error {
	if caller.IsStaff() {
		return nil
	}
	return s.authorizeMember(ctx, caller, a.MemberID)
}

// lockPair locks two slots in a fixed order so concurrent reschedules
// cannot deadlock on each other.
func (s *BookingService) lockPair(ctx context.Context, oldID, newID uuid.UUID) (oldSlot, newSlot *Slot, err error) {
	first, second := oldID, newID
	if bytes.Compare(first[:], second[:]) > 0 {
		first, second = second, first
	}
	a, err := s.slots.GetForUpdate(ctx, first)
	if err != nil {
		return nil, nil, err
	}
	b, err := s.slots.GetForUpdate(ctx, second)
	if err != nil {
		return nil, nil, err
	}
	if a.ID == oldID {
		return a, b, nil
	}
	return b, a, nil
}

func (s *BookingService) horizonOr(days int) int {
	if days > 0 {
		return days
	}
	return s.horizon
}

func (s *BookingService) emitBilling(ctx context.Context, appt *Appointment, slot *Slot) {
	if s.billing == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), billingTimeout)
	defer cancel()

	log := s.logger.With().Str("appointment_id", appt.ID.String()).Logger()
	doc, err := s.doctors.GetByID(ctx, slot.DoctorID)
	if err != nil {
		s.metrics.ObserveBillingFailure()
		log.Warn().Err(err).Msg("billing event skipped: doctor lookup failed")
		return
	}
	ev := BillingEvent{
		AppointmentID: appt.ID,
		DoctorID:      slot.DoctorID,
		MemberID:      appt.MemberID,
		AmountCents:   doc.ConsultationFeeCents,
		SlotTime:      slot.SlotTime,
	}
	if err := s.billing.EmitBooking(ctx, ev); err != nil {
		s.metrics.ObserveBillingFailure()
		log.Error().Err(err).Msg("billing event emission failed")
	}
}

// finish normalizes storage races into ErrConflict and records the outcome.
func (s *BookingService) finish(op string, err error) error {
	if err != nil && (db.IsRetryable(err) || db.IsUniqueViolation(err)) && !errors.Is(err, ErrConflict) {
		err = fmt.Errorf("%w: %v", ErrConflict, err)
	}
	outcome := Outcome(err)
	s.metrics.ObserveBooking(op, outcome)
	if outcome == "error" {
		s.logger.Error().Err(err).Str("op", op).Msg("booking operation failed")
	}
	return err
}

// Outcome labels err for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrPastSlot):
		return "past_slot"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	}
	return "error"
}
