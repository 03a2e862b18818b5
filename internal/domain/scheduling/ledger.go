package scheduling

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Ledger owns appointment records: creation, status changes, slot
// reassignment and the history trail each of them leaves.
type Ledger struct {
	repo AppointmentRepository
}

func NewLedger(repo AppointmentRepository) *Ledger {
	return &Ledger{repo: repo}
}

// Create records a new scheduled appointment for memberID on slotID.
func (l *Ledger) Create(ctx context.Context, memberID, slotID uuid.UUID, actor string) (*Appointment, error) {
	active, err := l.repo.HasActiveForSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, fmt.Errorf("slot %s: %w", slotID, ErrConflict)
	}

	a := &Appointment{MemberID: memberID, SlotID: slotID, Status: StatusScheduled}
	if err := l.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	if err := l.repo.AppendHistory(ctx, &HistoryEntry{
		AppointmentID: a.ID,
		Action:        ActionBook,
		ToStatus:      StatusScheduled,
		ToSlotID:      slotID,
		Actor:         actor,
	}); err != nil {
		return nil, err
	}
	return a, nil
}

// Transition applies a status change to an appointment the caller has
// already loaded (and locked).
func (l *Ledger) Transition(ctx context.Context, a *Appointment, to Status, actor string, reason *string) error {
	if a.Status.Terminal() {
		return fmt.Errorf("appointment already %s: %w", a.Status, ErrInvalidTransition)
	}
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%s -> %s: %w", a.Status, to, ErrInvalidTransition)
	}
	if err := l.repo.UpdateStatus(ctx, a.ID, a.Status, to, reason); err != nil {
		return err
	}
	from := a.Status
	if err := l.repo.AppendHistory(ctx, &HistoryEntry{
		AppointmentID: a.ID,
		Action:        actionFor(to),
		FromStatus:    &from,
		ToStatus:      to,
		ToSlotID:      a.SlotID,
		Actor:         actor,
		Reason:        reason,
	}); err != nil {
		return err
	}
	a.Status = to
	a.VersionID++
	if reason != nil {
		a.CancellationReason = reason
	}
	return nil
}

// UpdateStatus locks the appointment and moves it to status to.
func (l *Ledger) UpdateStatus(ctx context.Context, id uuid.UUID, to Status, actor string, reason *string) (*Appointment, error) {
	a, err := l.repo.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := l.Transition(ctx, a, to, actor, reason); err != nil {
		return nil, err
	}
	return a, nil
}

// Reassign points a scheduled appointment at another slot. Occupancy of
// the two slots is the caller's responsibility.
func (l *Ledger) Reassign(ctx context.Context, a *Appointment, newSlotID uuid.UUID, actor string) error {
	if a.Status != StatusScheduled {
		return fmt.Errorf("reschedule from %s: %w", a.Status, ErrInvalidTransition)
	}
	old := a.SlotID
	if err := l.repo.UpdateSlot(ctx, a.ID, old, newSlotID); err != nil {
		return err
	}
	from := a.Status
	if err := l.repo.AppendHistory(ctx, &HistoryEntry{
		AppointmentID: a.ID,
		Action:        ActionReschedule,
		FromStatus:    &from,
		ToStatus:      StatusScheduled,
		FromSlotID:    &old,
		ToSlotID:      newSlotID,
		Actor:         actor,
	}); err != nil {
		return err
	}
	a.SlotID = newSlotID
	a.VersionID++
	return nil
}

func (l *Ledger) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return l.repo.GetForUpdate(ctx, id)
}

func (l *Ledger) HasActive(ctx context.Context, slotID uuid.UUID) (bool, error) {
	return l.repo.HasActiveForSlot(ctx, slotID)
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*AppointmentView, error) {
	return l.repo.GetView(ctx, id)
}

func (l *Ledger) List(ctx context.Context, f AppointmentFilter) ([]*AppointmentView, int, error) {
	return l.repo.List(ctx, f)
}

func (l *Ledger) History(ctx context.Context, id uuid.UUID) ([]*HistoryEntry, error) {
	return l.repo.History(ctx, id)
}

func actionFor(to Status) string {
	switch to {
	case StatusCheckedIn:
		return ActionCheckIn
	case StatusCompleted:
		return ActionComplete
	case StatusCancelled:
		return ActionCancel
	}
	return string(to)
}
