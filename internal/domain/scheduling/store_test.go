package scheduling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -- In-memory store --
//
// memStore mirrors the database constraints the booking flow relies on:
// unique (doctor_id, slot_time), one active appointment per slot, and
// all-or-nothing transactions. Transactions are serialized, which stands in
// for the row locks taken with SELECT ... FOR UPDATE.

type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	doctors map[uuid.UUID]Doctor
	members map[uuid.UUID]Member
	slots   map[uuid.UUID]Slot
	appts   map[uuid.UUID]Appointment
	history []HistoryEntry
}

func newMemStore() *memStore {
	return &memStore{
		doctors: make(map[uuid.UUID]Doctor),
		members: make(map[uuid.UUID]Member),
		slots:   make(map[uuid.UUID]Slot),
		appts:   make(map[uuid.UUID]Appointment),
	}
}

type memSnapshot struct {
	doctors map[uuid.UUID]Doctor
	members map[uuid.UUID]Member
	slots   map[uuid.UUID]Slot
	appts   map[uuid.UUID]Appointment
	history []HistoryEntry
}

func copyMap[V any](m map[uuid.UUID]V) map[uuid.UUID]V {
	out := make(map[uuid.UUID]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memSnapshot{
		doctors: copyMap(s.doctors),
		members: copyMap(s.members),
		slots:   copyMap(s.slots),
		appts:   copyMap(s.appts),
		history: append([]HistoryEntry(nil), s.history...),
	}
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doctors, s.members, s.slots, s.appts, s.history =
		snap.doctors, snap.members, snap.slots, snap.appts, snap.history
}

func (s *memStore) slot(id uuid.UUID) Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[id]
}

func (s *memStore) appt(id uuid.UUID) Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appts[id]
}

func (s *memStore) historyFor(id uuid.UUID) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []HistoryEntry
	for _, h := range s.history {
		if h.AppointmentID == id {
			out = append(out, h)
		}
	}
	return out
}

// occupancyMismatches lists slots whose occupied flag disagrees with the
// appointments that reference them.
func (s *memStore) occupancyMismatches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := make(map[uuid.UUID]int)
	for _, a := range s.appts {
		if a.Status.Active() {
			active[a.SlotID]++
		}
	}
	var bad []string
	for id, sl := range s.slots {
		if active[id] > 1 {
			bad = append(bad, fmt.Sprintf("slot %s has %d active appointments", id, active[id]))
		}
		if sl.Occupied != (active[id] > 0) {
			bad = append(bad, fmt.Sprintf("slot %s occupied=%v active=%d", id, sl.Occupied, active[id]))
		}
	}
	return bad
}

type memTxKey struct{}

type memTx struct{ s *memStore }

func (m memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.s.txMu.Lock()
	defer m.s.txMu.Unlock()
	snap := m.s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.s.restore(snap)
		return err
	}
	return nil
}

// -- Doctors --

type memDoctors struct{ s *memStore }

func (r memDoctors) Create(_ context.Context, d *Doctor) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d.ID = uuid.New()
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	r.s.doctors[d.ID] = *d
	return nil
}

func (r memDoctors) GetByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.doctors[id]
	if !ok {
		return nil, fmt.Errorf("doctor: %w", ErrNotFound)
	}
	return &d, nil
}

func (r memDoctors) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.doctors[id]
	return ok, nil
}

func (r memDoctors) List(_ context.Context, limit, offset int) ([]*Doctor, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*Doctor
	for _, d := range r.s.doctors {
		d := d
		all = append(all, &d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return page(all, limit, offset), len(all), nil
}

// -- Members --

type memMembers struct{ s *memStore }

func (r memMembers) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.members[id]
	return ok, nil
}

func (r memMembers) BelongsToFamily(_ context.Context, memberID, familyID uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.members[memberID]
	return ok && m.FamilyID == familyID, nil
}

// -- Slots --

type memSlots struct{ s *memStore }

func (r memSlots) GetByID(_ context.Context, id uuid.UUID) (*Slot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sl, ok := r.s.slots[id]
	if !ok {
		return nil, fmt.Errorf("slot: %w", ErrNotFound)
	}
	return &sl, nil
}

func (r memSlots) GetForUpdate(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return r.GetByID(ctx, id)
}

func (r memSlots) ListAvailable(_ context.Context, doctorID uuid.UUID, from, to, after time.Time) ([]*Slot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*Slot
	for _, sl := range r.s.slots {
		sl := sl
		if sl.DoctorID != doctorID || sl.Occupied {
			continue
		}
		if sl.SlotTime.Before(from) || !sl.SlotTime.Before(to) || !sl.SlotTime.After(after) {
			continue
		}
		out = append(out, &sl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotTime.Before(out[j].SlotTime) })
	return out, nil
}

func (r memSlots) SetOccupied(_ context.Context, id uuid.UUID, occupied bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sl, ok := r.s.slots[id]
	if !ok {
		return fmt.Errorf("slot: %w", ErrNotFound)
	}
	sl.Occupied = occupied
	r.s.slots[id] = sl
	return nil
}

func (r memSlots) InsertBatch(_ context.Context, slots []Slot) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	type key struct {
		doctor uuid.UUID
		at     int64
	}
	seen := make(map[key]bool, len(r.s.slots))
	for _, sl := range r.s.slots {
		seen[key{sl.DoctorID, sl.SlotTime.Unix()}] = true
	}
	n := 0
	for _, sl := range slots {
		k := key{sl.DoctorID, sl.SlotTime.Unix()}
		if seen[k] {
			continue
		}
		seen[k] = true
		if sl.ID == uuid.Nil {
			sl.ID = uuid.New()
		}
		r.s.slots[sl.ID] = sl
		n++
	}
	return n, nil
}

func (r memSlots) PurgeUnbooked(_ context.Context, doctorID uuid.UUID, before time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	referenced := make(map[uuid.UUID]bool)
	for _, a := range r.s.appts {
		referenced[a.SlotID] = true
	}
	for _, h := range r.s.history {
		if h.FromSlotID != nil {
			referenced[*h.FromSlotID] = true
		}
	}
	n := 0
	for id, sl := range r.s.slots {
		if sl.DoctorID == doctorID && sl.SlotTime.Before(before) && !sl.Occupied && !referenced[id] {
			delete(r.s.slots, id)
			n++
		}
	}
	return n, nil
}

// -- Appointments --

type memAppts struct{ s *memStore }

func (r memAppts) activeOnSlot(slotID, except uuid.UUID) bool {
	for _, a := range r.s.appts {
		if a.SlotID == slotID && a.ID != except && a.Status.Active() {
			return true
		}
	}
	return false
}

func (r memAppts) Create(_ context.Context, a *Appointment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.activeOnSlot(a.SlotID, uuid.Nil) {
		return fmt.Errorf("create appointment: %w", ErrConflict)
	}
	a.ID = uuid.New()
	a.VersionID = 1
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	r.s.appts[a.ID] = *a
	return nil
}

func (r memAppts) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.appts[id]
	if !ok {
		return nil, fmt.Errorf("appointment: %w", ErrNotFound)
	}
	return &a, nil
}

func (r memAppts) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.GetByID(ctx, id)
}

func (r memAppts) HasActiveForSlot(_ context.Context, slotID uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.activeOnSlot(slotID, uuid.Nil), nil
}

func (r memAppts) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status, reason *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.appts[id]
	if !ok {
		return fmt.Errorf("appointment: %w", ErrNotFound)
	}
	if a.Status != from {
		return fmt.Errorf("appointment %s is no longer %s: %w", id, from, ErrConflict)
	}
	a.Status = to
	if reason != nil {
		a.CancellationReason = reason
	}
	a.VersionID++
	r.s.appts[id] = a
	return nil
}

func (r memAppts) UpdateSlot(_ context.Context, id, oldSlotID, newSlotID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.appts[id]
	if !ok || a.SlotID != oldSlotID || a.Status != StatusScheduled {
		return fmt.Errorf("appointment %s changed concurrently: %w", id, ErrConflict)
	}
	if r.activeOnSlot(newSlotID, id) {
		return fmt.Errorf("reassign slot: %w", ErrConflict)
	}
	a.SlotID = newSlotID
	a.VersionID++
	r.s.appts[id] = a
	return nil
}

func (r memAppts) view(a Appointment) *AppointmentView {
	sl := r.s.slots[a.SlotID]
	m := r.s.members[a.MemberID]
	return &AppointmentView{Appointment: a, DoctorID: sl.DoctorID, SlotTime: sl.SlotTime, FamilyID: m.FamilyID}
}

func (r memAppts) GetView(_ context.Context, id uuid.UUID) (*AppointmentView, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.appts[id]
	if !ok {
		return nil, fmt.Errorf("appointment: %w", ErrNotFound)
	}
	return r.view(a), nil
}

func (r memAppts) List(_ context.Context, f AppointmentFilter) ([]*AppointmentView, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*AppointmentView
	for _, a := range r.s.appts {
		v := r.view(a)
		if f.FamilyID != nil && v.FamilyID != *f.FamilyID {
			continue
		}
		if f.DoctorID != nil && v.DoctorID != *f.DoctorID {
			continue
		}
		if f.MemberID != nil && v.MemberID != *f.MemberID {
			continue
		}
		if f.Status != nil && v.Status != *f.Status {
			continue
		}
		if f.Date != nil {
			start, end := DayBounds(*f.Date, f.Date.Location())
			if v.SlotTime.Before(start) || !v.SlotTime.Before(end) {
				continue
			}
		}
		all = append(all, v)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].SlotTime.Before(all[j].SlotTime) })
	return page(all, f.Limit, f.Offset), len(all), nil
}

func (r memAppts) AppendHistory(_ context.Context, h *HistoryEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	h.ID = uuid.New()
	h.CreatedAt = time.Now()
	r.s.history = append(r.s.history, *h)
	return nil
}

func (r memAppts) History(_ context.Context, id uuid.UUID) ([]*HistoryEntry, error) {
	var out []*HistoryEntry
	for _, h := range r.s.historyFor(id) {
		h := h
		out = append(out, &h)
	}
	return out, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
