package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/clinic/clinic/internal/platform/db"
)

// constraintActiveSlot is the partial unique index allowing one active
// appointment per slot.
const constraintActiveSlot = "appointment_active_slot_key"

// =========== Doctor Repository ===========

type doctorRepoPG struct{ db db.Querier }

func NewDoctorRepoPG(q db.Querier) DoctorRepository { return &doctorRepoPG{db: q} }

func (r *doctorRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.db) }

const doctorCols = `id, name, specialty, email, phone, consultation_fee_cents, created_at, updated_at`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.Name, &d.Specialty, &d.Email, &d.Phone,
		&d.ConsultationFeeCents, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, fmt.Errorf("doctor: %w", ErrNotFound)
		}
		return nil, err
	}
	return &d, nil
}

func (r *doctorRepoPG) Create(ctx context.Context, d *Doctor) error {
	d.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor (id, name, specialty, email, phone, consultation_fee_cents)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		d.ID, d.Name, d.Specialty, d.Email, d.Phone, d.ConsultationFeeCents,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert doctor: %w", err)
	}
	return nil
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return scanDoctor(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1`, id))
}

func (r *doctorRepoPG) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM doctor WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

func (r *doctorRepoPG) List(ctx context.Context, limit, offset int) ([]*Doctor, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM doctor`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+doctorCols+` FROM doctor ORDER BY name, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

// =========== Member Directory ===========

type memberRepoPG struct{ db db.Querier }

func NewMemberRepoPG(q db.Querier) MemberDirectory { return &memberRepoPG{db: q} }

func (r *memberRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.db) }

func (r *memberRepoPG) Exists(ctx context.Context, memberID uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM member WHERE id = $1)`, memberID).Scan(&ok)
	return ok, err
}

func (r *memberRepoPG) BelongsToFamily(ctx context.Context, memberID, familyID uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM member WHERE id = $1 AND family_id = $2)`, memberID, familyID).Scan(&ok)
	return ok, err
}

// =========== Slot Repository ===========

type slotRepoPG struct{ db db.Querier }

func NewSlotRepoPG(q db.Querier) SlotRepository { return &slotRepoPG{db: q} }

func (r *slotRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.db) }

const slotCols = `id, doctor_id, slot_time, occupied, created_at, updated_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	if err := row.Scan(&s.ID, &s.DoctorID, &s.SlotTime, &s.Occupied, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if db.IsNoRows(err) {
			return nil, fmt.Errorf("slot: %w", ErrNotFound)
		}
		return nil, err
	}
	return &s, nil
}

func (r *slotRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return scanSlot(r.conn(ctx).QueryRow(ctx, `SELECT `+slotCols+` FROM slot WHERE id = $1`, id))
}

func (r *slotRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return scanSlot(r.conn(ctx).QueryRow(ctx, `SELECT `+slotCols+` FROM slot WHERE id = $1 FOR UPDATE`, id))
}

func (r *slotRepoPG) ListAvailable(ctx context.Context, doctorID uuid.UUID, from, to, after time.Time) ([]*Slot, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+slotCols+` FROM slot
		WHERE doctor_id = $1 AND occupied = false
			AND slot_time >= $2 AND slot_time < $3 AND slot_time > $4
		ORDER BY slot_time`, doctorID, from, to, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *slotRepoPG) SetOccupied(ctx context.Context, id uuid.UUID, occupied bool) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE slot SET occupied = $2, updated_at = NOW() WHERE id = $1`, id, occupied)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("slot: %w", ErrNotFound)
	}
	return nil
}

func (r *slotRepoPG) InsertBatch(ctx context.Context, slots []Slot) (int, error) {
	if len(slots) == 0 {
		return 0, nil
	}
	ids := make([]uuid.UUID, len(slots))
	doctors := make([]uuid.UUID, len(slots))
	times := make([]time.Time, len(slots))
	for i := range slots {
		if slots[i].ID == uuid.Nil {
			slots[i].ID = uuid.New()
		}
		ids[i] = slots[i].ID
		doctors[i] = slots[i].DoctorID
		times[i] = slots[i].SlotTime
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO slot (id, doctor_id, slot_time)
		SELECT * FROM unnest($1::uuid[], $2::uuid[], $3::timestamptz[])
		ON CONFLICT (doctor_id, slot_time) DO NOTHING`, ids, doctors, times)
	if err != nil {
		return 0, fmt.Errorf("insert slots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *slotRepoPG) PurgeUnbooked(ctx context.Context, doctorID uuid.UUID, before time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM slot s
		WHERE s.doctor_id = $1 AND s.slot_time < $2 AND s.occupied = false
			AND NOT EXISTS (SELECT 1 FROM appointment a WHERE a.slot_id = s.id)
			AND NOT EXISTS (SELECT 1 FROM appointment_history h WHERE h.from_slot_id = s.id)`,
		doctorID, before)
	if err != nil {
		return 0, fmt.Errorf("purge slots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ db db.Querier }

func NewAppointmentRepoPG(q db.Querier) AppointmentRepository { return &appointmentRepoPG{db: q} }

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.db) }

const apptCols = `id, member_id, slot_id, status, cancellation_reason, version_id, created_at, updated_at`

const viewCols = `a.id, a.member_id, a.slot_id, a.status, a.cancellation_reason, a.version_id,
	a.created_at, a.updated_at, s.doctor_id, s.slot_time, m.family_id`

const viewFrom = ` FROM appointment a
	JOIN slot s ON s.id = a.slot_id
	JOIN member m ON m.id = a.member_id`

func scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	err := row.Scan(&a.ID, &a.MemberID, &a.SlotID, &status, &a.CancellationReason,
		&a.VersionID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, fmt.Errorf("appointment: %w", ErrNotFound)
		}
		return nil, err
	}
	a.Status = Status(status)
	return &a, nil
}

func scanView(row pgx.Row) (*AppointmentView, error) {
	var v AppointmentView
	var status string
	err := row.Scan(&v.ID, &v.MemberID, &v.SlotID, &status, &v.CancellationReason,
		&v.VersionID, &v.CreatedAt, &v.UpdatedAt, &v.DoctorID, &v.SlotTime, &v.FamilyID)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, fmt.Errorf("appointment: %w", ErrNotFound)
		}
		return nil, err
	}
	v.Status = Status(status)
	return &v, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, member_id, slot_id, status)
		VALUES ($1,$2,$3,$4)
		RETURNING version_id, created_at, updated_at`,
		a.ID, a.MemberID, a.SlotID, string(a.Status),
	).Scan(&a.VersionID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, constraintActiveSlot) {
			return fmt.Errorf("create appointment: %w", ErrConflict)
		}
		return fmt.Errorf("create appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1 FOR UPDATE`, id))
}

func (r *appointmentRepoPG) HasActiveForSlot(ctx context.Context, slotID uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM appointment
			WHERE slot_id = $1 AND status IN ('scheduled', 'checked-in'))`, slotID).Scan(&ok)
	return ok, err
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, reason *string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment
		SET status = $3, cancellation_reason = COALESCE($4, cancellation_reason),
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), reason)
	if err != nil {
		return fmt.Errorf("update appointment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment %s is no longer %s: %w", id, from, ErrConflict)
	}
	return nil
}

func (r *appointmentRepoPG) UpdateSlot(ctx context.Context, id, oldSlotID, newSlotID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment
		SET slot_id = $3, version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND slot_id = $2 AND status = 'scheduled'`,
		id, oldSlotID, newSlotID)
	if err != nil {
		if db.IsUniqueViolation(err, constraintActiveSlot) {
			return fmt.Errorf("reassign slot: %w", ErrConflict)
		}
		return fmt.Errorf("reassign slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("appointment %s changed concurrently: %w", id, ErrConflict)
	}
	return nil
}

func (r *appointmentRepoPG) GetView(ctx context.Context, id uuid.UUID) (*AppointmentView, error) {
	return scanView(r.conn(ctx).QueryRow(ctx, `SELECT `+viewCols+viewFrom+` WHERE a.id = $1`, id))
}

func (r *appointmentRepoPG) List(ctx context.Context, f AppointmentFilter) ([]*AppointmentView, int, error) {
	query := `SELECT ` + viewCols + viewFrom + ` WHERE 1=1`
	countQuery := `SELECT COUNT(*)` + viewFrom + ` WHERE 1=1`
	var args []interface{}
	idx := 1

	add := func(clause string, v interface{}) {
		c := fmt.Sprintf(clause, idx)
		query += c
		countQuery += c
		args = append(args, v)
		idx++
	}
	if f.FamilyID != nil {
		add(` AND m.family_id = $%d`, *f.FamilyID)
	}
	if f.DoctorID != nil {
		add(` AND s.doctor_id = $%d`, *f.DoctorID)
	}
	if f.MemberID != nil {
		add(` AND a.member_id = $%d`, *f.MemberID)
	}
	if f.Status != nil {
		add(` AND a.status = $%d`, string(*f.Status))
	}
	if f.Date != nil {
		start, end := DayBounds(*f.Date, f.Date.Location())
		add(` AND s.slot_time >= $%d`, start)
		add(` AND s.slot_time < $%d`, end)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY s.slot_time, a.id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AppointmentView
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, v)
	}
	return items, total, rows.Err()
}

func (r *appointmentRepoPG) AppendHistory(ctx context.Context, h *HistoryEntry) error {
	h.ID = uuid.New()
	var from *string
	if h.FromStatus != nil {
		s := string(*h.FromStatus)
		from = &s
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment_history (id, appointment_id, action, from_status, to_status,
			from_slot_id, to_slot_id, actor, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		h.ID, h.AppointmentID, h.Action, from, string(h.ToStatus),
		h.FromSlotID, h.ToSlotID, h.Actor, h.Reason,
	).Scan(&h.CreatedAt)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) History(ctx context.Context, appointmentID uuid.UUID) ([]*HistoryEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, appointment_id, action, from_status, to_status, from_slot_id, to_slot_id,
			actor, reason, created_at
		FROM appointment_history WHERE appointment_id = $1
		ORDER BY created_at, id`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var from *string
		var to string
		if err := rows.Scan(&h.ID, &h.AppointmentID, &h.Action, &from, &to,
			&h.FromSlotID, &h.ToSlotID, &h.Actor, &h.Reason, &h.CreatedAt); err != nil {
			return nil, err
		}
		if from != nil {
			st := Status(*from)
			h.FromStatus = &st
		}
		h.ToStatus = Status(to)
		items = append(items, &h)
	}
	return items, rows.Err()
}

