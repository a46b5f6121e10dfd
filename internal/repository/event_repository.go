package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/stellarpoints/loyalty-api/internal/model"
)

// EventRepo provides persistence for events, their guest lists and
// organizer lists, and the award-budget bookkeeping. Capacity and
// budget checks run under a row lock on the event so concurrent joins
// or awards serialize.
type EventRepo struct {
	db *sql.DB
}

// NewEventRepo returns a new EventRepo bound to the given database.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

// DB exposes the underlying handle for handler-scoped transactions.
func (r *EventRepo) DB() *sql.DB { return r.db }

const eventCols = `id, name, description, location, start_time, end_time, capacity, points_remain, published, created_at`

func scanEvent(row interface{ Scan(...interface{}) error }) (model.Event, error) {
	var e model.Event
	var capacity sql.NullInt64
	err := row.Scan(&e.ID, &e.Name, &e.Description, &e.Location, &e.StartTime,
		&e.EndTime, &capacity, &e.PointsRemain, &e.Published, &e.CreatedAt)
	if err != nil {
		return model.Event{}, err
	}
	if capacity.Valid {
		c := uint32(capacity.Int64)
		e.Capacity = &c
	}
	return e, nil
}

// Create inserts an event and populates its generated ID. New events
// start unpublished.
func (r *EventRepo) Create(ctx context.Context, e *model.Event) error {
	const q = `INSERT INTO events (name, description, location, start_time, end_time, capacity, points_remain, published)
	           VALUES (?,?,?,?,?,?,?,0)`
	res, err := r.db.ExecContext(ctx, q, e.Name, e.Description, e.Location,
		e.StartTime.UTC(), e.EndTime.UTC(), e.Capacity, e.PointsRemain)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = uint64(id)
	return nil
}

// GetByID fetches a single event.
func (r *EventRepo) GetByID(ctx context.Context, id uint64) (model.Event, error) {
	return scanEvent(r.db.QueryRowContext(ctx,
		"SELECT "+eventCols+" FROM events WHERE id = ? LIMIT 1", id))
}

// GuestCount returns the current number of guests of an event.
func (r *EventRepo) GuestCount(ctx context.Context, id uint64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM event_guests WHERE event_id = ?", id).Scan(&n)
	return n, err
}

// EventFilter narrows List results.
type EventFilter struct {
	Published *bool
	Started   *bool
	Ended     *bool
	Page      int
	Limit     int
}

// List returns events matching the filter ordered by start time
// descending, along with the total match count.
func (r *EventRepo) List(ctx context.Context, f EventFilter, now time.Time) ([]model.Event, int, error) {
	where := make([]string, 0, 3)
	args := make([]interface{}, 0, 4)
	if f.Published != nil {
		where = append(where, "published = ?")
		args = append(args, *f.Published)
	}
	if f.Started != nil {
		if *f.Started {
			where = append(where, "start_time <= ?")
		} else {
			where = append(where, "start_time > ?")
		}
		args = append(args, now.UTC())
	}
	if f.Ended != nil {
		if *f.Ended {
			where = append(where, "end_time <= ?")
		} else {
			where = append(where, "end_time > ?")
		}
		args = append(args, now.UTC())
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	var total int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events"+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	page, limit := normalizePage(f.Page, f.Limit)
	q := "SELECT " + eventCols + " FROM events" + clause + " ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, (page-1)*limit)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := make([]model.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// EventUpdate carries the mutable event fields. Nil pointers leave the
// current value untouched; Capacity uses a double pointer so callers
// can distinguish "unchanged" from "set to unlimited".
type EventUpdate struct {
	Name        *string
	Description *string
	Location    *string
	StartTime   *time.Time
	EndTime     *time.Time
	Capacity    **uint32
}

// Update applies the non-nil fields of the update inside a transaction
// that locks the event row. Reducing capacity below the current guest
// count yields ErrConflict; guests are never evicted implicitly.
func (r *EventRepo) Update(ctx context.Context, id uint64, u EventUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := scanEvent(tx.QueryRowContext(ctx,
		"SELECT "+eventCols+" FROM events WHERE id = ? FOR UPDATE", id)); err != nil {
		return err
	}
	if u.Capacity != nil && *u.Capacity != nil {
		var guests int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM event_guests WHERE event_id = ?", id).Scan(&guests); err != nil {
			return err
		}
		if int(**u.Capacity) < guests {
			return ErrConflict
		}
	}
	sets := make([]string, 0, 6)
	args := make([]interface{}, 0, 7)
	if u.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *u.Name)
	}
	if u.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *u.Description)
	}
	if u.Location != nil {
		sets = append(sets, "location = ?")
		args = append(args, *u.Location)
	}
	if u.StartTime != nil {
		sets = append(sets, "start_time = ?")
		args = append(args, u.StartTime.UTC())
	}
	if u.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, u.EndTime.UTC())
	}
	if u.Capacity != nil {
		sets = append(sets, "capacity = ?")
		args = append(args, *u.Capacity)
	}
	if len(sets) > 0 {
		args = append(args, id)
		if _, err := tx.ExecContext(ctx,
			"UPDATE events SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// AddBudget adds points to (or reclaims points from) an event's award
// budget. A negative delta that would drive the budget below zero
// yields ErrConflict.
func (r *EventRepo) AddBudget(ctx context.Context, id uint64, delta int64) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE events SET points_remain = points_remain + ? WHERE id = ? AND points_remain + ? >= 0",
		delta, id, delta)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if qerr := r.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM events WHERE id = ?)", id).Scan(&exists); qerr != nil {
			return qerr
		}
		if !exists {
			return sql.ErrNoRows
		}
		if delta != 0 {
			return ErrConflict
		}
	}
	return nil
}

// Publish makes an event visible. The transition is one way.
func (r *EventRepo) Publish(ctx context.Context, id uint64) error {
	res, err := r.db.ExecContext(ctx, "UPDATE events SET published = 1 WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		var exists bool
		if qerr := r.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM events WHERE id = ?)", id).Scan(&exists); qerr != nil {
			return qerr
		}
		if !exists {
			return sql.ErrNoRows
		}
	}
	return err
}

// Delete removes an unpublished event. Published events are part of
// the visible record and yield ErrConflict.
func (r *EventRepo) Delete(ctx context.Context, id uint64) error {
	e, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if e.Published {
		return ErrConflict
	}
	_, err = r.db.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id)
	return err
}

// IsOrganizer reports whether the account runs the event.
func (r *EventRepo) IsOrganizer(ctx context.Context, eventID, accountID uint64) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM event_organizers WHERE event_id = ? AND account_id = ?)",
		eventID, accountID).Scan(&ok)
	return ok, err
}

// AddOrganizer grants the organizer capability for one event.
// Organizers cannot simultaneously be guests of the same event.
func (r *EventRepo) AddOrganizer(ctx context.Context, eventID, accountID uint64) error {
	var isGuest bool
	if err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM event_guests WHERE event_id = ? AND account_id = ?)",
		eventID, accountID).Scan(&isGuest); err != nil {
		return err
	}
	if isGuest {
		return ErrConflict
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO event_organizers (event_id, account_id) VALUES (?,?)", eventID, accountID)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "1062") {
		return ErrConflict
	}
	return err
}

// RemoveOrganizer revokes the organizer capability.
func (r *EventRepo) RemoveOrganizer(ctx context.Context, eventID, accountID uint64) error {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM event_organizers WHERE event_id = ? AND account_id = ?", eventID, accountID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

// AddGuest adds an account to an event's guest list. The event row is
// locked so the capacity check and the insert are atomic; the guest
// count never exceeds capacity no matter how many joins race. When
// requirePublished is set (self-service joins) unpublished events are
// reported as missing rather than revealed. Organizers cannot be
// guests of their own event, mirroring the exclusion in AddOrganizer.
func (r *EventRepo) AddGuest(ctx context.Context, eventID, accountID uint64, requirePublished bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	e, err := scanEvent(tx.QueryRowContext(ctx,
		"SELECT "+eventCols+" FROM events WHERE id = ? FOR UPDATE", eventID))
	if err != nil {
		return err
	}
	if requirePublished && !e.Published {
		return sql.ErrNoRows
	}
	if !e.EndTime.After(time.Now().UTC()) {
		return ErrConflict
	}
	var organizer bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM event_organizers WHERE event_id = ? AND account_id = ?)",
		eventID, accountID).Scan(&organizer); err != nil {
		return err
	}
	if organizer {
		return ErrConflict
	}
	if e.Capacity != nil {
		var guests int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM event_guests WHERE event_id = ?", eventID).Scan(&guests); err != nil {
			return err
		}
		if guests >= int(*e.Capacity) {
			return ErrCapacityExceeded
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO event_guests (event_id, account_id) VALUES (?,?)", eventID, accountID); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "1062") {
			return ErrConflict
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// RemoveGuest removes an account from an event's guest list before the
// event starts. Removals after the start yield ErrConflict because the
// guest may already have been awarded points.
func (r *EventRepo) RemoveGuest(ctx context.Context, eventID, accountID uint64) error {
	e, err := r.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if !e.StartTime.After(time.Now().UTC()) {
		return ErrConflict
	}
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM event_guests WHERE event_id = ? AND account_id = ?", eventID, accountID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

// Attendee is a guest or organizer row joined with its account.
type Attendee struct {
	AccountID uint64 `json:"id"`
	UTORid    string `json:"utorid"`
	Name      string `json:"name"`
}

// Guests returns the current guest list of an event.
func (r *EventRepo) Guests(ctx context.Context, eventID uint64) ([]Attendee, error) {
	return r.attendees(ctx, eventID, "event_guests")
}

// Organizers returns the organizer list of an event.
func (r *EventRepo) Organizers(ctx context.Context, eventID uint64) ([]Attendee, error) {
	return r.attendees(ctx, eventID, "event_organizers")
}

func (r *EventRepo) attendees(ctx context.Context, eventID uint64, table string) ([]Attendee, error) {
	q := `SELECT a.id, a.utorid, a.name FROM ` + table + ` g
	      JOIN accounts a ON a.id = g.account_id
	      WHERE g.event_id = ? ORDER BY a.utorid`
	rows, err := r.db.QueryContext(ctx, q, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Attendee, 0)
	for rows.Next() {
		var a Attendee
		if err := rows.Scan(&a.AccountID, &a.UTORid, &a.Name); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LockForAwardTx locks an event row for an award operation and returns
// its current state.
func (r *EventRepo) LockForAwardTx(ctx context.Context, tx *sql.Tx, eventID uint64) (model.Event, error) {
	return scanEvent(tx.QueryRowContext(ctx,
		"SELECT "+eventCols+" FROM events WHERE id = ? FOR UPDATE", eventID))
}

// GuestUTORidsTx returns the handles of all current guests inside the
// award's transaction, so the recipient set cannot change mid-award.
func (r *EventRepo) GuestUTORidsTx(ctx context.Context, tx *sql.Tx, eventID uint64) ([]string, error) {
	const q = `SELECT a.utorid FROM event_guests g
	           JOIN accounts a ON a.id = g.account_id
	           WHERE g.event_id = ? ORDER BY a.utorid`
	rows, err := tx.QueryContext(ctx, q, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var utorids []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		utorids = append(utorids, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return utorids, nil
}

// IsGuestTx reports within the award's transaction whether the handle
// belongs to a current guest of the event.
func (r *EventRepo) IsGuestTx(ctx context.Context, tx *sql.Tx, eventID uint64, utorid string) (bool, error) {
	var ok bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM event_guests g JOIN accounts a ON a.id = g.account_id
		 WHERE g.event_id = ? AND a.utorid = ?)`,
		eventID, strings.ToLower(strings.TrimSpace(utorid))).Scan(&ok)
	return ok, err
}

// DebitBudgetTx subtracts an award total from the event's remaining
// budget. The conditional update guarantees the budget never goes
// negative; when it cannot be satisfied the whole award fails with
// ErrInsufficientEventBudget.
func (r *EventRepo) DebitBudgetTx(ctx context.Context, tx *sql.Tx, eventID uint64, total int64) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE events SET points_remain = points_remain - ? WHERE id = ? AND points_remain >= ?",
		total, eventID, total)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientEventBudget
	}
	return nil
}
