package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/stellarpoints/loyalty-api/internal/model"
)

// PromotionRepo provides persistence for promotions and implements the
// promotion engine queries: which automatic promotions apply to a
// purchase and whether a requested one-time promotion is still valid
// for the purchasing account. Consumption is recorded through
// TransactionRepo.LinkPromotionsTx inside the purchase's database
// transaction, so a promotion can never be consumed without its
// purchase existing.
type PromotionRepo struct {
	db *sql.DB
}

// NewPromotionRepo returns a new PromotionRepo bound to the given database.
func NewPromotionRepo(db *sql.DB) *PromotionRepo { return &PromotionRepo{db: db} }

const promotionCols = `id, name, description, type, start_time, end_time, min_spending, rate, points`

func scanPromotion(row interface{ Scan(...interface{}) error }) (model.Promotion, error) {
	var p model.Promotion
	var minSpending, rate sql.NullFloat64
	var points sql.NullInt64
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Type, &p.StartTime,
		&p.EndTime, &minSpending, &rate, &points)
	if err != nil {
		return model.Promotion{}, err
	}
	if minSpending.Valid {
		v := minSpending.Float64
		p.MinSpending = &v
	}
	if rate.Valid {
		v := rate.Float64
		p.Rate = &v
	}
	if points.Valid {
		v := points.Int64
		p.Points = &v
	}
	return p, nil
}

// Create inserts a promotion and populates its generated ID.
func (r *PromotionRepo) Create(ctx context.Context, p *model.Promotion) error {
	const q = `INSERT INTO promotions (name, description, type, start_time, end_time, min_spending, rate, points)
	           VALUES (?,?,?,?,?,?,?,?)`
	res, err := r.db.ExecContext(ctx, q, p.Name, p.Description, string(p.Type),
		p.StartTime.UTC(), p.EndTime.UTC(), p.MinSpending, p.Rate, p.Points)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = uint64(id)
	return nil
}

// GetByID fetches a single promotion.
func (r *PromotionRepo) GetByID(ctx context.Context, id uint64) (model.Promotion, error) {
	return scanPromotion(r.db.QueryRowContext(ctx,
		"SELECT "+promotionCols+" FROM promotions WHERE id = ? LIMIT 1", id))
}

// PromotionFilter narrows List results.
type PromotionFilter struct {
	Type    model.PromotionType
	Started *bool // window has started relative to now
	Ended   *bool // window has ended relative to now
	Page    int
	Limit   int
}

// List returns promotions matching the filter ordered by start time
// descending, along with the total match count.
func (r *PromotionRepo) List(ctx context.Context, f PromotionFilter, now time.Time) ([]model.Promotion, int, error) {
	where := make([]string, 0, 3)
	args := make([]interface{}, 0, 4)
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
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
		"SELECT COUNT(*) FROM promotions"+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	page, limit := normalizePage(f.Page, f.Limit)
	q := "SELECT " + promotionCols + " FROM promotions" + clause + " ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, (page-1)*limit)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := make([]model.Promotion, 0)
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Update rewrites a promotion's mutable fields. Promotions whose
// window has already opened are append-only and yield ErrConflict;
// members may have earned points under the old terms.
func (r *PromotionRepo) Update(ctx context.Context, p *model.Promotion, now time.Time) error {
	cur, err := r.GetByID(ctx, p.ID)
	if err != nil {
		return err
	}
	if !now.UTC().Before(cur.StartTime) {
		return ErrConflict
	}
	const q = `UPDATE promotions SET name=?, description=?, type=?, start_time=?, end_time=?, min_spending=?, rate=?, points=?
	           WHERE id=?`
	_, err = r.db.ExecContext(ctx, q, p.Name, p.Description, string(p.Type),
		p.StartTime.UTC(), p.EndTime.UTC(), p.MinSpending, p.Rate, p.Points, p.ID)
	return err
}

// Delete removes a promotion that has not started yet. Started
// promotions yield ErrConflict for the same reason updates do.
func (r *PromotionRepo) Delete(ctx context.Context, id uint64, now time.Time) error {
	cur, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !now.UTC().Before(cur.StartTime) {
		return ErrConflict
	}
	_, err = r.db.ExecContext(ctx, "DELETE FROM promotions WHERE id = ?", id)
	return err
}

// ActiveAutomaticTx returns every automatic promotion whose window
// contains now. Applied unconditionally to qualifying purchases, inside
// the purchase's transaction for a consistent read.
func (r *PromotionRepo) ActiveAutomaticTx(ctx context.Context, tx *sql.Tx, now time.Time) ([]model.Promotion, error) {
	const q = `SELECT ` + promotionCols + ` FROM promotions
	           WHERE type = 'automatic' AND start_time <= ? AND end_time > ?
	           ORDER BY id`
	rows, err := tx.QueryContext(ctx, q, now.UTC(), now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var promos []model.Promotion
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, err
		}
		promos = append(promos, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return promos, nil
}

// ValidateOneTimeTx checks a requested one-time promotion against all
// of its rules for the purchasing account: it must exist, be of type
// onetime, be inside its window, meet its minimum spending, and not
// have been consumed by this account before. Every failure maps to
// ErrInvalidPromotion so the purchase fails as a whole rather than
// silently dropping the id.
func (r *PromotionRepo) ValidateOneTimeTx(ctx context.Context, tx *sql.Tx, id uint64, utorid string, spent float64, now time.Time) (model.Promotion, error) {
	p, err := scanPromotion(tx.QueryRowContext(ctx,
		"SELECT "+promotionCols+" FROM promotions WHERE id = ? LIMIT 1", id))
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Promotion{}, ErrInvalidPromotion
		}
		return model.Promotion{}, err
	}
	if p.Type != model.PromotionOneTime || !p.ActiveAt(now.UTC()) || !p.Qualifies(spent) {
		return model.Promotion{}, ErrInvalidPromotion
	}
	var consumed bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM transaction_promotions WHERE promotion_id = ? AND utorid = ?)`,
		id, strings.ToLower(strings.TrimSpace(utorid))).Scan(&consumed)
	if err != nil {
		return model.Promotion{}, err
	}
	if consumed {
		return model.Promotion{}, ErrInvalidPromotion
	}
	return p, nil
}
