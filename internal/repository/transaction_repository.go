package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/stellarpoints/loyalty-api/internal/model"
)

// TransactionRepo provides access to the transactions ledger and the
// transaction_promotions join table. Ledger rows are append-only: once
// written, only the processed and suspicious flags ever change, and
// both changes go through locked, transactional methods here.
type TransactionRepo struct {
	db *sql.DB
}

// NewTransactionRepo returns a new TransactionRepo bound to the given database.
func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

// DB exposes the underlying handle for handler-scoped transactions.
func (r *TransactionRepo) DB() *sql.DB { return r.db }

// TransactionRecord mirrors the schema of the transactions table. It is
// used internally by the repository when constructing or scanning rows.
// Business logic should use the model.Transaction type instead.
type TransactionRecord struct {
	ID          uint64
	UTORid      string
	Type        model.TransactionType
	Amount      int64
	Spent       *float64
	Redeemed    *int64
	RelatedID   *uint64
	CreatedBy   string
	ProcessedBy *string
	Processed   bool
	Suspicious  bool
	Remark      string
	CreatedAt   time.Time
}

const txCols = `id, utorid, type, amount, spent, redeemed, related_id, created_by, processed_by, processed, suspicious, remark, created_at`

// scanTransaction reads one ledger row from any row scanner.
func scanTransaction(row interface{ Scan(...interface{}) error }) (TransactionRecord, error) {
	var rec TransactionRecord
	var spent sql.NullFloat64
	var redeemed, related sql.NullInt64
	var processedBy sql.NullString
	err := row.Scan(&rec.ID, &rec.UTORid, &rec.Type, &rec.Amount, &spent,
		&redeemed, &related, &rec.CreatedBy, &processedBy, &rec.Processed,
		&rec.Suspicious, &rec.Remark, &rec.CreatedAt)
	if err != nil {
		return TransactionRecord{}, err
	}
	if spent.Valid {
		s := spent.Float64
		rec.Spent = &s
	}
	if redeemed.Valid {
		v := redeemed.Int64
		rec.Redeemed = &v
	}
	if related.Valid {
		v := uint64(related.Int64)
		rec.RelatedID = &v
	}
	if processedBy.Valid {
		p := processedBy.String
		rec.ProcessedBy = &p
	}
	return rec, nil
}

// CreateTx inserts a ledger row within the scope of an existing
// transaction. It populates the generated ID and creation timestamp on
// the provided record. The caller must commit or rollback.
func (r *TransactionRepo) CreateTx(ctx context.Context, tx *sql.Tx, rec *TransactionRecord) error {
	const q = `INSERT INTO transactions
	           (utorid, type, amount, spent, redeemed, related_id, created_by, processed_by, processed, suspicious, remark)
	           VALUES (?,?,?,?,?,?,?,?,?,?,?)`
	res, err := tx.ExecContext(ctx, q,
		rec.UTORid, string(rec.Type), rec.Amount, rec.Spent, rec.Redeemed,
		rec.RelatedID, rec.CreatedBy, rec.ProcessedBy, rec.Processed,
		rec.Suspicious, rec.Remark)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = uint64(id)
	return tx.QueryRowContext(ctx,
		"SELECT created_at FROM transactions WHERE id = ?", rec.ID).Scan(&rec.CreatedAt)
}

// SetRelatedTx points a ledger row at its counterpart. Used to close
// the mutual link of a transfer pair after both rows exist.
func (r *TransactionRepo) SetRelatedTx(ctx context.Context, tx *sql.Tx, id, relatedID uint64) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE transactions SET related_id = ? WHERE id = ?", relatedID, id)
	return err
}

// LinkPromotionsTx records the promotions applied to a purchase in a
// single bulk insert. The utorid is denormalized into the join table so
// one-time consumption checks need no join back to transactions.
// Passing an empty slice has no effect and returns nil.
func (r *TransactionRepo) LinkPromotionsTx(ctx context.Context, tx *sql.Tx, txID uint64, utorid string, promotionIDs []uint64) error {
	if len(promotionIDs) == 0 {
		return nil
	}
	query := `INSERT INTO transaction_promotions (transaction_id, promotion_id, utorid) VALUES `
	args := make([]interface{}, 0, len(promotionIDs)*3)
	for i, pid := range promotionIDs {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?)"
		args = append(args, txID, pid, utorid)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// GetByID returns a single ledger row with its applied promotion ids.
func (r *TransactionRepo) GetByID(ctx context.Context, id uint64) (model.Transaction, error) {
	rec, err := scanTransaction(r.db.QueryRowContext(ctx,
		"SELECT "+txCols+" FROM transactions WHERE id = ? LIMIT 1", id))
	if err != nil {
		return model.Transaction{}, err
	}
	t := rec.toModel()
	rows, err := r.db.QueryContext(ctx,
		"SELECT promotion_id FROM transaction_promotions WHERE transaction_id = ? ORDER BY promotion_id", id)
	if err != nil {
		return model.Transaction{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var pid uint64
		if err := rows.Scan(&pid); err != nil {
			return model.Transaction{}, err
		}
		t.PromotionIDs = append(t.PromotionIDs, pid)
	}
	if err := rows.Err(); err != nil {
		return model.Transaction{}, err
	}
	return t, nil
}

// toModel converts a record into the business type without promotions.
func (rec TransactionRecord) toModel() model.Transaction {
	return model.Transaction{
		ID:          rec.ID,
		UTORid:      rec.UTORid,
		Type:        rec.Type,
		Amount:      rec.Amount,
		Spent:       rec.Spent,
		Redeemed:    rec.Redeemed,
		RelatedID:   rec.RelatedID,
		CreatedBy:   rec.CreatedBy,
		ProcessedBy: rec.ProcessedBy,
		Processed:   rec.Processed,
		Suspicious:  rec.Suspicious,
		Remark:      rec.Remark,
		CreatedAt:   rec.CreatedAt,
	}
}

// TransactionFilter narrows List results. Zero values mean "no filter".
// AmountOp must be "gte" or "lte" when Amount is set.
type TransactionFilter struct {
	UTORid      string
	Type        model.TransactionType
	CreatedBy   string
	Suspicious  *bool
	Processed   *bool
	RelatedID   *uint64
	PromotionID *uint64
	Amount      *int64
	AmountOp    string
	Page        int
	Limit       int
}

// List returns ledger rows matching the filter, newest first, with the
// total match count. Promotion ids are populated for all returned rows
// in a single batched query.
func (r *TransactionRepo) List(ctx context.Context, f TransactionFilter) ([]model.Transaction, int, error) {
	where := make([]string, 0, 6)
	args := make([]interface{}, 0, 8)
	if f.UTORid != "" {
		where = append(where, "utorid = ?")
		args = append(args, strings.ToLower(strings.TrimSpace(f.UTORid)))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, strings.ToLower(strings.TrimSpace(f.CreatedBy)))
	}
	if f.Suspicious != nil {
		where = append(where, "suspicious = ?")
		args = append(args, *f.Suspicious)
	}
	if f.Processed != nil {
		where = append(where, "processed = ?")
		args = append(args, *f.Processed)
	}
	if f.RelatedID != nil {
		where = append(where, "related_id = ?")
		args = append(args, *f.RelatedID)
	}
	if f.PromotionID != nil {
		where = append(where, "EXISTS (SELECT 1 FROM transaction_promotions tp WHERE tp.transaction_id = transactions.id AND tp.promotion_id = ?)")
		args = append(args, *f.PromotionID)
	}
	if f.Amount != nil {
		op := ">="
		if f.AmountOp == "lte" {
			op = "<="
		}
		where = append(where, "amount "+op+" ?")
		args = append(args, *f.Amount)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions"+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page, limit := normalizePage(f.Page, f.Limit)
	q := "SELECT " + txCols + " FROM transactions" + clause + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, (page-1)*limit)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := make([]model.Transaction, 0)
	index := make(map[uint64]int)
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		index[rec.ID] = len(items)
		items = append(items, rec.toModel())
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(items) == 0 {
		return items, total, nil
	}
	// Populate promotion ids for all rows in one query.
	ids := make([]interface{}, 0, len(items))
	placeholders := make([]string, 0, len(items))
	for _, t := range items {
		ids = append(ids, t.ID)
		placeholders = append(placeholders, "?")
	}
	promoQ := `SELECT transaction_id, promotion_id FROM transaction_promotions
	           WHERE transaction_id IN (` + strings.Join(placeholders, ",") + `)
	           ORDER BY transaction_id, promotion_id`
	prows, err := r.db.QueryContext(ctx, promoQ, ids...)
	if err != nil {
		return nil, 0, err
	}
	defer prows.Close()
	for prows.Next() {
		var tid, pid uint64
		if err := prows.Scan(&tid, &pid); err != nil {
			return nil, 0, err
		}
		if idx, ok := index[tid]; ok {
			items[idx].PromotionIDs = append(items[idx].PromotionIDs, pid)
		}
	}
	if err := prows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// GetForOwnerTx locks a ledger row and verifies it belongs to the given
// account. Used by adjustments to validate their related transaction.
func (r *TransactionRepo) GetForOwnerTx(ctx context.Context, tx *sql.Tx, id uint64, utorid string) (TransactionRecord, error) {
	rec, err := scanTransaction(tx.QueryRowContext(ctx,
		"SELECT "+txCols+" FROM transactions WHERE id = ? FOR UPDATE", id))
	if err != nil {
		return TransactionRecord{}, err
	}
	if rec.UTORid != strings.ToLower(strings.TrimSpace(utorid)) {
		return TransactionRecord{}, ErrForbidden
	}
	return rec, nil
}

// MarkProcessedTx flips a redemption to processed exactly once. The row
// is locked first so two cashiers racing on the same redemption cannot
// both deduct. Returns the locked row as it was before the update.
// Non-redemption rows yield ErrConflict; a second processing attempt
// yields ErrAlreadyProcessed and applies nothing.
func (r *TransactionRepo) MarkProcessedTx(ctx context.Context, tx *sql.Tx, id uint64, processedBy string) (TransactionRecord, error) {
	rec, err := scanTransaction(tx.QueryRowContext(ctx,
		"SELECT "+txCols+" FROM transactions WHERE id = ? FOR UPDATE", id))
	if err != nil {
		return TransactionRecord{}, err
	}
	if rec.Type != model.TxRedemption {
		return rec, ErrConflict
	}
	if rec.Processed {
		return rec, ErrAlreadyProcessed
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE transactions SET processed = 1, processed_by = ? WHERE id = ?",
		strings.ToLower(strings.TrimSpace(processedBy)), id)
	return rec, err
}

// SetSuspiciousTx sets the suspicious flag on a ledger row under lock.
// It returns the row and whether the flag actually changed, so callers
// can skip the balance recomputation when nothing flipped.
func (r *TransactionRepo) SetSuspiciousTx(ctx context.Context, tx *sql.Tx, id uint64, suspicious bool) (TransactionRecord, bool, error) {
	rec, err := scanTransaction(tx.QueryRowContext(ctx,
		"SELECT "+txCols+" FROM transactions WHERE id = ? FOR UPDATE", id))
	if err != nil {
		return TransactionRecord{}, false, err
	}
	if rec.Suspicious == suspicious {
		return rec, false, nil
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE transactions SET suspicious = ? WHERE id = ?", suspicious, id); err != nil {
		return TransactionRecord{}, false, err
	}
	rec.Suspicious = suspicious
	return rec, true, nil
}
