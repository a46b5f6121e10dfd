package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/stellarpoints/loyalty-api/internal/model"
)

// AccountRepo provides persistence for accounts and their balances.
// Balance mutations always run inside a caller-supplied transaction
// with the account row locked, so that two concurrent operations on
// the same balance serialize instead of both reading the same value.
type AccountRepo struct {
	db *sql.DB
}

// NewAccountRepo returns a new AccountRepo bound to the given database.
func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{db: db} }

// DB exposes the underlying handle so handlers can open transactions
// that span multiple repositories.
func (r *AccountRepo) DB() *sql.DB { return r.db }

const accountCols = `id, utorid, email, name, birthday, avatar_url, role, points, verified, suspicious, password_hash, created_at, last_login`

// scanAccount reads one account row from any row scanner.
func scanAccount(row interface{ Scan(...interface{}) error }) (model.Account, error) {
	var a model.Account
	var birthday, avatar, role sql.NullString
	var lastLogin sql.NullTime
	err := row.Scan(&a.ID, &a.UTORid, &a.Email, &a.Name, &birthday, &avatar,
		&role, &a.Points, &a.Verified, &a.Suspicious, &a.PasswordHash,
		&a.CreatedAt, &lastLogin)
	if err != nil {
		return model.Account{}, err
	}
	if birthday.Valid {
		b := birthday.String
		a.Birthday = &b
	}
	if avatar.Valid {
		av := avatar.String
		a.AvatarURL = &av
	}
	a.Role = model.Role(role.String)
	if lastLogin.Valid {
		t := lastLogin.Time
		a.LastLogin = &t
	}
	return a, nil
}

// Create inserts an account and returns its ID. The password hash may
// be empty for accounts created by staff, which are activated later
// through a reset token. Duplicate handles and emails are reported via
// the sentinel errors so handlers can respond with 409.
func (r *AccountRepo) Create(ctx context.Context, utorid, name, email, passwordHash string, role model.Role) (uint64, error) {
	utorid = strings.ToLower(strings.TrimSpace(utorid))
	email = strings.ToLower(strings.TrimSpace(email))
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO accounts (utorid, email, name, role, password_hash) VALUES (?,?,?,?,?)",
		utorid, email, name, string(role), passwordHash)
	if err != nil {
		low := strings.ToLower(err.Error())
		if strings.Contains(low, "1062") {
			if strings.Contains(low, "email") {
				return 0, ErrEmailExists
			}
			return 0, ErrUTORidExists
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// GetByID fetches an account by id.
func (r *AccountRepo) GetByID(ctx context.Context, id uint64) (model.Account, error) {
	return scanAccount(r.db.QueryRowContext(ctx,
		"SELECT "+accountCols+" FROM accounts WHERE id=? LIMIT 1", id))
}

// GetByUTORid fetches an account by its normalized handle.
func (r *AccountRepo) GetByUTORid(ctx context.Context, utorid string) (model.Account, error) {
	utorid = strings.ToLower(strings.TrimSpace(utorid))
	return scanAccount(r.db.QueryRowContext(ctx,
		"SELECT "+accountCols+" FROM accounts WHERE utorid=? LIMIT 1", utorid))
}

// AccountFilter narrows List results. Zero values mean "no filter".
// Name matches both the display name and the handle as a substring.
type AccountFilter struct {
	Name     string
	Role     model.Role
	Verified *bool
	Page     int
	Limit    int
}

// List returns accounts matching the filter, newest first, along with
// the total match count for pagination.
func (r *AccountRepo) List(ctx context.Context, f AccountFilter) ([]model.Account, int, error) {
	where := make([]string, 0, 3)
	args := make([]interface{}, 0, 4)
	if f.Name != "" {
		where = append(where, "(name LIKE ? OR utorid LIKE ?)")
		pat := "%" + f.Name + "%"
		args = append(args, pat, pat)
	}
	if f.Role != "" {
		where = append(where, "role = ?")
		args = append(args, string(f.Role))
	}
	if f.Verified != nil {
		where = append(where, "verified = ?")
		args = append(args, *f.Verified)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts"+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page, limit := normalizePage(f.Page, f.Limit)
	q := "SELECT " + accountCols + " FROM accounts" + clause + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, (page-1)*limit)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	accounts := make([]model.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, 0, err
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return accounts, total, nil
}

// ProfileUpdate carries the mutable profile fields. Nil pointers leave
// the current value untouched.
type ProfileUpdate struct {
	Email     *string
	Name      *string
	Birthday  *string
	AvatarURL *string
}

// UpdateProfile applies the non-nil fields of the update to an account.
func (r *AccountRepo) UpdateProfile(ctx context.Context, id uint64, u ProfileUpdate) error {
	sets := make([]string, 0, 4)
	args := make([]interface{}, 0, 5)
	if u.Email != nil {
		sets = append(sets, "email = ?")
		args = append(args, strings.ToLower(strings.TrimSpace(*u.Email)))
	}
	if u.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *u.Name)
	}
	if u.Birthday != nil {
		sets = append(sets, "birthday = ?")
		args = append(args, *u.Birthday)
	}
	if u.AvatarURL != nil {
		sets = append(sets, "avatar_url = ?")
		args = append(args, *u.AvatarURL)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	_, err := r.db.ExecContext(ctx,
		"UPDATE accounts SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "1062") {
		return ErrEmailExists
	}
	return err
}

// SetVerified marks an account verified. The transition is one way;
// verifying an already verified account is a no-op.
func (r *AccountRepo) SetVerified(ctx context.Context, id uint64) error {
	res, err := r.db.ExecContext(ctx, "UPDATE accounts SET verified = 1 WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		// distinguish "unknown id" from "already verified"
		var exists bool
		if qerr := r.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM accounts WHERE id = ?)", id).Scan(&exists); qerr != nil {
			return qerr
		}
		if !exists {
			return sql.ErrNoRows
		}
	}
	return err
}

// SetPassword stores a new bcrypt hash for the account.
func (r *AccountRepo) SetPassword(ctx context.Context, id uint64, hash string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE accounts SET password_hash = ? WHERE id = ?", hash, id)
	return err
}

// TouchLogin records the current time as the account's last login.
func (r *AccountRepo) TouchLogin(ctx context.Context, id uint64) error {
	_, err := r.db.ExecContext(ctx, "UPDATE accounts SET last_login = UTC_TIMESTAMP() WHERE id = ?", id)
	return err
}

// ChangeRole updates an account's role. Promotion to cashier is
// rejected while the account is flagged suspicious; the conditional
// update makes the check and the write one atomic statement.
func (r *AccountRepo) ChangeRole(ctx context.Context, id uint64, role model.Role) error {
	var q string
	if role == model.RoleCashier {
		q = "UPDATE accounts SET role = ? WHERE id = ? AND suspicious = 0"
	} else {
		q = "UPDATE accounts SET role = ? WHERE id = ?"
	}
	res, err := r.db.ExecContext(ctx, q, string(role), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var suspicious bool
		err := r.db.QueryRowContext(ctx, "SELECT suspicious FROM accounts WHERE id = ?", id).Scan(&suspicious)
		if err != nil {
			return err // sql.ErrNoRows when the account does not exist
		}
		if role == model.RoleCashier && suspicious {
			return ErrSuspiciousAccount
		}
		// role already had the requested value; treat as success
	}
	return nil
}

// SetSuspiciousTx toggles the account-level suspicious flag and
// recomputes the stored balance from the ledger inside the same
// transaction, so the flag and the balance never disagree. Suspicious
// exclusion is retroactive: all of the account's transactions stop
// counting while the flag is set, and count again once cleared.
func (r *AccountRepo) SetSuspiciousTx(ctx context.Context, tx *sql.Tx, id uint64, suspicious bool) error {
	var utorid string
	if err := tx.QueryRowContext(ctx,
		"SELECT utorid FROM accounts WHERE id = ? FOR UPDATE", id).Scan(&utorid); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE accounts SET suspicious = ? WHERE id = ?", suspicious, id); err != nil {
		return err
	}
	if suspicious {
		// While the account is suspicious nothing counts.
		_, err := tx.ExecContext(ctx, "UPDATE accounts SET points = 0 WHERE id = ?", id)
		return err
	}
	return r.RecomputeBalanceTx(ctx, tx, utorid)
}

// RecomputeBalanceTx derives the stored balance from the ledger: the
// sum of amounts over the account's non-suspicious transactions,
// excluding pending redemptions. Used whenever a suspicious flag flips
// so the running total stays equal to the replayed ledger.
func (r *AccountRepo) RecomputeBalanceTx(ctx context.Context, tx *sql.Tx, utorid string) error {
	const q = `UPDATE accounts a SET a.points = IF(a.suspicious, 0, (
	               SELECT COALESCE(SUM(t.amount), 0)
	               FROM transactions t
	               WHERE t.utorid = a.utorid
	                 AND t.suspicious = 0
	                 AND NOT (t.type = 'redemption' AND t.processed = 0)
	           ))
	           WHERE a.utorid = ?`
	_, err := tx.ExecContext(ctx, q, utorid)
	return err
}

// BalanceForUpdateTx locks the account row and returns its id, stored
// balance and suspicious flag. Every read-modify-write of a balance
// must go through this lock so concurrent requests serialize.
func (r *AccountRepo) BalanceForUpdateTx(ctx context.Context, tx *sql.Tx, utorid string) (uint64, int64, bool, error) {
	utorid = strings.ToLower(strings.TrimSpace(utorid))
	var id uint64
	var points int64
	var suspicious bool
	err := tx.QueryRowContext(ctx,
		"SELECT id, points, suspicious FROM accounts WHERE utorid = ? FOR UPDATE",
		utorid).Scan(&id, &points, &suspicious)
	return id, points, suspicious, err
}

// AddPointsTx applies a signed delta to an account balance. Suspicious
// accounts are skipped: their stored balance stays zero and the delta
// is picked up by the recomputation when the flag clears.
func (r *AccountRepo) AddPointsTx(ctx context.Context, tx *sql.Tx, utorid string, delta int64) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE accounts SET points = points + ? WHERE utorid = ? AND suspicious = 0", delta, utorid)
	return err
}

// PendingRedeemedTx returns the total points reserved by the account's
// pending, non-suspicious redemptions. Transfers and new redemption
// requests validate against the balance minus this reservation.
func (r *AccountRepo) PendingRedeemedTx(ctx context.Context, tx *sql.Tx, utorid string) (int64, error) {
	var reserved int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(redeemed), 0) FROM transactions
		 WHERE utorid = ? AND type = 'redemption' AND processed = 0 AND suspicious = 0`,
		utorid).Scan(&reserved)
	return reserved, err
}

// normalizePage clamps pagination parameters to sane bounds shared by
// all list queries.
func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}
