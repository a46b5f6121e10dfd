package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarpoints/loyalty-api/internal/model"
)

func txRows(id uint64, typ model.TransactionType, amount int64, redeemed *int64, processed bool) *sqlmock.Rows {
	cols := []string{"id", "utorid", "type", "amount", "spent", "redeemed", "related_id",
		"created_by", "processed_by", "processed", "suspicious", "remark", "created_at"}
	return sqlmock.NewRows(cols).AddRow(
		id, "johndoe1", string(typ), amount, nil, redeemed, nil,
		"johndoe1", nil, processed, false, "", time.Now().UTC())
}

func beginTx(t *testing.T, db *sql.DB, mock sqlmock.Sqlmock) *sql.Tx {
	t.Helper()
	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)
	return tx
}

func TestMarkProcessedTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewTransactionRepo(db)

	redeemed := int64(1000)
	tx := beginTx(t, db, mock)
	mock.ExpectQuery("FROM transactions WHERE id = \\? FOR UPDATE").
		WithArgs(3).
		WillReturnRows(txRows(3, model.TxRedemption, -1000, &redeemed, false))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE transactions SET processed = 1, processed_by = ? WHERE id = ?")).
		WithArgs("cashier1", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := repo.MarkProcessedTx(context.Background(), tx, 3, "Cashier1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1000), rec.Amount)
	assert.False(t, rec.Processed) // pre-update state, caller applies the deduction
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessedTxSecondCall(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewTransactionRepo(db)

	redeemed := int64(1000)
	tx := beginTx(t, db, mock)
	mock.ExpectQuery("FROM transactions WHERE id = \\? FOR UPDATE").
		WithArgs(3).
		WillReturnRows(txRows(3, model.TxRedemption, -1000, &redeemed, true))

	_, err = repo.MarkProcessedTx(context.Background(), tx, 3, "cashier1")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessedTxRejectsNonRedemption(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewTransactionRepo(db)

	tx := beginTx(t, db, mock)
	mock.ExpectQuery("FROM transactions WHERE id = \\? FOR UPDATE").
		WithArgs(8).
		WillReturnRows(txRows(8, model.TxPurchase, 80, nil, false))

	_, err = repo.MarkProcessedTx(context.Background(), tx, 8, "cashier1")
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetForOwnerTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewTransactionRepo(db)

	tx := beginTx(t, db, mock)
	mock.ExpectQuery("FROM transactions WHERE id = \\? FOR UPDATE").
		WithArgs(5).
		WillReturnRows(txRows(5, model.TxPurchase, 80, nil, false))

	_, err = repo.GetForOwnerTx(context.Background(), tx, 5, "someoneelse")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkPromotionsTxBulkInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewTransactionRepo(db)

	tx := beginTx(t, db, mock)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transaction_promotions (transaction_id, promotion_id, utorid) VALUES (?, ?, ?),(?, ?, ?)")).
		WithArgs(7, 1, "johndoe1", 7, 2, "johndoe1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err = repo.LinkPromotionsTx(context.Background(), tx, 7, "johndoe1", []uint64{1, 2})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	// Empty slice issues no SQL at all.
	assert.NoError(t, repo.LinkPromotionsTx(context.Background(), tx, 7, "johndoe1", nil))
}

func TestSetSuspiciousTxNoChange(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewTransactionRepo(db)

	tx := beginTx(t, db, mock)
	mock.ExpectQuery("FROM transactions WHERE id = \\? FOR UPDATE").
		WithArgs(5).
		WillReturnRows(txRows(5, model.TxPurchase, 80, nil, false))

	rec, changed, err := repo.SetSuspiciousTx(context.Background(), tx, 5, false)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, rec.Suspicious)
	assert.NoError(t, mock.ExpectationsWereMet())
}
