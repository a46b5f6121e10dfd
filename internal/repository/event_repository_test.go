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
)

func eventRows(id uint64, capacity interface{}, remain int64, published bool, start, end time.Time) *sqlmock.Rows {
	cols := []string{"id", "name", "description", "location", "start_time", "end_time",
		"capacity", "points_remain", "published", "created_at"}
	return sqlmock.NewRows(cols).AddRow(
		id, "Orientation", "", "BA 1130", start, end, capacity, remain, published, time.Now().UTC())
}

func TestDebitBudgetTxInsufficient(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewEventRepo(db)

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE events SET points_remain = points_remain - ? WHERE id = ? AND points_remain >= ?")).
		WithArgs(int64(500), 2, int64(500)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.DebitBudgetTx(context.Background(), tx, 2, 500)
	assert.ErrorIs(t, err, ErrInsufficientEventBudget)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitBudgetTxSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewEventRepo(db)

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE events SET points_remain = points_remain - ?")).
		WithArgs(int64(300), 2, int64(300)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.DebitBudgetTx(context.Background(), tx, 2, 300))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddGuestCapacityExceeded(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewEventRepo(db)

	start := time.Now().UTC().Add(time.Hour)
	end := start.Add(2 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM events WHERE id = \\? FOR UPDATE").
		WithArgs(2).
		WillReturnRows(eventRows(2, 10, 1000, true, start, end))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM event_organizers WHERE event_id = ? AND account_id = ?)")).
		WithArgs(2, 77).
		WillReturnRows(sqlmock.NewRows([]string{"e"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM event_guests WHERE event_id = ?")).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(10))
	mock.ExpectRollback()

	err = repo.AddGuest(context.Background(), 2, 77, true)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddGuestRejectsOrganizer(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewEventRepo(db)

	start := time.Now().UTC().Add(time.Hour)
	end := start.Add(2 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM events WHERE id = \\? FOR UPDATE").
		WithArgs(2).
		WillReturnRows(eventRows(2, nil, 1000, true, start, end))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM event_organizers WHERE event_id = ? AND account_id = ?)")).
		WithArgs(2, 77).
		WillReturnRows(sqlmock.NewRows([]string{"e"}).AddRow(1))
	mock.ExpectRollback()

	err = repo.AddGuest(context.Background(), 2, 77, true)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddGuestHidesUnpublishedEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewEventRepo(db)

	start := time.Now().UTC().Add(time.Hour)
	end := start.Add(2 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM events WHERE id = \\? FOR UPDATE").
		WithArgs(2).
		WillReturnRows(eventRows(2, nil, 1000, false, start, end))
	mock.ExpectRollback()

	err = repo.AddGuest(context.Background(), 2, 77, true)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddGuestAfterEventEnded(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewEventRepo(db)

	start := time.Now().UTC().Add(-3 * time.Hour)
	end := time.Now().UTC().Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM events WHERE id = \\? FOR UPDATE").
		WithArgs(2).
		WillReturnRows(eventRows(2, nil, 1000, true, start, end))
	mock.ExpectRollback()

	err = repo.AddGuest(context.Background(), 2, 77, true)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}
