package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarpoints/loyalty-api/internal/model"
	"github.com/stellarpoints/loyalty-api/internal/repository"
)

func newEventHandler(t *testing.T) (*EventHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewEventHandler(
		repository.NewAccountRepo(db),
		repository.NewEventRepo(db),
		repository.NewTransactionRepo(db),
	), mock
}

func eventBody(points int64, extra string) string {
	start := time.Now().UTC().Add(24 * time.Hour)
	end := start.Add(2 * time.Hour)
	return fmt.Sprintf(`{"name":"Orientation","location":"BA 1130","startTime":%q,"endTime":%q,"points":%d%s}`,
		start.Format(time.RFC3339), end.Format(time.RFC3339), points, extra)
}

func TestCreateEventValidation(t *testing.T) {
	h, _ := newEventHandler(t)
	cases := []struct {
		name string
		body string
	}{
		{"missing location", `{"name":"X","startTime":"2026-09-01T10:00:00Z","endTime":"2026-09-01T12:00:00Z","points":100}`},
		{"negative points", eventBody(-5, "")},
		{"zero capacity", eventBody(100, `,"capacity":0`)},
		{"end before start", `{"name":"X","location":"BA","startTime":"2026-09-01T12:00:00Z","endTime":"2026-09-01T10:00:00Z","points":100}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, rec := newRequest(http.MethodPost, "/v1/events", tc.body, "manager1", model.RoleManager, 1)
			require.NoError(t, h.Create(c))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestUpdateEventOrganizerCannotTouchBudget(t *testing.T) {
	h, mock := newEventHandler(t)

	start := time.Now().UTC().Add(24 * time.Hour)
	mock.ExpectQuery("FROM events WHERE id = \\?").
		WithArgs(uint64(2)).
		WillReturnRows(eventHandlerRows(2, 500, false, start, start.Add(2*time.Hour)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM event_organizers WHERE event_id = ? AND account_id = ?)")).
		WithArgs(uint64(2), uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"e"}).AddRow(1))

	c, rec := newRequest(http.MethodPatch, "/v1/events/2", `{"points":200}`, "organizr1", model.RoleRegular, 7)
	withPathID(c, "2")
	require.NoError(t, h.Update(c))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEventCannotUnpublish(t *testing.T) {
	h, mock := newEventHandler(t)

	start := time.Now().UTC().Add(24 * time.Hour)
	mock.ExpectQuery("FROM events WHERE id = \\?").
		WithArgs(uint64(2)).
		WillReturnRows(eventHandlerRows(2, 500, true, start, start.Add(2*time.Hour)))
	// The field update runs first; with no mutable fields set it only
	// locks and commits.
	mock.ExpectBegin()
	mock.ExpectQuery("FROM events WHERE id = \\? FOR UPDATE").
		WithArgs(uint64(2)).
		WillReturnRows(eventHandlerRows(2, 500, true, start, start.Add(2*time.Hour)))
	mock.ExpectCommit()

	c, rec := newRequest(http.MethodPatch, "/v1/events/2", `{"published":false}`, "manager1", model.RoleManager, 1)
	withPathID(c, "2")
	require.NoError(t, h.Update(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUnpublishedEventHiddenFromMembers(t *testing.T) {
	h, mock := newEventHandler(t)

	start := time.Now().UTC().Add(24 * time.Hour)
	mock.ExpectQuery("FROM events WHERE id = \\?").
		WithArgs(uint64(2)).
		WillReturnRows(eventHandlerRows(2, 500, false, start, start.Add(2*time.Hour)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM event_organizers WHERE event_id = ? AND account_id = ?)")).
		WithArgs(uint64(2), uint64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"e"}).AddRow(0))

	c, rec := newRequest(http.MethodGet, "/v1/events/2", "", "johndoe1", model.RoleRegular, 9)
	withPathID(c, "2")
	require.NoError(t, h.Get(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAwardRejectsNonOrganizer(t *testing.T) {
	h, mock := newEventHandler(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM event_organizers WHERE event_id = ? AND account_id = ?)")).
		WithArgs(uint64(2), uint64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"e"}).AddRow(0))

	c, rec := newRequest(http.MethodPost, "/v1/events/2/transactions", `{"amount":50}`, "johndoe1", model.RoleRegular, 9)
	withPathID(c, "2")
	require.NoError(t, h.Award(c))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAwardRejectsNonPositiveAmount(t *testing.T) {
	h, _ := newEventHandler(t)
	c, rec := newRequest(http.MethodPost, "/v1/events/2/transactions", `{"amount":0}`, "manager1", model.RoleManager, 1)
	withPathID(c, "2")
	require.NoError(t, h.Award(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAwardInsufficientBudgetRollsBack(t *testing.T) {
	h, mock := newEventHandler(t)

	start := time.Now().UTC().Add(-time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery("FROM events WHERE id = \\? FOR UPDATE").
		WithArgs(uint64(2)).
		WillReturnRows(eventHandlerRows(2, 100, true, start, start.Add(4*time.Hour)))
	mock.ExpectQuery("SELECT a.utorid FROM event_guests").
		WithArgs(uint64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"utorid"}).AddRow("johndoe1").AddRow("janedoe2"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE events SET points_remain = points_remain - ?")).
		WithArgs(int64(200), uint64(2), int64(200)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	c, rec := newRequest(http.MethodPost, "/v1/events/2/transactions", `{"amount":100}`, "manager1", model.RoleManager, 1)
	withPathID(c, "2")
	require.NoError(t, h.Award(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAwardAllGuestsDebitsBudgetOnce(t *testing.T) {
	h, mock := newEventHandler(t)

	now := time.Now().UTC()
	start := now.Add(-time.Hour)
	txCols := []string{"created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM events WHERE id = \\? FOR UPDATE").
		WithArgs(uint64(2)).
		WillReturnRows(eventHandlerRows(2, 1000, true, start, start.Add(4*time.Hour)))
	mock.ExpectQuery("SELECT a.utorid FROM event_guests").
		WithArgs(uint64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"utorid"}).AddRow("janedoe2").AddRow("johndoe1"))
	// One debit of amount x guests, then one ledger row and one balance
	// update per guest.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE events SET points_remain = points_remain - ?")).
		WithArgs(int64(200), uint64(2), int64(200)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(31, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT created_at FROM transactions WHERE id = ?")).
		WithArgs(31).
		WillReturnRows(sqlmock.NewRows(txCols).AddRow(now))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET points = points + ?")).
		WithArgs(int64(100), "janedoe2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(32, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT created_at FROM transactions WHERE id = ?")).
		WithArgs(32).
		WillReturnRows(sqlmock.NewRows(txCols).AddRow(now))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET points = points + ?")).
		WithArgs(int64(100), "johndoe1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c, rec := newRequest(http.MethodPost, "/v1/events/2/transactions", `{"amount":100}`, "manager1", model.RoleManager, 1)
	withPathID(c, "2")
	require.NoError(t, h.Award(c))

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Count int `json:"count"`
		Items []struct {
			UTORid    string  `json:"utorid"`
			Type      string  `json:"type"`
			Amount    int64   `json:"amount"`
			RelatedID *uint64 `json:"relatedId"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	for _, item := range resp.Items {
		assert.Equal(t, "event", item.Type)
		assert.Equal(t, int64(100), item.Amount)
		require.NotNil(t, item.RelatedID)
		assert.Equal(t, uint64(2), *item.RelatedID)
	}
	assert.Equal(t, "janedoe2", resp.Items[0].UTORid)
	assert.Equal(t, "johndoe1", resp.Items[1].UTORid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAwardRejectsOverflowingTotal(t *testing.T) {
	h, mock := newEventHandler(t)

	start := time.Now().UTC().Add(-time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery("FROM events WHERE id = \\? FOR UPDATE").
		WithArgs(uint64(2)).
		WillReturnRows(eventHandlerRows(2, 1000, true, start, start.Add(4*time.Hour)))
	mock.ExpectQuery("SELECT a.utorid FROM event_guests").
		WithArgs(uint64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"utorid"}).AddRow("janedoe2").AddRow("johndoe1"))
	mock.ExpectRollback()

	// amount x guests would wrap negative and slip past the budget guard.
	body := `{"amount":9223372036854775807}`
	c, rec := newRequest(http.MethodPost, "/v1/events/2/transactions", body, "manager1", model.RoleManager, 1)
	withPathID(c, "2")
	require.NoError(t, h.Award(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func eventHandlerRows(id uint64, remain int64, published bool, start, end time.Time) *sqlmock.Rows {
	cols := []string{"id", "name", "description", "location", "start_time", "end_time",
		"capacity", "points_remain", "published", "created_at"}
	return sqlmock.NewRows(cols).AddRow(
		id, "Orientation", "", "BA 1130", start, end, nil, remain, published, time.Now().UTC())
}
