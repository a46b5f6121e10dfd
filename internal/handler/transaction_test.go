package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarpoints/loyalty-api/internal/config"
	"github.com/stellarpoints/loyalty-api/internal/model"
	"github.com/stellarpoints/loyalty-api/internal/repository"
)

func newTxHandler(t *testing.T) (*TransactionHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cfg := config.Config{PointsPerDollar: 1}
	return NewTransactionHandler(cfg,
		repository.NewAccountRepo(db),
		repository.NewTransactionRepo(db),
		repository.NewPromotionRepo(db)), mock
}

// newRequest builds an echo context carrying the given actor claims,
// mirroring what the auth middleware stores.
func newRequest(method, target, body, utorid string, role model.Role, accountID float64) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("utorid", utorid)
	c.Set("role", string(role))
	c.Set("account_id", accountID)
	return c, rec
}

func accountRow(id uint64, utorid string, role model.Role, points int64, suspicious bool) *sqlmock.Rows {
	cols := []string{"id", "utorid", "email", "name", "birthday", "avatar_url", "role",
		"points", "verified", "suspicious", "password_hash", "created_at", "last_login"}
	return sqlmock.NewRows(cols).AddRow(
		id, utorid, utorid+"@mail.utoronto.ca", "Someone", nil, nil, string(role),
		points, true, suspicious, "x", time.Now().UTC(), nil)
}

func promotionCols() []string {
	return []string{"id", "name", "description", "type", "start_time", "end_time",
		"min_spending", "rate", "points"}
}

func TestCreatePurchase(t *testing.T) {
	h, mock := newTxHandler(t)

	mock.ExpectQuery("FROM accounts WHERE utorid=\\? LIMIT 1").
		WithArgs("cashier1").
		WillReturnRows(accountRow(1, "cashier1", model.RoleCashier, 0, false))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, points, suspicious FROM accounts WHERE utorid = ? FOR UPDATE")).
		WithArgs("johndoe1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "points", "suspicious"}).AddRow(2, 40, false))
	mock.ExpectQuery("type = 'automatic'").
		WillReturnRows(sqlmock.NewRows(promotionCols()))
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(12, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT created_at FROM transactions WHERE id = ?")).
		WithArgs(12).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now().UTC()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET points = points + ?")).
		WithArgs(int64(19), "johndoe1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	body := `{"utorid":"johndoe1","type":"purchase","spent":19.99}`
	c, rec := newRequest(http.MethodPost, "/v1/transactions", body, "cashier1", model.RoleCashier, 1)
	require.NoError(t, h.Create(c))

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp transactionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(19), resp.Amount) // floor(1 * 19.99)
	assert.Equal(t, "purchase", resp.Type)
	assert.Equal(t, "cashier1", resp.CreatedBy)
	assert.False(t, resp.Suspicious)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePurchaseWithAutomaticPromotion(t *testing.T) {
	h, mock := newTxHandler(t)

	now := time.Now().UTC()
	mock.ExpectQuery("FROM accounts WHERE utorid=\\? LIMIT 1").
		WithArgs("cashier1").
		WillReturnRows(accountRow(1, "cashier1", model.RoleCashier, 0, false))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("johndoe1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "points", "suspicious"}).AddRow(2, 40, false))
	// Rate 0.5 with $10 minimum: qualifies on a $20 purchase.
	mock.ExpectQuery("type = 'automatic'").
		WillReturnRows(sqlmock.NewRows(promotionCols()).
			AddRow(5, "Spring bonus", "", "automatic", now.Add(-time.Hour), now.Add(time.Hour), 10.0, 0.5, nil))
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(13, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT created_at FROM transactions WHERE id = ?")).
		WithArgs(13).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectExec("INSERT INTO transaction_promotions").
		WithArgs(13, 5, "johndoe1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET points = points + ?")).
		WithArgs(int64(30), "johndoe1"). // floor(1*20) + floor(0.5*20)
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	body := `{"utorid":"johndoe1","type":"purchase","spent":20.00}`
	c, rec := newRequest(http.MethodPost, "/v1/transactions", body, "cashier1", model.RoleCashier, 1)
	require.NoError(t, h.Create(c))

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp transactionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(30), resp.Amount)
	assert.Equal(t, []uint64{5}, resp.PromotionIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePurchaseBySuspiciousCashier(t *testing.T) {
	h, mock := newTxHandler(t)

	mock.ExpectQuery("FROM accounts WHERE utorid=\\? LIMIT 1").
		WithArgs("cashier1").
		WillReturnRows(accountRow(1, "cashier1", model.RoleCashier, 0, true))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("johndoe1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "points", "suspicious"}).AddRow(2, 40, false))
	mock.ExpectQuery("type = 'automatic'").
		WillReturnRows(sqlmock.NewRows(promotionCols()))
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(14, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT created_at FROM transactions WHERE id = ?")).
		WithArgs(14).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now().UTC()))
	// No balance update: the row is suspicious until a manager clears it.
	mock.ExpectCommit()

	body := `{"utorid":"johndoe1","type":"purchase","spent":20.00}`
	c, rec := newRequest(http.MethodPost, "/v1/transactions", body, "cashier1", model.RoleCashier, 1)
	require.NoError(t, h.Create(c))

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp transactionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Suspicious)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePurchaseRejectsBadSpent(t *testing.T) {
	h, _ := newTxHandler(t)
	for _, body := range []string{
		`{"utorid":"johndoe1","type":"purchase","spent":0}`,
		`{"utorid":"johndoe1","type":"purchase","spent":-5}`,
		`{"utorid":"johndoe1","type":"purchase"}`,
	} {
		c, rec := newRequest(http.MethodPost, "/v1/transactions", body, "cashier1", model.RoleCashier, 1)
		require.NoError(t, h.Create(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestCreateAdjustmentRequiresManager(t *testing.T) {
	h, _ := newTxHandler(t)
	body := `{"utorid":"johndoe1","type":"adjustment","amount":-10,"relatedId":5}`
	c, rec := newRequest(http.MethodPost, "/v1/transactions", body, "cashier1", model.RoleCashier, 1)
	require.NoError(t, h.Create(c))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateRedemptionInsufficientBalance(t *testing.T) {
	h, mock := newTxHandler(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("johndoe1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "points", "suspicious"}).AddRow(2, 50, false))
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(redeemed\\), 0\\)").
		WithArgs("johndoe1").
		WillReturnRows(sqlmock.NewRows([]string{"reserved"}).AddRow(0))
	mock.ExpectRollback()

	body := `{"type":"redemption","amount":100}`
	c, rec := newRequest(http.MethodPost, "/v1/me/transactions", body, "johndoe1", model.RoleRegular, 2)
	require.NoError(t, h.CreateOwn(c))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient balance")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRedemptionReservesPendingPoints(t *testing.T) {
	h, mock := newTxHandler(t)

	// Balance 100 with 80 already reserved by a pending redemption:
	// only 20 are available, so redeeming 50 must fail.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("johndoe1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "points", "suspicious"}).AddRow(2, 100, false))
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(redeemed\\), 0\\)").
		WithArgs("johndoe1").
		WillReturnRows(sqlmock.NewRows([]string{"reserved"}).AddRow(80))
	mock.ExpectRollback()

	body := `{"type":"redemption","amount":50}`
	c, rec := newRequest(http.MethodPost, "/v1/me/transactions", body, "johndoe1", model.RoleRegular, 2)
	require.NoError(t, h.CreateOwn(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransferInsufficientBalanceRollsBack(t *testing.T) {
	h, mock := newTxHandler(t)

	mock.ExpectBegin()
	// Accounts lock in handle order: janedoe2 before johndoe1.
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("janedoe2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "points", "suspicious"}).AddRow(3, 500, false))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("johndoe1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "points", "suspicious"}).AddRow(2, 10, false))
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(redeemed\\), 0\\)").
		WithArgs("johndoe1").
		WillReturnRows(sqlmock.NewRows([]string{"reserved"}).AddRow(0))
	mock.ExpectRollback()

	body := `{"type":"transfer","amount":100,"recipient":"janedoe2"}`
	c, rec := newRequest(http.MethodPost, "/v1/me/transactions", body, "johndoe1", model.RoleRegular, 2)
	require.NoError(t, h.CreateOwn(c))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient balance")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransferLinksPairAndMovesPoints(t *testing.T) {
	h, mock := newTxHandler(t)

	now := time.Now().UTC()
	mock.ExpectBegin()
	// Accounts lock in handle order: janedoe2 before johndoe1.
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("janedoe2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "points", "suspicious"}).AddRow(3, 500, false))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("johndoe1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "points", "suspicious"}).AddRow(2, 300, false))
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(redeemed\\), 0\\)").
		WithArgs("johndoe1").
		WillReturnRows(sqlmock.NewRows([]string{"reserved"}).AddRow(0))
	// Outgoing row first, then the incoming row pointing back at it.
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(21, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT created_at FROM transactions WHERE id = ?")).
		WithArgs(21).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectExec("INSERT INTO transactions").
		WillReturnResult(sqlmock.NewResult(22, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT created_at FROM transactions WHERE id = ?")).
		WithArgs(22).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE transactions SET related_id = ? WHERE id = ?")).
		WithArgs(uint64(22), uint64(21)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET points = points + ?")).
		WithArgs(int64(-100), "johndoe1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET points = points + ?")).
		WithArgs(int64(100), "janedoe2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	body := `{"type":"transfer","amount":100,"recipient":"janedoe2"}`
	c, rec := newRequest(http.MethodPost, "/v1/me/transactions", body, "johndoe1", model.RoleRegular, 2)
	require.NoError(t, h.CreateOwn(c))

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp transactionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "johndoe1", resp.UTORid)
	assert.Equal(t, "transfer", resp.Type)
	assert.Equal(t, int64(-100), resp.Amount)
	require.NotNil(t, resp.RelatedID)
	assert.Equal(t, uint64(22), *resp.RelatedID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTransferToSelf(t *testing.T) {
	h, _ := newTxHandler(t)
	body := `{"type":"transfer","amount":10,"recipient":"johndoe1"}`
	c, rec := newRequest(http.MethodPost, "/v1/me/transactions", body, "johndoe1", model.RoleRegular, 2)
	require.NoError(t, h.CreateOwn(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkProcessedAppliesDeduction(t *testing.T) {
	h, mock := newTxHandler(t)

	redeemed := int64(1000)
	cols := []string{"id", "utorid", "type", "amount", "spent", "redeemed", "related_id",
		"created_by", "processed_by", "processed", "suspicious", "remark", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM transactions WHERE id = \\? FOR UPDATE").
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			3, "johndoe1", "redemption", -1000, nil, redeemed, nil,
			"johndoe1", nil, false, false, "", time.Now().UTC()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE transactions SET processed = 1, processed_by = ?")).
		WithArgs("cashier1", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET points = points + ?")).
		WithArgs(int64(-1000), "johndoe1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c, rec := newRequest(http.MethodPatch, "/v1/transactions/3/processed",
		`{"processed":true}`, "cashier1", model.RoleCashier, 1)
	c.SetParamNames("id")
	c.SetParamValues("3")
	require.NoError(t, h.MarkProcessed(c))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp transactionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Processed)
	require.NotNil(t, resp.ProcessedBy)
	assert.Equal(t, "cashier1", *resp.ProcessedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetSuspiciousTransactionRecomputesBalance(t *testing.T) {
	h, mock := newTxHandler(t)

	cols := []string{"id", "utorid", "type", "amount", "spent", "redeemed", "related_id",
		"created_by", "processed_by", "processed", "suspicious", "remark", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM transactions WHERE id = \\? FOR UPDATE").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			7, "johndoe1", "purchase", 80, 80.0, nil, nil,
			"cashier1", nil, false, false, "", time.Now().UTC()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE transactions SET suspicious = ? WHERE id = ?")).
		WithArgs(true, uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE accounts a SET a.points = IF\\(a.suspicious, 0,").
		WithArgs("johndoe1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c, rec := newRequest(http.MethodPatch, "/v1/transactions/7/suspicious",
		`{"suspicious":true}`, "manager1", model.RoleManager, 1)
	c.SetParamNames("id")
	c.SetParamValues("7")
	require.NoError(t, h.SetSuspicious(c))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp transactionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Suspicious)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessedTwiceConflicts(t *testing.T) {
	h, mock := newTxHandler(t)

	redeemed := int64(1000)
	cols := []string{"id", "utorid", "type", "amount", "spent", "redeemed", "related_id",
		"created_by", "processed_by", "processed", "suspicious", "remark", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM transactions WHERE id = \\? FOR UPDATE").
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			3, "johndoe1", "redemption", -1000, nil, redeemed, nil,
			"johndoe1", "cashier9", true, false, "", time.Now().UTC()))
	mock.ExpectRollback()

	c, rec := newRequest(http.MethodPatch, "/v1/transactions/3/processed",
		`{"processed":true}`, "cashier1", model.RoleCashier, 1)
	c.SetParamNames("id")
	c.SetParamValues("3")
	require.NoError(t, h.MarkProcessed(c))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
