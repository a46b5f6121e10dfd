package handler

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stellarpoints/loyalty-api/internal/config"
	"github.com/stellarpoints/loyalty-api/internal/model"
	"github.com/stellarpoints/loyalty-api/internal/repository"
)

// TransactionHandler serves the points ledger: purchases and
// adjustments recorded by staff, transfers and redemptions created by
// members, and the processed/suspicious lifecycle flags. Every write
// runs in a single database transaction with the touched account rows
// locked, and publishes an audit event only after commit.
type TransactionHandler struct {
	Cfg          config.Config
	Accounts     *repository.AccountRepo
	Transactions *repository.TransactionRepo
	Promotions   *repository.PromotionRepo
}

func NewTransactionHandler(cfg config.Config, a *repository.AccountRepo, t *repository.TransactionRepo, p *repository.PromotionRepo) *TransactionHandler {
	return &TransactionHandler{Cfg: cfg, Accounts: a, Transactions: t, Promotions: p}
}

type createTxReq struct {
	UTORid       string   `json:"utorid"`
	Type         string   `json:"type"`
	Spent        *float64 `json:"spent"`
	Amount       *int64   `json:"amount"`
	RelatedID    *uint64  `json:"relatedId"`
	PromotionIDs []uint64 `json:"promotionIds"`
	Remark       string   `json:"remark"`
}

type createOwnTxReq struct {
	Type      string `json:"type"`
	Amount    int64  `json:"amount"`
	Recipient string `json:"recipient"`
	Remark    string `json:"remark"`
}

type processedReq struct {
	Processed *bool `json:"processed"`
}

type suspiciousReq struct {
	Suspicious *bool `json:"suspicious"`
}

// Create records a purchase or an adjustment on another member's
// account. The route is gated at cashier; adjustments additionally
// require manager inside the handler because both types share the
// endpoint.
func (h *TransactionHandler) Create(c echo.Context) error {
	var req createTxReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.UTORid = strings.ToLower(strings.TrimSpace(req.UTORid))
	if req.UTORid == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "utorid required"})
	}
	switch req.Type {
	case string(model.TxPurchase):
		return h.createPurchase(c, req)
	case string(model.TxAdjustment):
		if !actorRole(c).AtLeast(model.RoleManager) {
			return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
		}
		return h.createAdjustment(c, req)
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "type must be purchase or adjustment"})
	}
}

func (h *TransactionHandler) createPurchase(c echo.Context, req createTxReq) error {
	if req.Spent == nil || *req.Spent <= 0 || math.IsNaN(*req.Spent) || math.IsInf(*req.Spent, 0) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "spent must be a positive amount"})
	}
	spent := *req.Spent
	now := time.Now().UTC()
	cashier := actorUTORid(c)

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	// Purchases recorded by a suspicious cashier are themselves
	// suspicious until a manager reviews them.
	creator, err := h.Accounts.GetByUTORid(ctx, cashier)
	if err != nil {
		return respondRepoError(c, err)
	}

	tx, err := h.Transactions.DB().BeginTx(ctx, nil)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "begin tx failed"})
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, _, _, err := h.Accounts.BalanceForUpdateTx(ctx, tx, req.UTORid); err != nil {
		return respondRepoError(c, err)
	}

	amount := model.BasePoints(h.Cfg.PointsPerDollar, spent)
	applied := make([]uint64, 0, len(req.PromotionIDs)+2)

	automatic, err := h.Promotions.ActiveAutomaticTx(ctx, tx, now)
	if err != nil {
		return respondRepoError(c, err)
	}
	for i := range automatic {
		if automatic[i].Qualifies(spent) {
			amount += automatic[i].Bonus(spent)
			applied = append(applied, automatic[i].ID)
		}
	}

	seen := make(map[uint64]bool, len(req.PromotionIDs))
	for _, pid := range req.PromotionIDs {
		if seen[pid] {
			return respondRepoError(c, repository.ErrInvalidPromotion)
		}
		seen[pid] = true
		p, err := h.Promotions.ValidateOneTimeTx(ctx, tx, pid, req.UTORid, spent, now)
		if err != nil {
			return respondRepoError(c, err)
		}
		amount += p.Bonus(spent)
		applied = append(applied, pid)
	}

	rec := repository.TransactionRecord{
		UTORid:     req.UTORid,
		Type:       model.TxPurchase,
		Amount:     amount,
		Spent:      &spent,
		CreatedBy:  creator.UTORid,
		Suspicious: creator.Suspicious,
		Remark:     req.Remark,
	}
	if err := h.Transactions.CreateTx(ctx, tx, &rec); err != nil {
		return respondRepoError(c, err)
	}
	if err := h.Transactions.LinkPromotionsTx(ctx, tx, rec.ID, req.UTORid, applied); err != nil {
		return respondRepoError(c, err)
	}
	if !rec.Suspicious {
		if err := h.Accounts.AddPointsTx(ctx, tx, req.UTORid, amount); err != nil {
			return respondRepoError(c, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return respondRepoError(c, err)
	}
	committed = true

	publishLedgerEvent(rec, applied)
	return c.JSON(http.StatusCreated, recordToView(rec, applied))
}

func (h *TransactionHandler) createAdjustment(c echo.Context, req createTxReq) error {
	if req.Amount == nil || *req.Amount == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "amount must be a non-zero integer"})
	}
	if req.RelatedID == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "relatedId required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	tx, err := h.Transactions.DB().BeginTx(ctx, nil)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "begin tx failed"})
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, _, _, err := h.Accounts.BalanceForUpdateTx(ctx, tx, req.UTORid); err != nil {
		return respondRepoError(c, err)
	}
	// Adjustments must point at a transaction of the same owner.
	if _, err := h.Transactions.GetForOwnerTx(ctx, tx, *req.RelatedID, req.UTORid); err != nil {
		if errors.Is(err, repository.ErrForbidden) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "related transaction belongs to a different account"})
		}
		return respondRepoError(c, err)
	}

	rec := repository.TransactionRecord{
		UTORid:    req.UTORid,
		Type:      model.TxAdjustment,
		Amount:    *req.Amount,
		RelatedID: req.RelatedID,
		CreatedBy: actorUTORid(c),
		Remark:    req.Remark,
	}
	if err := h.Transactions.CreateTx(ctx, tx, &rec); err != nil {
		return respondRepoError(c, err)
	}
	// Adjustments apply unconditionally and may drive a balance negative.
	if err := h.Accounts.AddPointsTx(ctx, tx, req.UTORid, *req.Amount); err != nil {
		return respondRepoError(c, err)
	}
	if err := tx.Commit(); err != nil {
		return respondRepoError(c, err)
	}
	committed = true

	publishLedgerEvent(rec, nil)
	return c.JSON(http.StatusCreated, recordToView(rec, nil))
}

// CreateOwn records a transfer or a redemption request on the actor's
// own account.
func (h *TransactionHandler) CreateOwn(c echo.Context) error {
	var req createOwnTxReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Amount <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "amount must be a positive integer"})
	}
	switch req.Type {
	case string(model.TxTransfer):
		return h.createTransfer(c, req)
	case string(model.TxRedemption):
		return h.createRedemption(c, req)
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "type must be transfer or redemption"})
	}
}

func (h *TransactionHandler) createTransfer(c echo.Context, req createOwnTxReq) error {
	sender := actorUTORid(c)
	recipient := strings.ToLower(strings.TrimSpace(req.Recipient))
	if recipient == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "recipient required"})
	}
	if recipient == sender {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "cannot transfer to yourself"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	tx, err := h.Transactions.DB().BeginTx(ctx, nil)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "begin tx failed"})
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// Lock both accounts in a fixed order so two opposing transfers
	// cannot deadlock on each other.
	first, second := sender, recipient
	if second < first {
		first, second = second, first
	}
	var senderPoints int64
	for _, u := range []string{first, second} {
		_, points, _, err := h.Accounts.BalanceForUpdateTx(ctx, tx, u)
		if err != nil {
			return respondRepoError(c, err)
		}
		if u == sender {
			senderPoints = points
		}
	}

	pending, err := h.Accounts.PendingRedeemedTx(ctx, tx, sender)
	if err != nil {
		return respondRepoError(c, err)
	}
	if senderPoints-pending < req.Amount {
		return respondRepoError(c, repository.ErrInsufficientBalance)
	}

	out := repository.TransactionRecord{
		UTORid:    sender,
		Type:      model.TxTransfer,
		Amount:    -req.Amount,
		CreatedBy: sender,
		Remark:    req.Remark,
	}
	if err := h.Transactions.CreateTx(ctx, tx, &out); err != nil {
		return respondRepoError(c, err)
	}
	in := repository.TransactionRecord{
		UTORid:    recipient,
		Type:      model.TxTransfer,
		Amount:    req.Amount,
		RelatedID: &out.ID,
		CreatedBy: sender,
		Remark:    req.Remark,
	}
	if err := h.Transactions.CreateTx(ctx, tx, &in); err != nil {
		return respondRepoError(c, err)
	}
	if err := h.Transactions.SetRelatedTx(ctx, tx, out.ID, in.ID); err != nil {
		return respondRepoError(c, err)
	}
	out.RelatedID = &in.ID

	if err := h.Accounts.AddPointsTx(ctx, tx, sender, -req.Amount); err != nil {
		return respondRepoError(c, err)
	}
	if err := h.Accounts.AddPointsTx(ctx, tx, recipient, req.Amount); err != nil {
		return respondRepoError(c, err)
	}
	if err := tx.Commit(); err != nil {
		return respondRepoError(c, err)
	}
	committed = true

	publishLedgerEvent(out, nil)
	publishLedgerEvent(in, nil)
	return c.JSON(http.StatusCreated, recordToView(out, nil))
}

func (h *TransactionHandler) createRedemption(c echo.Context, req createOwnTxReq) error {
	owner := actorUTORid(c)

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	tx, err := h.Transactions.DB().BeginTx(ctx, nil)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "begin tx failed"})
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	_, points, _, err := h.Accounts.BalanceForUpdateTx(ctx, tx, owner)
	if err != nil {
		return respondRepoError(c, err)
	}
	pending, err := h.Accounts.PendingRedeemedTx(ctx, tx, owner)
	if err != nil {
		return respondRepoError(c, err)
	}
	if points-pending < req.Amount {
		return respondRepoError(c, repository.ErrInsufficientBalance)
	}

	redeemed := req.Amount
	rec := repository.TransactionRecord{
		UTORid:    owner,
		Type:      model.TxRedemption,
		Amount:    -req.Amount,
		Redeemed:  &redeemed,
		CreatedBy: owner,
		Remark:    req.Remark,
	}
	// The deduction is carried on the row from creation but does not
	// touch the balance until a cashier processes the redemption; the
	// pending row reserves the points instead.
	if err := h.Transactions.CreateTx(ctx, tx, &rec); err != nil {
		return respondRepoError(c, err)
	}
	if err := tx.Commit(); err != nil {
		return respondRepoError(c, err)
	}
	committed = true

	publishLedgerEvent(rec, nil)
	return c.JSON(http.StatusCreated, recordToView(rec, nil))
}

// MarkProcessed completes a redemption exactly once and applies its
// deduction.
func (h *TransactionHandler) MarkProcessed(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	var req processedReq
	if err := c.Bind(&req); err != nil || req.Processed == nil || !*req.Processed {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "processed must be true"})
	}
	cashier := actorUTORid(c)

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	tx, err := h.Transactions.DB().BeginTx(ctx, nil)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "begin tx failed"})
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rec, err := h.Transactions.MarkProcessedTx(ctx, tx, id, cashier)
	if err != nil {
		return respondRepoError(c, err)
	}
	// Suspicious rows stay out of the balance; the recomputation picks
	// the deduction up if the flag is ever cleared.
	if !rec.Suspicious {
		if err := h.Accounts.AddPointsTx(ctx, tx, rec.UTORid, rec.Amount); err != nil {
			return respondRepoError(c, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return respondRepoError(c, err)
	}
	committed = true

	rec.Processed = true
	rec.ProcessedBy = &cashier
	return c.JSON(http.StatusOK, recordToView(rec, nil))
}

// SetSuspicious flips the suspicious flag on one ledger row and
// recomputes the owner's balance when the flag actually changed.
func (h *TransactionHandler) SetSuspicious(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	var req suspiciousReq
	if err := c.Bind(&req); err != nil || req.Suspicious == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "suspicious required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	tx, err := h.Transactions.DB().BeginTx(ctx, nil)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "begin tx failed"})
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rec, changed, err := h.Transactions.SetSuspiciousTx(ctx, tx, id, *req.Suspicious)
	if err != nil {
		return respondRepoError(c, err)
	}
	if changed {
		if err := h.Accounts.RecomputeBalanceTx(ctx, tx, rec.UTORid); err != nil {
			return respondRepoError(c, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return respondRepoError(c, err)
	}
	committed = true

	return c.JSON(http.StatusOK, recordToView(rec, nil))
}

// bindTxFilter parses the shared ledger query parameters.
func bindTxFilter(c echo.Context) (repository.TransactionFilter, error) {
	var f repository.TransactionFilter
	if s := c.QueryParam("type"); s != "" {
		t, ok := model.ParseTransactionType(s)
		if !ok {
			return f, errors.New("unknown type")
		}
		f.Type = t
	}
	f.CreatedBy = strings.TrimSpace(c.QueryParam("createdBy"))
	var err error
	if f.Suspicious, err = queryBool(c, "suspicious"); err != nil {
		return f, errors.New("invalid suspicious")
	}
	if f.Processed, err = queryBool(c, "processed"); err != nil {
		return f, errors.New("invalid processed")
	}
	if s := c.QueryParam("relatedId"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return f, errors.New("invalid relatedId")
		}
		f.RelatedID = &n
	}
	if s := c.QueryParam("promotionId"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return f, errors.New("invalid promotionId")
		}
		f.PromotionID = &n
	}
	if s := c.QueryParam("amount"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return f, errors.New("invalid amount")
		}
		op := c.QueryParam("operator")
		if op != "gte" && op != "lte" {
			return f, errors.New("operator must be gte or lte when amount is set")
		}
		f.Amount = &n
		f.AmountOp = op
	}
	if f.Page, f.Limit, err = queryPage(c); err != nil {
		return f, err
	}
	return f, nil
}

// List returns ledger rows across all accounts.
func (h *TransactionHandler) List(c echo.Context) error {
	f, err := bindTxFilter(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	f.UTORid = strings.TrimSpace(c.QueryParam("utorid"))
	return h.list(c, f)
}

// ListOwn returns the actor's own ledger rows.
func (h *TransactionHandler) ListOwn(c echo.Context) error {
	f, err := bindTxFilter(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	f.UTORid = actorUTORid(c)
	return h.list(c, f)
}

func (h *TransactionHandler) list(c echo.Context, f repository.TransactionFilter) error {
	items, total, err := h.Transactions.List(c.Request().Context(), f)
	if err != nil {
		return respondRepoError(c, err)
	}
	views := make([]transactionView, 0, len(items))
	for _, t := range items {
		views = append(views, toTransactionView(t))
	}
	return c.JSON(http.StatusOK, pageResp{Count: total, Items: views})
}

// Get returns one ledger row by id.
func (h *TransactionHandler) Get(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	t, err := h.Transactions.GetByID(c.Request().Context(), id)
	if err != nil {
		return respondRepoError(c, err)
	}
	return c.JSON(http.StatusOK, toTransactionView(t))
}
