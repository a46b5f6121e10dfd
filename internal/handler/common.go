package handler // handler implements the HTTP endpoints of the loyalty API

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"

	"github.com/stellarpoints/loyalty-api/internal/model"
	"github.com/stellarpoints/loyalty-api/internal/queue"
	"github.com/stellarpoints/loyalty-api/internal/repository"
	queue_publisher "github.com/stellarpoints/loyalty-api/internal/service"
)

// utoridPattern matches the normalized account handle: 7 or 8
// lowercase alphanumerics.
var utoridPattern = regexp.MustCompile(`^[a-z0-9]{7,8}$`)

// actorID extracts the authenticated account id from the JWT claims
// stored by the auth middleware. JWT numbers decode as float64.
func actorID(c echo.Context) uint64 {
	switch v := c.Get("account_id").(type) {
	case float64:
		return uint64(v)
	case uint64:
		return v
	case string:
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// actorUTORid extracts the authenticated account's handle.
func actorUTORid(c echo.Context) string {
	if s, ok := c.Get("utorid").(string); ok {
		return s
	}
	return ""
}

// actorRole extracts the authenticated account's role. Unknown or
// missing claims yield an invalid role, which fails every AtLeast check.
func actorRole(c echo.Context) model.Role {
	if s, ok := c.Get("role").(string); ok {
		if r, ok := model.ParseRole(s); ok {
			return r
		}
	}
	return model.Role("")
}

// pathID parses the :id path parameter.
func pathID(c echo.Context, name string) (uint64, error) {
	return strconv.ParseUint(c.Param(name), 10, 64)
}

// queryBool parses an optional true/false query parameter.
func queryBool(c echo.Context, name string) (*bool, error) {
	s := c.QueryParam(name)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// queryPage parses the page/limit pagination parameters. Values are
// clamped by the repositories; here only syntax is checked.
func queryPage(c echo.Context) (int, int, error) {
	page, limit := 1, 10
	if s := c.QueryParam("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return 0, 0, errors.New("invalid page")
		}
		page = n
	}
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = n
	}
	return page, limit, nil
}

// isRetryable reports whether the database rejected the statement
// because of a deadlock or lock wait timeout, both of which are safe
// for the client to retry.
func isRetryable(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1213 || me.Number == 1205
	}
	return false
}

// respondRepoError translates repository sentinels into HTTP responses.
// Business rejections (insufficient balance or budget, bad promotion)
// are 400s: retrying the same request cannot succeed. 409 is reserved
// for state conflicts and lost races, which a client may retry or
// re-read.
func respondRepoError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	case errors.Is(err, repository.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	case errors.Is(err, repository.ErrUTORidExists):
		return c.JSON(http.StatusConflict, echo.Map{"error": "utorid already exists"})
	case errors.Is(err, repository.ErrEmailExists):
		return c.JSON(http.StatusConflict, echo.Map{"error": "email already exists"})
	case errors.Is(err, repository.ErrAlreadyProcessed):
		return c.JSON(http.StatusConflict, echo.Map{"error": "redemption already processed"})
	case errors.Is(err, repository.ErrCapacityExceeded):
		return c.JSON(http.StatusConflict, echo.Map{"error": "event is full"})
	case errors.Is(err, repository.ErrSuspiciousAccount):
		return c.JSON(http.StatusConflict, echo.Map{"error": "account is flagged suspicious"})
	case errors.Is(err, repository.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "conflict"})
	case errors.Is(err, repository.ErrInsufficientBalance):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "insufficient balance"})
	case errors.Is(err, repository.ErrInsufficientEventBudget):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "insufficient event budget"})
	case errors.Is(err, repository.ErrInvalidPromotion):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid promotion"})
	case isRetryable(err):
		return c.JSON(http.StatusConflict, echo.Map{"error": "concurrent update, please retry"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}

// ----- response views -----

type accountView struct {
	ID         uint64     `json:"id"`
	UTORid     string     `json:"utorid"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Birthday   *string    `json:"birthday"`
	AvatarURL  *string    `json:"avatarUrl"`
	Role       string     `json:"role"`
	Points     int64      `json:"points"`
	Verified   bool       `json:"verified"`
	Suspicious bool       `json:"suspicious"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastLogin  *time.Time `json:"lastLogin"`
}

func toAccountView(a model.Account) accountView {
	return accountView{
		ID:         a.ID,
		UTORid:     a.UTORid,
		Name:       a.Name,
		Email:      a.Email,
		Birthday:   a.Birthday,
		AvatarURL:  a.AvatarURL,
		Role:       string(a.Role),
		Points:     a.Points,
		Verified:   a.Verified,
		Suspicious: a.Suspicious,
		CreatedAt:  a.CreatedAt,
		LastLogin:  a.LastLogin,
	}
}

type transactionView struct {
	ID           uint64    `json:"id"`
	UTORid       string    `json:"utorid"`
	Type         string    `json:"type"`
	Amount       int64     `json:"amount"`
	Spent        *float64  `json:"spent,omitempty"`
	Redeemed     *int64    `json:"redeemed,omitempty"`
	RelatedID    *uint64   `json:"relatedId,omitempty"`
	PromotionIDs []uint64  `json:"promotionIds"`
	CreatedBy    string    `json:"createdBy"`
	ProcessedBy  *string   `json:"processedBy,omitempty"`
	Processed    bool      `json:"processed"`
	Suspicious   bool      `json:"suspicious"`
	Remark       string    `json:"remark"`
	CreatedAt    time.Time `json:"createdAt"`
}

func toTransactionView(t model.Transaction) transactionView {
	promos := t.PromotionIDs
	if promos == nil {
		promos = []uint64{}
	}
	return transactionView{
		ID:           t.ID,
		UTORid:       t.UTORid,
		Type:         string(t.Type),
		Amount:       t.Amount,
		Spent:        t.Spent,
		Redeemed:     t.Redeemed,
		RelatedID:    t.RelatedID,
		PromotionIDs: promos,
		CreatedBy:    t.CreatedBy,
		ProcessedBy:  t.ProcessedBy,
		Processed:    t.Processed,
		Suspicious:   t.Suspicious,
		Remark:       t.Remark,
		CreatedAt:    t.CreatedAt,
	}
}

func recordToView(rec repository.TransactionRecord, promotionIDs []uint64) transactionView {
	if promotionIDs == nil {
		promotionIDs = []uint64{}
	}
	return transactionView{
		ID:           rec.ID,
		UTORid:       rec.UTORid,
		Type:         string(rec.Type),
		Amount:       rec.Amount,
		Spent:        rec.Spent,
		Redeemed:     rec.Redeemed,
		RelatedID:    rec.RelatedID,
		PromotionIDs: promotionIDs,
		CreatedBy:    rec.CreatedBy,
		ProcessedBy:  rec.ProcessedBy,
		Processed:    rec.Processed,
		Suspicious:   rec.Suspicious,
		Remark:       rec.Remark,
		CreatedAt:    rec.CreatedAt,
	}
}

type promotionView struct {
	ID          uint64    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Type        string    `json:"type"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	MinSpending *float64  `json:"minSpending"`
	Rate        *float64  `json:"rate"`
	Points      *int64    `json:"points"`
}

func toPromotionView(p model.Promotion) promotionView {
	return promotionView{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Type:        string(p.Type),
		StartTime:   p.StartTime,
		EndTime:     p.EndTime,
		MinSpending: p.MinSpending,
		Rate:        p.Rate,
		Points:      p.Points,
	}
}

type eventView struct {
	ID           uint64    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Location     string    `json:"location"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	Capacity     *uint32   `json:"capacity"`
	PointsRemain int64     `json:"pointsRemain"`
	Published    bool      `json:"published"`
	NumGuests    int       `json:"numGuests"`
}

func toEventView(e model.Event, guests int) eventView {
	return eventView{
		ID:           e.ID,
		Name:         e.Name,
		Description:  e.Description,
		Location:     e.Location,
		StartTime:    e.StartTime,
		EndTime:      e.EndTime,
		Capacity:     e.Capacity,
		PointsRemain: e.PointsRemain,
		Published:    e.Published,
		NumGuests:    guests,
	}
}

// pageResp is the envelope shared by all list endpoints.
type pageResp struct {
	Count int         `json:"count"`
	Items interface{} `json:"items"`
}

// publishLedgerEvent hands a freshly committed ledger row to the
// message broker. Publishing happens after commit and off the request
// path; a broker outage costs audit lines, never ledger writes.
func publishLedgerEvent(rec repository.TransactionRecord, promotionIDs []uint64) {
	ev := queue.TransactionCreatedEvent{
		TransactionID: rec.ID,
		UTORid:        rec.UTORid,
		Type:          string(rec.Type),
		Amount:        rec.Amount,
		Spent:         rec.Spent,
		Redeemed:      rec.Redeemed,
		RelatedID:     rec.RelatedID,
		PromotionIDs:  promotionIDs,
		CreatedBy:     rec.CreatedBy,
		Suspicious:    rec.Suspicious,
		Remark:        rec.Remark,
		CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = queue_publisher.PublishTransactionCreated(ctx, ev)
	}()
}
