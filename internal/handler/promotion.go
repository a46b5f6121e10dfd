package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stellarpoints/loyalty-api/internal/model"
	"github.com/stellarpoints/loyalty-api/internal/repository"
)

// PromotionHandler serves promotion management and the member-visible
// promotion listing.
type PromotionHandler struct {
	Promotions *repository.PromotionRepo
}

func NewPromotionHandler(p *repository.PromotionRepo) *PromotionHandler {
	return &PromotionHandler{Promotions: p}
}

type promotionReq struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Type        *string  `json:"type"`
	StartTime   *string  `json:"startTime"`
	EndTime     *string  `json:"endTime"`
	MinSpending *float64 `json:"minSpending"`
	Rate        *float64 `json:"rate"`
	Points      *int64   `json:"points"`
}

// overlay applies the request fields onto p, validating each one.
func (req *promotionReq) overlay(p *model.Promotion) (string, bool) {
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return "name cannot be empty", false
		}
		p.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.Type != nil {
		t, ok := model.ParsePromotionType(*req.Type)
		if !ok {
			return "type must be automatic or onetime", false
		}
		p.Type = t
	}
	if req.StartTime != nil {
		t, err := time.Parse(time.RFC3339, *req.StartTime)
		if err != nil {
			return "startTime must be RFC3339", false
		}
		p.StartTime = t.UTC()
	}
	if req.EndTime != nil {
		t, err := time.Parse(time.RFC3339, *req.EndTime)
		if err != nil {
			return "endTime must be RFC3339", false
		}
		p.EndTime = t.UTC()
	}
	if req.MinSpending != nil {
		if *req.MinSpending <= 0 {
			return "minSpending must be positive", false
		}
		p.MinSpending = req.MinSpending
	}
	if req.Rate != nil {
		if *req.Rate <= 0 {
			return "rate must be positive", false
		}
		p.Rate = req.Rate
	}
	if req.Points != nil {
		if *req.Points < 0 {
			return "points cannot be negative", false
		}
		p.Points = req.Points
	}
	if !p.EndTime.After(p.StartTime) {
		return "endTime must be after startTime", false
	}
	return "", true
}

// Create adds a promotion. The window must end in the future.
func (h *PromotionHandler) Create(c echo.Context) error {
	var req promotionReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Name == nil || req.Type == nil || req.StartTime == nil || req.EndTime == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name, type, startTime and endTime required"})
	}
	var p model.Promotion
	if msg, ok := req.overlay(&p); !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
	}
	if !p.EndTime.After(time.Now().UTC()) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "endTime must be in the future"})
	}
	if p.Rate == nil && p.Points == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "rate or points required"})
	}
	if err := h.Promotions.Create(c.Request().Context(), &p); err != nil {
		return respondRepoError(c, err)
	}
	return c.JSON(http.StatusCreated, toPromotionView(p))
}

// List returns promotions matching the query filters.
func (h *PromotionHandler) List(c echo.Context) error {
	var f repository.PromotionFilter
	if s := c.QueryParam("type"); s != "" {
		t, ok := model.ParsePromotionType(s)
		if !ok {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "type must be automatic or onetime"})
		}
		f.Type = t
	}
	var err error
	if f.Started, err = queryBool(c, "started"); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid started"})
	}
	if f.Ended, err = queryBool(c, "ended"); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid ended"})
	}
	if f.Page, f.Limit, err = queryPage(c); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	items, total, err := h.Promotions.List(c.Request().Context(), f, time.Now().UTC())
	if err != nil {
		return respondRepoError(c, err)
	}
	views := make([]promotionView, 0, len(items))
	for _, p := range items {
		views = append(views, toPromotionView(p))
	}
	return c.JSON(http.StatusOK, pageResp{Count: total, Items: views})
}

// Get returns one promotion by id.
func (h *PromotionHandler) Get(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	p, err := h.Promotions.GetByID(c.Request().Context(), id)
	if err != nil {
		return respondRepoError(c, err)
	}
	return c.JSON(http.StatusOK, toPromotionView(p))
}

// Update edits a promotion that has not started yet.
func (h *PromotionHandler) Update(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	var req promotionReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	p, err := h.Promotions.GetByID(c.Request().Context(), id)
	if err != nil {
		return respondRepoError(c, err)
	}
	if msg, ok := req.overlay(&p); !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
	}
	if err := h.Promotions.Update(c.Request().Context(), &p, time.Now().UTC()); err != nil {
		return respondRepoError(c, err)
	}
	return c.JSON(http.StatusOK, toPromotionView(p))
}

// Delete removes a promotion that has not started yet.
func (h *PromotionHandler) Delete(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	if err := h.Promotions.Delete(c.Request().Context(), id, time.Now().UTC()); err != nil {
		return respondRepoError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
