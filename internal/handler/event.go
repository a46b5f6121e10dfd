package handler

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stellarpoints/loyalty-api/internal/model"
	"github.com/stellarpoints/loyalty-api/internal/repository"
)

// EventHandler serves event management, guest and organizer lists, and
// point awards drawn from the event budget. The organizer capability
// is per event and checked here, not in the role middleware.
type EventHandler struct {
	Accounts     *repository.AccountRepo
	Events       *repository.EventRepo
	Transactions *repository.TransactionRepo
}

func NewEventHandler(a *repository.AccountRepo, e *repository.EventRepo, t *repository.TransactionRepo) *EventHandler {
	return &EventHandler{Accounts: a, Events: e, Transactions: t}
}

type eventReq struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Location    *string `json:"location"`
	StartTime   *string `json:"startTime"`
	EndTime     *string `json:"endTime"`
	Capacity    *uint32 `json:"capacity"`
	Points      *int64  `json:"points"`
	Published   *bool   `json:"published"`
}

type attendeeReq struct {
	UTORid string `json:"utorid"`
}

type awardReq struct {
	Amount int64  `json:"amount"`
	UTORid string `json:"utorid"`
	Remark string `json:"remark"`
}

// isOrganizer reports whether the actor may run the event: managers
// always can, others only when listed as an organizer of this event.
func (h *EventHandler) isOrganizer(ctx context.Context, c echo.Context, eventID uint64) (bool, error) {
	if actorRole(c).AtLeast(model.RoleManager) {
		return true, nil
	}
	return h.Events.IsOrganizer(ctx, eventID, actorID(c))
}

// Create adds an event. New events start unpublished with the given
// award budget.
func (h *EventHandler) Create(c echo.Context) error {
	var req eventReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Name == nil || strings.TrimSpace(*req.Name) == "" ||
		req.Location == nil || req.StartTime == nil || req.EndTime == nil || req.Points == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name, location, startTime, endTime and points required"})
	}
	start, err := time.Parse(time.RFC3339, *req.StartTime)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "startTime must be RFC3339"})
	}
	end, err := time.Parse(time.RFC3339, *req.EndTime)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "endTime must be RFC3339"})
	}
	if !end.After(start) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "endTime must be after startTime"})
	}
	if *req.Points < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "points cannot be negative"})
	}
	if req.Capacity != nil && *req.Capacity == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "capacity must be positive or omitted"})
	}

	e := model.Event{
		Name:         strings.TrimSpace(*req.Name),
		Location:     *req.Location,
		StartTime:    start.UTC(),
		EndTime:      end.UTC(),
		Capacity:     req.Capacity,
		PointsRemain: *req.Points,
	}
	if req.Description != nil {
		e.Description = *req.Description
	}
	if err := h.Events.Create(c.Request().Context(), &e); err != nil {
		return respondRepoError(c, err)
	}
	return c.JSON(http.StatusCreated, toEventView(e, 0))
}

// List returns events matching the query filters. Members below
// manager only ever see published events.
func (h *EventHandler) List(c echo.Context) error {
	var f repository.EventFilter
	var err error
	if f.Published, err = queryBool(c, "published"); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid published"})
	}
	if !actorRole(c).AtLeast(model.RoleManager) {
		t := true
		f.Published = &t
	}
	if f.Started, err = queryBool(c, "started"); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid started"})
	}
	if f.Ended, err = queryBool(c, "ended"); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid ended"})
	}
	if f.Page, f.Limit, err = queryPage(c); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	ctx := c.Request().Context()
	items, total, err := h.Events.List(ctx, f, time.Now().UTC())
	if err != nil {
		return respondRepoError(c, err)
	}
	views := make([]eventView, 0, len(items))
	for _, e := range items {
		guests, err := h.Events.GuestCount(ctx, e.ID)
		if err != nil {
			return respondRepoError(c, err)
		}
		views = append(views, toEventView(e, guests))
	}
	return c.JSON(http.StatusOK, pageResp{Count: total, Items: views})
}

// Get returns one event with its guest and organizer lists.
// Unpublished events are only visible to managers and organizers.
func (h *EventHandler) Get(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	ctx := c.Request().Context()
	e, err := h.Events.GetByID(ctx, id)
	if err != nil {
		return respondRepoError(c, err)
	}
	if !e.Published {
		ok, err := h.isOrganizer(ctx, c, id)
		if err != nil {
			return respondRepoError(c, err)
		}
		if !ok {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
		}
	}
	guests, err := h.Events.Guests(ctx, id)
	if err != nil {
		return respondRepoError(c, err)
	}
	organizers, err := h.Events.Organizers(ctx, id)
	if err != nil {
		return respondRepoError(c, err)
	}
	view := toEventView(e, len(guests))
	return c.JSON(http.StatusOK, echo.Map{
		"event":      view,
		"guests":     guests,
		"organizers": organizers,
	})
}

// Update edits an event. Managers may edit anything including the
// budget and the one-way published flag; organizers may edit the
// descriptive fields of their own event while it is unpublished.
func (h *EventHandler) Update(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	var req eventReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	e, err := h.Events.GetByID(ctx, id)
	if err != nil {
		return respondRepoError(c, err)
	}

	manager := actorRole(c).AtLeast(model.RoleManager)
	if !manager {
		ok, err := h.Events.IsOrganizer(ctx, id, actorID(c))
		if err != nil {
			return respondRepoError(c, err)
		}
		if !ok {
			return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
		}
		if e.Published {
			return c.JSON(http.StatusConflict, echo.Map{"error": "published events are managed by managers"})
		}
		if req.Points != nil || req.Published != nil {
			return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
		}
	}

	var u repository.EventUpdate
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "name cannot be empty"})
		}
		name := strings.TrimSpace(*req.Name)
		u.Name = &name
	}
	u.Description = req.Description
	u.Location = req.Location
	if req.StartTime != nil {
		t, err := time.Parse(time.RFC3339, *req.StartTime)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "startTime must be RFC3339"})
		}
		tt := t.UTC()
		u.StartTime = &tt
	}
	if req.EndTime != nil {
		t, err := time.Parse(time.RFC3339, *req.EndTime)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "endTime must be RFC3339"})
		}
		tt := t.UTC()
		u.EndTime = &tt
	}
	if req.Capacity != nil {
		if *req.Capacity == 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "capacity must be positive"})
		}
		cp := req.Capacity
		u.Capacity = &cp
	}
	if err := h.Events.Update(ctx, id, u); err != nil {
		return respondRepoError(c, err)
	}

	// Budget changes and publishing are separate, manager-only writes.
	if req.Points != nil {
		if err := h.Events.AddBudget(ctx, id, *req.Points); err != nil {
			return respondRepoError(c, err)
		}
	}
	if req.Published != nil {
		if !*req.Published {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "events cannot be unpublished"})
		}
		if err := h.Events.Publish(ctx, id); err != nil {
			return respondRepoError(c, err)
		}
	}

	e, err = h.Events.GetByID(ctx, id)
	if err != nil {
		return respondRepoError(c, err)
	}
	guests, err := h.Events.GuestCount(ctx, id)
	if err != nil {
		return respondRepoError(c, err)
	}
	return c.JSON(http.StatusOK, toEventView(e, guests))
}

// Delete removes an unpublished event.
func (h *EventHandler) Delete(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	if err := h.Events.Delete(c.Request().Context(), id); err != nil {
		return respondRepoError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// JoinMe lets the actor join a published event as a guest.
func (h *EventHandler) JoinMe(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	if err := h.Events.AddGuest(c.Request().Context(), id, actorID(c), true); err != nil {
		return respondRepoError(c, err)
	}
	return c.NoContent(http.StatusCreated)
}

// LeaveMe removes the actor from an event's guest list before it starts.
func (h *EventHandler) LeaveMe(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	if err := h.Events.RemoveGuest(c.Request().Context(), id, actorID(c)); err != nil {
		return respondRepoError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// AddGuest adds a member to the guest list on behalf of an organizer
// or manager.
func (h *EventHandler) AddGuest(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	var req attendeeReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.UTORid) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "utorid required"})
	}

	ctx := c.Request().Context()
	ok, err := h.isOrganizer(ctx, c, id)
	if err != nil {
		return respondRepoError(c, err)
	}
	if !ok {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	}
	a, err := h.Accounts.GetByUTORid(ctx, req.UTORid)
	if err != nil {
		return respondRepoError(c, err)
	}
	if err := h.Events.AddGuest(ctx, id, a.ID, false); err != nil {
		return respondRepoError(c, err)
	}
	return c.JSON(http.StatusCreated, repository.Attendee{AccountID: a.ID, UTORid: a.UTORid, Name: a.Name})
}

// RemoveGuest removes a member from the guest list.
func (h *EventHandler) RemoveGuest(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	accountID, err := pathID(c, "accountId")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid account id"})
	}

	ctx := c.Request().Context()
	ok, err := h.isOrganizer(ctx, c, id)
	if err != nil {
		return respondRepoError(c, err)
	}
	if !ok {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	}
	if err := h.Events.RemoveGuest(ctx, id, accountID); err != nil {
		return respondRepoError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// AddOrganizer grants the organizer capability for one event.
func (h *EventHandler) AddOrganizer(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	var req attendeeReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.UTORid) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "utorid required"})
	}
	ctx := c.Request().Context()
	if _, err := h.Events.GetByID(ctx, id); err != nil {
		return respondRepoError(c, err)
	}
	a, err := h.Accounts.GetByUTORid(ctx, req.UTORid)
	if err != nil {
		return respondRepoError(c, err)
	}
	if err := h.Events.AddOrganizer(ctx, id, a.ID); err != nil {
		return respondRepoError(c, err)
	}
	return c.JSON(http.StatusCreated, repository.Attendee{AccountID: a.ID, UTORid: a.UTORid, Name: a.Name})
}

// RemoveOrganizer revokes the organizer capability.
func (h *EventHandler) RemoveOrganizer(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	accountID, err := pathID(c, "accountId")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid account id"})
	}
	if err := h.Events.RemoveOrganizer(c.Request().Context(), id, accountID); err != nil {
		return respondRepoError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Award grants points from the event budget to one guest or to every
// guest. The debit and all ledger rows commit atomically; if the
// budget cannot cover the total, nobody receives anything.
func (h *EventHandler) Award(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	var req awardReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Amount <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "amount must be a positive integer"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	ok, err := h.isOrganizer(ctx, c, id)
	if err != nil {
		return respondRepoError(c, err)
	}
	if !ok {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	}

	tx, err := h.Events.DB().BeginTx(ctx, nil)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "begin tx failed"})
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := h.Events.LockForAwardTx(ctx, tx, id); err != nil {
		return respondRepoError(c, err)
	}

	var recipients []string
	if utorid := strings.ToLower(strings.TrimSpace(req.UTORid)); utorid != "" {
		isGuest, err := h.Events.IsGuestTx(ctx, tx, id, utorid)
		if err != nil {
			return respondRepoError(c, err)
		}
		if !isGuest {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "recipient is not a guest of this event"})
		}
		recipients = []string{utorid}
	} else {
		recipients, err = h.Events.GuestUTORidsTx(ctx, tx, id)
		if err != nil {
			return respondRepoError(c, err)
		}
		if len(recipients) == 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "event has no guests"})
		}
	}

	n := int64(len(recipients))
	if req.Amount > math.MaxInt64/n {
		// An overflowed total would slip past the budget guard as a
		// negative number.
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "amount too large"})
	}
	total := req.Amount * n
	if err := h.Events.DebitBudgetTx(ctx, tx, id, total); err != nil {
		return respondRepoError(c, err)
	}

	creator := actorUTORid(c)
	eventID := id
	recs := make([]repository.TransactionRecord, 0, len(recipients))
	for _, u := range recipients {
		rec := repository.TransactionRecord{
			UTORid:    u,
			Type:      model.TxEvent,
			Amount:    req.Amount,
			RelatedID: &eventID,
			CreatedBy: creator,
			Remark:    req.Remark,
		}
		if err := h.Transactions.CreateTx(ctx, tx, &rec); err != nil {
			return respondRepoError(c, err)
		}
		if err := h.Accounts.AddPointsTx(ctx, tx, u, req.Amount); err != nil {
			return respondRepoError(c, err)
		}
		recs = append(recs, rec)
	}
	if err := tx.Commit(); err != nil {
		return respondRepoError(c, err)
	}
	committed = true

	views := make([]transactionView, 0, len(recs))
	for _, rec := range recs {
		publishLedgerEvent(rec, nil)
		views = append(views, recordToView(rec, nil))
	}
	return c.JSON(http.StatusCreated, pageResp{Count: len(views), Items: views})
}
