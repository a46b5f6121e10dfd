package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stellarpoints/loyalty-api/internal/config"
	"github.com/stellarpoints/loyalty-api/internal/model"
	"github.com/stellarpoints/loyalty-api/internal/repository"
	"github.com/stellarpoints/loyalty-api/internal/utils"
)

// AccountHandler serves account management and the self-service
// profile endpoints.
type AccountHandler struct {
	Cfg      config.Config
	Accounts *repository.AccountRepo
	Tokens   *repository.TokenRepo
}

func NewAccountHandler(cfg config.Config, a *repository.AccountRepo, t *repository.TokenRepo) *AccountHandler {
	return &AccountHandler{Cfg: cfg, Accounts: a, Tokens: t}
}

type createAccountReq struct {
	UTORid string `json:"utorid"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"` // optional, defaults to REGULAR
}

type patchAccountReq struct {
	Verified   *bool   `json:"verified"`
	Suspicious *bool   `json:"suspicious"`
	Role       *string `json:"role"`
}

type updateMeReq struct {
	Email     *string `json:"email"`
	Name      *string `json:"name"`
	Birthday  *string `json:"birthday"`
	AvatarURL *string `json:"avatarUrl"`
}

// Create registers an account on behalf of a member at the counter.
// The account has no password; the response carries a one-time reset
// token the member exchanges for a password of their own. Cashiers may
// only create REGULAR accounts; elevated roles follow the same gate as
// role changes.
func (h *AccountHandler) Create(c echo.Context) error {
	var req createAccountReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.UTORid = strings.ToLower(strings.TrimSpace(req.UTORid))
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Name = strings.TrimSpace(req.Name)
	if !utoridPattern.MatchString(req.UTORid) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "utorid must be 7-8 alphanumeric characters"})
	}
	if req.Name == "" || !strings.Contains(req.Email, "@") {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name and valid email required"})
	}

	role := model.RoleRegular
	if strings.TrimSpace(req.Role) != "" {
		r, ok := model.ParseRole(req.Role)
		if !ok {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown role"})
		}
		role = r
	}
	actor := actorRole(c)
	if role != model.RoleRegular && !actor.AtLeast(model.RoleManager) {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	}
	if role.AtLeast(model.RoleManager) && actor != model.RoleSuperuser {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	uid, err := h.Accounts.Create(ctx, req.UTORid, req.Name, req.Email, "", role)
	if err != nil {
		return respondRepoError(c, err)
	}

	reset := utils.NewResetToken(h.Cfg.ResetTTLHours)
	if err := h.Tokens.StoreReset(ctx, uid, utils.HashTokenRaw(reset.Raw), reset.Exp); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "issue reset token failed"})
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"id":         uid,
		"utorid":     req.UTORid,
		"name":       req.Name,
		"email":      req.Email,
		"role":       string(role),
		"resetToken": tokenPart{Token: reset.Raw, Expires: reset.Exp},
	})
}

// List returns accounts matching the query filters.
func (h *AccountHandler) List(c echo.Context) error {
	var f repository.AccountFilter
	f.Name = strings.TrimSpace(c.QueryParam("name"))
	if s := c.QueryParam("role"); s != "" {
		r, ok := model.ParseRole(s)
		if !ok {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown role"})
		}
		f.Role = r
	}
	verified, err := queryBool(c, "verified")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid verified"})
	}
	f.Verified = verified
	f.Page, f.Limit, err = queryPage(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	accounts, total, err := h.Accounts.List(c.Request().Context(), f)
	if err != nil {
		return respondRepoError(c, err)
	}
	items := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		items = append(items, toAccountView(a))
	}
	return c.JSON(http.StatusOK, pageResp{Count: total, Items: items})
}

// Get returns one account by id.
func (h *AccountHandler) Get(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	a, err := h.Accounts.GetByID(c.Request().Context(), id)
	if err != nil {
		return respondRepoError(c, err)
	}
	return c.JSON(http.StatusOK, toAccountView(a))
}

// Patch applies the privileged account mutations: verification,
// suspicious flag and role. Each field has its own gate; a request
// containing a field the actor may not touch fails as a whole.
func (h *AccountHandler) Patch(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	var req patchAccountReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Verified == nil && req.Suspicious == nil && req.Role == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "nothing to update"})
	}
	actor := actorRole(c)

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if req.Verified != nil {
		if !*req.Verified {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "verification cannot be revoked"})
		}
		if err := h.Accounts.SetVerified(ctx, id); err != nil {
			return respondRepoError(c, err)
		}
	}

	if req.Role != nil {
		if !actor.AtLeast(model.RoleManager) {
			return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
		}
		newRole, ok := model.ParseRole(*req.Role)
		if !ok {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown role"})
		}
		target, err := h.Accounts.GetByID(ctx, id)
		if err != nil {
			return respondRepoError(c, err)
		}
		// Moving to or from an elevated role is a superuser decision.
		if (newRole.AtLeast(model.RoleManager) || target.Role.AtLeast(model.RoleManager)) && actor != model.RoleSuperuser {
			return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
		}
		if err := h.Accounts.ChangeRole(ctx, id, newRole); err != nil {
			return respondRepoError(c, err)
		}
	}

	if req.Suspicious != nil {
		if !actor.AtLeast(model.RoleManager) {
			return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
		}
		tx, err := h.Accounts.DB().BeginTx(ctx, nil)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "begin tx failed"})
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()
		if err := h.Accounts.SetSuspiciousTx(ctx, tx, id, *req.Suspicious); err != nil {
			return respondRepoError(c, err)
		}
		if err := tx.Commit(); err != nil {
			return respondRepoError(c, err)
		}
		committed = true
	}

	a, err := h.Accounts.GetByID(ctx, id)
	if err != nil {
		return respondRepoError(c, err)
	}
	return c.JSON(http.StatusOK, toAccountView(a))
}

// Me returns the authenticated account's own profile.
func (h *AccountHandler) Me(c echo.Context) error {
	a, err := h.Accounts.GetByID(c.Request().Context(), actorID(c))
	if err != nil {
		return respondRepoError(c, err)
	}
	return c.JSON(http.StatusOK, toAccountView(a))
}

// UpdateMe lets a member edit their own profile fields. The utorid is
// immutable; role, points and flags only change through staff
// endpoints.
func (h *AccountHandler) UpdateMe(c echo.Context) error {
	var req updateMeReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Email == nil && req.Name == nil && req.Birthday == nil && req.AvatarURL == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "nothing to update"})
	}
	if req.Email != nil && !strings.Contains(*req.Email, "@") {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid email"})
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name cannot be empty"})
	}
	if req.Birthday != nil {
		if _, err := time.Parse("2006-01-02", *req.Birthday); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "birthday must be YYYY-MM-DD"})
		}
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	uid := actorID(c)
	u := repository.ProfileUpdate{Email: req.Email, Name: req.Name, Birthday: req.Birthday, AvatarURL: req.AvatarURL}
	if err := h.Accounts.UpdateProfile(ctx, uid, u); err != nil {
		return respondRepoError(c, err)
	}
	a, err := h.Accounts.GetByID(ctx, uid)
	if err != nil {
		return respondRepoError(c, err)
	}
	return c.JSON(http.StatusOK, toAccountView(a))
}
