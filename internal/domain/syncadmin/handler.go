package syncadmin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/amd/lookup"
	"github.com/ehr/amdsync/internal/amd/session"
	"github.com/ehr/amdsync/internal/amd/synclog"
	"github.com/ehr/amdsync/internal/platform/auth"
	"github.com/ehr/amdsync/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/admin", auth.RequireRole("admin", "billing"))
	g.GET("/dashboard", h.Dashboard)
	g.GET("/sync-log", h.ListLogs)
	g.GET("/sync-log/stats", h.LogStats)
	g.GET("/sync-log/:id", h.GetLog)
	g.GET("/entities/:entityType/:entityId/sync-log", h.EntityLogs)
	g.GET("/session", h.Session)
	g.GET("/rate-limit", h.RateLimits)
	g.GET("/lookup/cache", h.LookupStats)
	g.GET("/lookup/:namespace/:code", h.Lookup)
	g.POST("/lookup/:namespace/batch", h.LookupBatch)

	adminOnly := auth.RequireRole("admin")
	g.POST("/session/configure", h.Configure, adminOnly)
	g.POST("/session/reauth", h.Reauth, adminOnly)
	g.POST("/session/test", h.TestConnection, adminOnly)
	g.DELETE("/rate-limit", h.ResetRateLimits, adminOnly)
	g.DELETE("/lookup/cache", h.ClearLookupCache, adminOnly)
}

func (h *Handler) Dashboard(c echo.Context) error {
	d, err := h.svc.Dashboard(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListLogs(c echo.Context) error {
	f := synclog.Filter{
		SyncType:   synclog.SyncType(c.QueryParam("sync_type")),
		Status:     synclog.Status(c.QueryParam("status")),
		EntityType: c.QueryParam("entity_type"),
	}
	if v := c.QueryParam("entity_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid entity_id")
		}
		f.EntityID = id
	}
	if v := c.QueryParam("since"); v != "" {
		since, err := parseSince(v)
		if err != nil {
			return err
		}
		f.Since = &since
	}
	p := pagination.FromContext(c, defaultLogLimit, maxLogLimit)

	page, err := h.svc.ListLogs(c.Request().Context(), f, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	p.SetLinkHeader(c, page.Total)
	return c.JSON(http.StatusOK, page)
}

func (h *Handler) GetLog(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.GetLog(c.Request().Context(), id)
	if errors.Is(err, synclog.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "sync log entry not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) EntityLogs(c echo.Context) error {
	id, err := uuid.Parse(c.Param("entityId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid entityId")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	list, err := h.svc.EntityLogs(c.Request().Context(), c.Param("entityType"), id, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"data": list, "total": len(list)})
}

func (h *Handler) LogStats(c echo.Context) error {
	since := h.svc.opts.Now().Add(-24 * time.Hour)
	if v := c.QueryParam("since"); v != "" {
		var err error
		if since, err = parseSince(v); err != nil {
			return err
		}
	}
	stats, err := h.svc.LogStats(c.Request().Context(), since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"since": since, "data": stats})
}

func (h *Handler) Session(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.SessionInfo())
}

type configureRequest struct {
	OfficeKey       string `json:"office_key"`
	PartnerUsername string `json:"partner_username"`
	PartnerPassword string `json:"partner_password"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	AppName         string `json:"app_name"`
	Environment     string `json:"environment"`
}

func (h *Handler) Configure(c echo.Context) error {
	var req configureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	err := h.svc.Configure(c.Request().Context(), session.Credentials{
		OfficeKey:       req.OfficeKey,
		PartnerUsername: req.PartnerUsername,
		PartnerPassword: req.PartnerPassword,
		Username:        req.Username,
		Password:        req.Password,
		AppName:         req.AppName,
	}, req.Environment)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Reauth(c echo.Context) error {
	info, err := h.svc.Reauthenticate(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, info)
}

func (h *Handler) TestConnection(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.TestConnection(c.Request().Context()))
}

func (h *Handler) RateLimits(c echo.Context) error {
	st, err := h.svc.RateLimitStatus(c.Request().Context(), c.QueryParam("endpoint"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) ResetRateLimits(c echo.Context) error {
	if err := h.svc.ResetRateLimits(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Lookup(c echo.Context) error {
	refresh, _ := strconv.ParseBool(c.QueryParam("refresh"))
	res, err := h.svc.Lookup(c.Request().Context(), c.Param("namespace"), c.Param("code"), refresh)
	if err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

type batchRequest struct {
	Codes []string `json:"codes"`
}

func (h *Handler) LookupBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Codes) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "codes is required")
	}
	res, err := h.svc.LookupBatch(c.Request().Context(), c.Param("namespace"), req.Codes)
	if err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) LookupStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.LookupStats())
}

func (h *Handler) ClearLookupCache(c echo.Context) error {
	if err := h.svc.ClearLookupCache(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// parseSince accepts a date, an RFC 3339 timestamp or a duration such as
// "6h" meaning that long ago.
func parseSince(v string) (time.Time, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := amd.ParseDate(v)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid since")
	}
	return t, nil
}

// statusFor maps vendor and lookup errors onto HTTP statuses.
func statusFor(err error) int {
	var ae *amd.Error
	switch {
	case errors.Is(err, ErrUnknownNamespace):
		return http.StatusBadRequest
	case errors.Is(err, lookup.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotConfigured):
		return http.StatusConflict
	case errors.As(err, &ae) && ae.IsRateLimit():
		return http.StatusTooManyRequests
	case errors.As(err, &ae):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
