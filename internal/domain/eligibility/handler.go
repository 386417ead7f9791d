package eligibility

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/eligibility", auth.RequireRole("admin", "billing"))
	g.POST("/clients/:clientId/check", h.Check)
	g.GET("/clients/:clientId/last", h.Last)
	g.GET("/clients/:clientId/history", h.History)
	g.DELETE("/clients/:clientId/cache", h.ClearClientCache)
	g.POST("/appointments/:appointmentId/check", h.CheckAppointment)
	g.POST("/batch", h.CheckBatch)
	g.POST("/date", h.CheckDate)
	g.GET("/cache", h.CacheStats)
	g.DELETE("/cache", h.ClearAll)
}

type checkRequest struct {
	InsuranceID *uuid.UUID `json:"insurance_id"`
	ServiceDate string     `json:"service_date"`
	SkipCache   bool       `json:"skip_cache"`
}

func (h *Handler) Check(c echo.Context) error {
	id, err := pathID(c, "clientId")
	if err != nil {
		return err
	}
	var req checkRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	date, err := optionalDate(req.ServiceDate)
	if err != nil {
		return err
	}
	return respond(c, h.svc.Check(c.Request().Context(), id, req.InsuranceID, date, req.SkipCache))
}

func (h *Handler) CheckAppointment(c echo.Context) error {
	id, err := pathID(c, "appointmentId")
	if err != nil {
		return err
	}
	return respond(c, h.svc.CheckForAppointment(c.Request().Context(), id))
}

type batchRequest struct {
	ClientIDs   []uuid.UUID `json:"client_ids"`
	ServiceDate string      `json:"service_date"`
}

func (h *Handler) CheckBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.ClientIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "client_ids is required")
	}
	date, err := optionalDate(req.ServiceDate)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.CheckBatch(c.Request().Context(), req.ClientIDs, date))
}

type dateRequest struct {
	Date string `json:"date"`
}

func (h *Handler) CheckDate(c echo.Context) error {
	var req dateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	date, err := amd.ParseDate(req.Date)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid date")
	}
	res, err := h.svc.CheckForDate(c.Request().Context(), date)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Last(c echo.Context) error {
	id, err := pathID(c, "clientId")
	if err != nil {
		return err
	}
	var insuranceID *uuid.UUID
	if v := c.QueryParam("insurance_id"); v != "" {
		parsed, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid insurance id")
		}
		insuranceID = &parsed
	}
	rec, err := h.svc.Last(c.Request().Context(), id, insuranceID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no eligibility check on record")
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) History(c echo.Context) error {
	id, err := pathID(c, "clientId")
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	list, err := h.svc.History(c.Request().Context(), id, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"data": list, "total": len(list)})
}

func (h *Handler) ClearClientCache(c echo.Context) error {
	id, err := pathID(c, "clientId")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"cleared": h.svc.ClearClientCache(id)})
}

func (h *Handler) ClearAll(c echo.Context) error {
	h.svc.ClearAll()
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.CacheStats())
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func optionalDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := amd.ParseDate(s)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid service_date")
	}
	return t, nil
}

func respond(c echo.Context, res Result) error {
	switch {
	case res.Success:
		return c.JSON(http.StatusOK, res)
	case res.IsNotFound():
		return echo.NewHTTPError(http.StatusNotFound, res.Error)
	}
	return c.JSON(http.StatusUnprocessableEntity, res)
}
