package appointmentsync

import (
	"net/http"
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
	g := api.Group("/appointments", auth.RequireRole("admin", "billing"))
	g.GET("/vendor", h.List)
	g.GET("/vendor/updated", h.UpdatedSince)
	g.GET("/vendor/:visitId", h.Get)
	g.POST("/vendor/:visitId/pull", h.Pull)
	g.POST("/bulk-sync", h.BulkSync)
	g.POST("/:appointmentId/create", h.Create)
	g.POST("/:appointmentId/update", h.Update)
	g.POST("/:appointmentId/cancel", h.Cancel)
	g.POST("/:appointmentId/check-in", h.CheckIn)
	g.POST("/:appointmentId/check-out", h.CheckOut)
	g.POST("/:appointmentId/no-show", h.NoShow)
	g.POST("/:appointmentId/complete", h.Complete)
}

func (h *Handler) List(c echo.Context) error {
	start, end, err := dateRange(c.QueryParam("start"), c.QueryParam("end"))
	if err != nil {
		return err
	}
	res := h.svc.List(c.Request().Context(), start, end, c.QueryParam("provider_id"))
	if !res.Success {
		return c.JSON(http.StatusBadGateway, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) UpdatedSince(c echo.Context) error {
	since, err := time.Parse(time.RFC3339, c.QueryParam("since"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "since must be an RFC 3339 timestamp")
	}
	res := h.svc.UpdatedSince(c.Request().Context(), since, c.QueryParam("include_charges") == "true")
	if !res.Success {
		return c.JSON(http.StatusBadGateway, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Get(c echo.Context) error {
	res := h.svc.Get(c.Request().Context(), c.Param("visitId"))
	switch {
	case res.Error != "":
		return c.JSON(http.StatusBadGateway, res)
	case !res.Found:
		return echo.NewHTTPError(http.StatusNotFound, "visit not found")
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Pull(c echo.Context) error {
	return respond(c, h.svc.PullFromVendor(c.Request().Context(), c.Param("visitId")))
}

type rangeRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (h *Handler) BulkSync(c echo.Context) error {
	var req rangeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	start, end, err := dateRange(req.Start, req.End)
	if err != nil {
		return err
	}
	res := h.svc.BulkSync(c.Request().Context(), start, end)
	if res.Error != "" && res.Total == 0 {
		return c.JSON(http.StatusBadGateway, res)
	}
	return c.JSON(http.StatusOK, res)
}

type createRequest struct {
	ProviderID string `json:"provider_id"`
	FacilityID string `json:"facility_id"`
}

func (h *Handler) Create(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return err
	}
	var req createRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return respond(c, h.svc.Create(c.Request().Context(), id, req.ProviderID, req.FacilityID))
}

func (h *Handler) Update(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return err
	}
	return respond(c, h.svc.Update(c.Request().Context(), id))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return respond(c, h.svc.Cancel(c.Request().Context(), id, req.Reason))
}

func (h *Handler) CheckIn(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return err
	}
	return respond(c, h.svc.CheckIn(c.Request().Context(), id))
}

func (h *Handler) CheckOut(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return err
	}
	return respond(c, h.svc.CheckOut(c.Request().Context(), id))
}

func (h *Handler) NoShow(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return err
	}
	return respond(c, h.svc.MarkNoShow(c.Request().Context(), id))
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := appointmentID(c)
	if err != nil {
		return err
	}
	return respond(c, h.svc.MarkCompleted(c.Request().Context(), id))
}

func appointmentID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("appointmentId"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid appointment id")
	}
	return id, nil
}

func dateRange(startParam, endParam string) (time.Time, time.Time, error) {
	start, err := amd.ParseDate(startParam)
	if err != nil {
		return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid start date")
	}
	end, err := amd.ParseDate(endParam)
	if err != nil {
		return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid end date")
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "end must not be before start")
	}
	return start, end, nil
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
