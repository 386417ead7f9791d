package patientsync

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
	g := api.Group("/patients", auth.RequireRole("admin", "billing"))
	g.GET("/lookup", h.Lookup)
	g.GET("/updated", h.UpdatedSince)
	g.POST("/:clientId/create", h.Create)
	g.POST("/:clientId/update", h.Update)
	g.POST("/:clientId/sync", h.Sync)
	g.POST("/:clientId/pull", h.Pull)
}

func (h *Handler) Lookup(c echo.Context) error {
	q := LookupQuery{
		VendorID:  c.QueryParam("vendor_id"),
		LastName:  c.QueryParam("last_name"),
		FirstName: c.QueryParam("first_name"),
	}
	if dob := c.QueryParam("dob"); dob != "" {
		t, err := amd.ParseDate(dob)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid dob")
		}
		q.DateOfBirth = &t
	}
	if q.VendorID == "" && (q.LastName == "" || q.FirstName == "") {
		return echo.NewHTTPError(http.StatusBadRequest, "vendor_id or first_name and last_name are required")
	}
	res := h.svc.Lookup(c.Request().Context(), q)
	if res.Error != "" {
		return c.JSON(http.StatusBadGateway, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) UpdatedSince(c echo.Context) error {
	since, err := time.Parse(time.RFC3339, c.QueryParam("since"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "since must be an RFC 3339 timestamp")
	}
	res := h.svc.UpdatedSince(c.Request().Context(), since)
	if !res.Success {
		return c.JSON(http.StatusBadGateway, res)
	}
	return c.JSON(http.StatusOK, res)
}

type createRequest struct {
	ProfileID string `json:"profile_id"`
}

func (h *Handler) Create(c echo.Context) error {
	id, err := uuid.Parse(c.Param("clientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid client id")
	}
	var req createRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return respond(c, h.svc.Create(c.Request().Context(), id, req.ProfileID))
}

func (h *Handler) Update(c echo.Context) error {
	id, err := uuid.Parse(c.Param("clientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid client id")
	}
	return respond(c, h.svc.Update(c.Request().Context(), id))
}

func (h *Handler) Sync(c echo.Context) error {
	id, err := uuid.Parse(c.Param("clientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid client id")
	}
	return respond(c, h.svc.Sync(c.Request().Context(), id))
}

func (h *Handler) Pull(c echo.Context) error {
	id, err := uuid.Parse(c.Param("clientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid client id")
	}
	return respond(c, h.svc.PullFromVendor(c.Request().Context(), id))
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
