package chargesync

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/amdsync/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/charges", auth.RequireRole("admin", "billing"))
	g.GET("/stats", h.Stats)
	g.POST("/batch", h.SubmitBatch)
	g.POST("/appointment/:appointmentId/submit", h.SubmitForAppointment)
	g.POST("/appointment/:appointmentId/pull", h.PullStatus)
	g.POST("/:chargeId/submit", h.Submit)
	g.POST("/:chargeId/update", h.Update)
	g.POST("/:chargeId/void", h.Void)
}

func (h *Handler) Submit(c echo.Context) error {
	id, err := pathID(c, "chargeId")
	if err != nil {
		return err
	}
	return respond(c, h.svc.Submit(c.Request().Context(), id))
}

type batchRequest struct {
	ChargeIDs []uuid.UUID `json:"charge_ids"`
}

func (h *Handler) SubmitBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.ChargeIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "charge_ids is required")
	}
	return c.JSON(http.StatusOK, h.svc.SubmitBatch(c.Request().Context(), req.ChargeIDs))
}

func (h *Handler) SubmitForAppointment(c echo.Context) error {
	id, err := pathID(c, "appointmentId")
	if err != nil {
		return err
	}
	res, err := h.svc.SubmitForAppointment(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) PullStatus(c echo.Context) error {
	id, err := pathID(c, "appointmentId")
	if err != nil {
		return err
	}
	res := h.svc.PullStatus(c.Request().Context(), id)
	if !res.Success {
		return c.JSON(http.StatusUnprocessableEntity, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := pathID(c, "chargeId")
	if err != nil {
		return err
	}
	return respond(c, h.svc.Update(c.Request().Context(), id))
}

type voidRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Void(c echo.Context) error {
	id, err := pathID(c, "chargeId")
	if err != nil {
		return err
	}
	var req voidRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return respond(c, h.svc.Void(c.Request().Context(), id, req.Reason))
}

func (h *Handler) Stats(c echo.Context) error {
	st, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
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
