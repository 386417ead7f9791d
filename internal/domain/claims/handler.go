package claims

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/amdsync/internal/amd"
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
	g := api.Group("/claims", auth.RequireRole("admin", "billing"))
	g.GET("", h.List)
	g.GET("/stats", h.Stats)
	g.POST("", h.Create)
	g.POST("/check-status", h.CheckBatch)
	g.POST("/check-pending", h.CheckPending)
	g.POST("/:claimId/submit", h.Submit)
	g.POST("/:claimId/resubmit", h.Resubmit)
	g.POST("/:claimId/check-status", h.CheckStatus)
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.ChargeIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "charge_ids is required")
	}
	res := h.svc.Create(c.Request().Context(), req)
	if res.Success {
		return c.JSON(http.StatusCreated, res)
	}
	return c.JSON(http.StatusUnprocessableEntity, res)
}

func (h *Handler) Submit(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	return respond(c, h.svc.Submit(c.Request().Context(), id))
}

func (h *Handler) Resubmit(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	var fix Corrections
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&fix); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return respond(c, h.svc.Resubmit(c.Request().Context(), id, fix))
}

func (h *Handler) CheckStatus(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return err
	}
	res := h.svc.CheckStatus(c.Request().Context(), id)
	if !res.Success {
		if res.Error == "claim not found: "+id.String() {
			return echo.NewHTTPError(http.StatusNotFound, res.Error)
		}
		return c.JSON(http.StatusUnprocessableEntity, res)
	}
	return c.JSON(http.StatusOK, res)
}

type batchRequest struct {
	ClaimIDs []uuid.UUID `json:"claim_ids"`
}

func (h *Handler) CheckBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.ClaimIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "claim_ids is required")
	}
	return c.JSON(http.StatusOK, h.svc.CheckBatch(c.Request().Context(), req.ClaimIDs))
}

func (h *Handler) CheckPending(c echo.Context) error {
	res, err := h.svc.CheckAllPending(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) List(c echo.Context) error {
	start, err := amd.ParseDate(c.QueryParam("start"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid start date")
	}
	end, err := amd.ParseDate(c.QueryParam("end"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid end date")
	}
	p := pagination.FromContext(c, 50, 500)
	list, total, err := h.svc.ListByDateRange(c.Request().Context(), start, end, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	p.SetLinkHeader(c, total)
	return c.JSON(http.StatusOK, pagination.NewPage(list, total, p))
}

func (h *Handler) Stats(c echo.Context) error {
	start, err := amd.ParseDate(c.QueryParam("start"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid start date")
	}
	end, err := amd.ParseDate(c.QueryParam("end"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid end date")
	}
	stats, err := h.svc.Stats(c.Request().Context(), start, end)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func claimID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("claimId"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid claim id")
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
