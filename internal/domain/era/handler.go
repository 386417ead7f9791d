package era

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/amdsync/internal/amd"
	"github.com/ehr/amdsync/internal/platform/auth"
)

// maxUpload bounds a remittance file read into memory.
const maxUpload = 20 << 20

type Handler struct {
	svc      *Service
	profiles Profiles
}

func NewHandler(svc *Service, profiles Profiles) *Handler {
	if profiles == nil {
		profiles = Profiles{"default": DefaultMapping}
	}
	return &Handler{svc: svc, profiles: profiles}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/era", auth.RequireRole("admin", "billing"))
	g.POST("/import", h.Import)
	g.GET("/batches/:batchId", h.ListBatch)
	g.GET("/stats", h.Stats)
	g.POST("/pending/:pendingId/post", h.Post)
	g.POST("/pending/:pendingId/match", h.SetMatch)
	g.POST("/post", h.PostBatch)
	g.POST("/post-matched", h.PostAllMatched)
	g.GET("/reconcile", h.Reconcile)
}

// Import accepts the remittance either as a multipart "file" field or as the
// raw request body. Query parameters: format (csv|835), profile,
// auto_match (default true), auto_post.
func (h *Handler) Import(c echo.Context) error {
	data, err := readUpload(c)
	if err != nil {
		return err
	}
	mapping, err := h.profiles.Get(c.QueryParam("profile"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	records, err := Parse(data, c.QueryParam("format"), mapping)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	autoMatch := c.QueryParam("auto_match") != "false"
	autoPost, _ := strconv.ParseBool(c.QueryParam("auto_post"))

	res, err := h.svc.Import(c.Request().Context(), records, autoMatch, autoPost)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, res)
}

func readUpload(c echo.Context) ([]byte, error) {
	var r io.Reader = c.Request().Body
	if fh, err := c.FormFile("file"); err == nil {
		f, err := fh.Open()
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "cannot open upload")
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(io.LimitReader(r, maxUpload+1))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "cannot read upload")
	}
	if len(data) > maxUpload {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "remittance file too large")
	}
	if len(data) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "empty remittance file")
	}
	return data, nil
}

func (h *Handler) ListBatch(c echo.Context) error {
	id, err := pathID(c, "batchId")
	if err != nil {
		return err
	}
	list, err := h.svc.ListBatch(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"data": list, "total": len(list)})
}

func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.svc.ImportStats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) Post(c echo.Context) error {
	id, err := pathID(c, "pendingId")
	if err != nil {
		return err
	}
	res := h.svc.Post(c.Request().Context(), id)
	switch {
	case res.Success:
		return c.JSON(http.StatusOK, res)
	case res.IsNotFound():
		return echo.NewHTTPError(http.StatusNotFound, res.Error)
	}
	return c.JSON(http.StatusUnprocessableEntity, res)
}

type matchRequest struct {
	ChargeID uuid.UUID `json:"charge_id"`
}

func (h *Handler) SetMatch(c echo.Context) error {
	id, err := pathID(c, "pendingId")
	if err != nil {
		return err
	}
	var req matchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ChargeID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "charge_id is required")
	}
	p, err := h.svc.SetManualMatch(c.Request().Context(), id, req.ChargeID)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

type batchRequest struct {
	IDs []uuid.UUID `json:"pending_payment_ids"`
}

func (h *Handler) PostBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.IDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "pending_payment_ids is required")
	}
	return c.JSON(http.StatusOK, h.svc.PostBatch(c.Request().Context(), req.IDs))
}

func (h *Handler) PostAllMatched(c echo.Context) error {
	res, err := h.svc.PostAllMatched(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Reconcile(c echo.Context) error {
	start, err := amd.ParseDate(c.QueryParam("start"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid start date")
	}
	end, err := amd.ParseDate(c.QueryParam("end"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid end date")
	}
	if end.Before(start) {
		return echo.NewHTTPError(http.StatusBadRequest, "end precedes start")
	}
	report := h.svc.Reconcile(c.Request().Context(), start, end.Add(24*time.Hour-time.Nanosecond))
	if !report.Success {
		return c.JSON(http.StatusBadGateway, report)
	}
	return c.JSON(http.StatusOK, report)
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}
