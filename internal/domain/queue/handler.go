package queue

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/visitq/visitq/pkg/pagination"
)

// Estimator supplies a wait estimate for a fresh check-in when the
// caller does not provide one. Wired to the estimate package in main.
type Estimator func(stats Stats, urgency Urgency) int

type Handler struct {
	svc      *Service
	estimate Estimator
}

func NewHandler(svc *Service, estimate Estimator) *Handler {
	return &Handler{svc: svc, estimate: estimate}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/hospitals/:hospitalID/queue", h.CheckIn)
	api.GET("/hospitals/:hospitalID/queue", h.List)
	api.GET("/hospitals/:hospitalID/queue/stats", h.GetStats)
	api.GET("/hospitals/:hospitalID/queue/updates", h.ListUpdates)
	api.GET("/hospitals/:hospitalID/queue/:id", h.Get)
	api.PATCH("/hospitals/:hospitalID/queue/:id/status", h.SetStatus)
	api.DELETE("/hospitals/:hospitalID/queue/:id", h.Remove)
}

type checkInBody struct {
	Name              string `json:"name"`
	Urgency           string `json:"urgency"`
	EstimatedWaitMins int    `json:"estimated_wait_mins"`
}

type setStatusBody struct {
	Status string `json:"status"`
}

func hospitalID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("hospitalID"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid hospital id")
	}
	return id, nil
}

func entryID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid entry id")
	}
	return id, nil
}

// mirrorAware maps a service error to a response. A mirror failure means
// the mutation is live in memory: the handler reports 502 with the
// mutated body so the caller can retry durability without re-applying.
func (h *Handler) mirrorAware(c echo.Context, err error, okStatus int, body any) error {
	var me *MirrorError
	if errors.As(err, &me) {
		return c.JSON(http.StatusBadGateway, map[string]any{
			"error":  me.Error(),
			"kind":   "persistence_mirror",
			"entity": body,
		})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(okStatus, body)
}

func (h *Handler) CheckIn(c echo.Context) error {
	hid, err := hospitalID(c)
	if err != nil {
		return err
	}
	var body checkInBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	urgency, err := ParseUrgency(body.Urgency)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	estWait := body.EstimatedWaitMins
	if estWait <= 0 && h.estimate != nil {
		stats, err := h.svc.Stats(c.Request().Context(), hid)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		estWait = h.estimate(stats, urgency)
	}

	entry, err := h.svc.CheckIn(c.Request().Context(), hid, CheckInRequest{
		Name:              body.Name,
		Urgency:           urgency,
		EstimatedWaitMins: estWait,
	})
	return h.mirrorAware(c, err, http.StatusCreated, entry)
}

func (h *Handler) List(c echo.Context) error {
	hid, err := hospitalID(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.List(c.Request().Context(), hid)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if raw := c.QueryParam("status"); raw != "" {
		status, err := ParseStatus(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		filtered := entries[:0]
		for _, e := range entries {
			if e.Status == status {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	pg := pagination.FromContext(c)
	total := len(entries)
	start := pg.Offset
	if start > total {
		start = total
	}
	end := start + pg.Limit
	if end > total {
		end = total
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries[start:end], total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	hid, err := hospitalID(c)
	if err != nil {
		return err
	}
	eid, err := entryID(c)
	if err != nil {
		return err
	}
	entry, ok, err := h.svc.Get(c.Request().Context(), hid, eid)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "queue entry not found")
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) SetStatus(c echo.Context) error {
	hid, err := hospitalID(c)
	if err != nil {
		return err
	}
	eid, err := entryID(c)
	if err != nil {
		return err
	}
	var body setStatusBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	status, err := ParseStatus(body.Status)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ok, err := h.svc.SetStatus(c.Request().Context(), hid, eid, status)
	if err == nil && !ok {
		return echo.NewHTTPError(http.StatusNotFound, "queue entry not found")
	}
	entry, _, _ := h.svc.Get(c.Request().Context(), hid, eid)
	return h.mirrorAware(c, err, http.StatusOK, entry)
}

func (h *Handler) Remove(c echo.Context) error {
	hid, err := hospitalID(c)
	if err != nil {
		return err
	}
	eid, err := entryID(c)
	if err != nil {
		return err
	}
	ok, err := h.svc.Remove(c.Request().Context(), hid, eid)
	if err == nil && !ok {
		return echo.NewHTTPError(http.StatusNotFound, "queue entry not found")
	}
	if err != nil {
		return h.mirrorAware(c, err, http.StatusNoContent, nil)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetStats(c echo.Context) error {
	hid, err := hospitalID(c)
	if err != nil {
		return err
	}
	stats, err := h.svc.Stats(c.Request().Context(), hid)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) ListUpdates(c echo.Context) error {
	hid, err := hospitalID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListUpdates(c.Request().Context(), hid, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
