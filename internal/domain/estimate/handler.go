package estimate

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/visitq/visitq/internal/domain/queue"
)

type Handler struct{}

func NewHandler() *Handler { return &Handler{} }

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/wait-estimates", h.Predict)
	api.POST("/wait-estimates/refine", h.Refine)
}

type predictBody struct {
	Signals
	Urgency string `json:"urgency"`
}

// Predict exposes the estimator to the dashboard layer. Unknown urgency
// is rejected; missing optional signals fall back to documented defaults.
func (h *Handler) Predict(c echo.Context) error {
	var body predictBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s := body.Signals
	if body.Urgency != "" {
		u, err := queue.ParseUrgency(body.Urgency)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.Urgency = u
	}
	return c.JSON(http.StatusOK, Predict(s))
}

type refineBody struct {
	Prior     Prediction `json:"prior"`
	Delta     Delta      `json:"delta"`
	Smoothing float64    `json:"smoothing"`
}

func (h *Handler) Refine(c echo.Context) error {
	var body refineBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Prior.EstimatedWaitMins <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "prior prediction is required")
	}
	return c.JSON(http.StatusOK, Refine(body.Prior, body.Delta, body.Smoothing))
}
