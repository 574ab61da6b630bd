package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const pingTimeout = 3 * time.Second

// PoolStats summarizes the pgx connection pool backing the queue mirror.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// HealthReport is the payload served at /health/db.
type HealthReport struct {
	Service   string     `json:"service"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	Pool      *PoolStats `json:"pool"`
	CheckedAt time.Time  `json:"checked_at"`
}

// GetPoolStats snapshots the pool counters.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// buildReport maps a ping outcome onto the health payload and status
// code. A failed ping marks the pool unhealthy regardless of counters.
func buildReport(stats *PoolStats, pingErr error, now time.Time) (int, HealthReport) {
	report := HealthReport{
		Service:   "visitq",
		Status:    "healthy",
		Pool:      stats,
		CheckedAt: now,
	}
	if pingErr != nil {
		stats.Healthy = false
		report.Status = "unhealthy"
		report.Error = pingErr.Error()
		return http.StatusServiceUnavailable, report
	}
	return http.StatusOK, report
}

// HealthHandler serves the persistence-mirror health check.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
		defer cancel()

		err := pool.Ping(ctx)
		code, report := buildReport(GetPoolStats(pool), err, time.Now().UTC())
		return c.JSON(code, report)
	}
}
