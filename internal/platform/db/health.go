package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// healthPingTimeout caps the liveness ping so a stalled database turns
// into a fast 503 instead of a hung probe.
const healthPingTimeout = 5 * time.Second

// PoolStats is the connection pool slice of the health report.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// HealthReport is the liveness payload.
type HealthReport struct {
	Service  string     `json:"service"`
	Status   string     `json:"status"`
	Error    string     `json:"error,omitempty"`
	Database *PoolStats `json:"database"`
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

// HealthHandler reports liveness. Load balancers route on this endpoint
// alone, so it pings the database with a short deadline rather than
// trusting pool counters.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthPingTimeout)
		defer cancel()

		stats := GetPoolStats(pool)
		if err := pool.Ping(ctx); err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, HealthReport{
				Service:  "ctflow-api",
				Status:   "unhealthy",
				Error:    err.Error(),
				Database: stats,
			})
		}

		return c.JSON(http.StatusOK, HealthReport{
			Service:  "ctflow-api",
			Status:   "healthy",
			Database: stats,
		})
	}
}
