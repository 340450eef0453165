package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Dependency is a backing service the health endpoint pings.
type Dependency struct {
	Name string
	Ping func(ctx context.Context) error
}

// PoolDependency wraps the note store pool.
func PoolDependency(pool *pgxpool.Pool) Dependency {
	return Dependency{Name: "postgres", Ping: pool.Ping}
}

type dependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthHandler pings every dependency and reports 503 if any fails. The rule
// table version is reported so operators can confirm a reload took effect.
func HealthHandler(rulesVersion func() string, pool *pgxpool.Pool, deps ...Dependency) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]dependencyStatus, len(deps))
		for _, d := range deps {
			if err := d.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				checks[d.Name] = dependencyStatus{Status: "unhealthy", Error: err.Error()}
				continue
			}
			checks[d.Name] = dependencyStatus{Status: "healthy"}
		}

		body := map[string]interface{}{
			"status":       "healthy",
			"dependencies": checks,
		}
		if status != http.StatusOK {
			body["status"] = "unhealthy"
		}
		if rulesVersion != nil {
			body["rules_version"] = rulesVersion()
		}
		if pool != nil {
			body["pool"] = GetPoolStats(pool)
		}
		return c.JSON(status, body)
	}
}
