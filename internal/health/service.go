// Package health exposes liveness and readiness information for the serve
// mode, checking the broker and database the pipeline depends on.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"harvester/internal/logger"
	"harvester/internal/platform/postgres"
	"harvester/internal/platform/redis"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type HealthHandler struct {
	log       *logger.Logger
	redisSvc  *redis.Service
	dbSvc     *postgres.Service
	startTime time.Time
	isReady   bool
}

func NewHealthHandler(redisSvc *redis.Service, dbSvc *postgres.Service) *HealthHandler {
	return &HealthHandler{
		log:       logger.New("HealthCheck"),
		redisSvc:  redisSvc,
		dbSvc:     dbSvc,
		startTime: time.Now(),
	}
}

// SetReady marks the application as ready to receive traffic.
func (h *HealthHandler) SetReady() {
	h.isReady = true
	h.log.LogSuccessf("Application marked as ready for traffic after %v", time.Since(h.startTime))
}

type ComponentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type OverallHealth struct {
	OverallStatus string                     `json:"overall_status"`
	Timestamp     string                     `json:"timestamp"`
	Ready         bool                       `json:"ready"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Components    map[string]ComponentStatus `json:"components"`
}

// HandleHealth responds with the system's health status, including dependencies.
func (h *HealthHandler) HandleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 8*time.Second)
	defer cancel()

	statuses := make(map[string]ComponentStatus)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allOk := true

	checkComponent := func(name string, checkFunc func(context.Context) error) {
		defer wg.Done()
		state := "ok"
		var errStr string
		if err := checkFunc(ctx); err != nil {
			state = "error"
			errStr = err.Error()
			h.log.LogErrorf("Health check for %s failed: %v", name, err)
		}
		mu.Lock()
		statuses[name] = ComponentStatus{Status: state, Error: errStr}
		if state != "ok" {
			allOk = false
		}
		mu.Unlock()
	}

	wg.Add(2)
	go checkComponent("redis", h.redisSvc.HealthCheck)
	go checkComponent("postgres", func(ctx context.Context) error {
		return h.dbSvc.Pool.Ping(ctx)
	})
	wg.Wait()

	overall := OverallHealth{
		OverallStatus: "ok",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Ready:         h.isReady,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Components:    statuses,
	}
	code := http.StatusOK
	if !allOk {
		overall.OverallStatus = "degraded"
		code = http.StatusServiceUnavailable
	}
	return c.Status(code).JSON(overall)
}

// HealthLimiter keeps aggressive probes from hammering the dependencies.
func HealthLimiter() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        30,
		Expiration: time.Minute,
	})
}
