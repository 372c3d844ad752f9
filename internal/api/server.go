// Package api serves the ingest process's health and statistics over HTTP.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/jarmstrongdbrx/rt-transit/internal/common/logger"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/poller"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/processor"
)

type PollerStatus interface {
	Stats() poller.Stats
}

type ProcessorStatus interface {
	Stats() processor.ProcessorStats
}

type StoreStatus interface {
	Ping(ctx context.Context) error
	Counts(ctx context.Context) (map[string]int64, error)
}

type CatchUpStatus interface {
	GetStatus() map[string]interface{}
}

type BronzeStatus interface {
	BasePath() string
	Dropped() int64
}

// Dependencies are the components the server reports on. Only Poller is
// required.
type Dependencies struct {
	Poller    PollerStatus
	Processor ProcessorStatus
	Store     StoreStatus
	CatchUp   CatchUpStatus
	Bronze    BronzeStatus
	Version   string
	Logger    logger.Logger
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Version   string            `json:"version,omitempty"`
}

type StatsResponse struct {
	Poller       poller.Stats              `json:"poller"`
	Processor    *processor.ProcessorStats `json:"processor,omitempty"`
	SilverCounts map[string]int64          `json:"silver_counts,omitempty"`
	CatchUp      map[string]interface{}    `json:"catch_up,omitempty"`
	BronzePath   string                    `json:"bronze_path,omitempty"`
	Dropped      int64                     `json:"dropped_notifications"`
}

type Server struct {
	app  *fiber.App
	deps Dependencies
}

func NewServer(deps Dependencies) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "rt-transit",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
	})
	app.Use(recover.New())

	s := &Server{app: app, deps: deps}
	app.Use(s.logRequests)
	app.Get("/health", s.health)
	app.Get("/stats", s.stats)
	return s
}

// App exposes the fiber application, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen blocks until the server stops.
func (s *Server) Listen(addr string) error {
	s.deps.Logger.Info("Status server listening", "addr", addr)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.deps.Logger.Debug("Status request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration_ms", time.Since(start).Milliseconds())
	return err
}

// health reports 503 when the poller is stopped or retrying, or when the
// Silver database cannot be reached.
func (s *Server) health(c *fiber.Ctx) error {
	services := make(map[string]string)
	overall := "healthy"

	ps := s.deps.Poller.Stats()
	switch {
	case !ps.Running:
		services["poller"] = "stopped"
		overall = "degraded"
	case ps.ConsecutiveErrors > 0:
		services["poller"] = fmt.Sprintf("retrying: %d consecutive errors (%s)", ps.ConsecutiveErrors, ps.LastErrorKind)
		overall = "degraded"
	default:
		services["poller"] = "healthy"
	}

	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			services["silver_store"] = "unhealthy: " + err.Error()
			overall = "degraded"
		} else {
			services["silver_store"] = "healthy"
		}
	} else {
		services["silver_store"] = "disabled"
	}

	statusCode := fiber.StatusOK
	if overall == "degraded" {
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC(),
		Services:  services,
		Version:   s.deps.Version,
	})
}

func (s *Server) stats(c *fiber.Ctx) error {
	resp := StatsResponse{Poller: s.deps.Poller.Stats()}

	if s.deps.Processor != nil {
		ps := s.deps.Processor.Stats()
		resp.Processor = &ps
	}
	if s.deps.CatchUp != nil {
		resp.CatchUp = s.deps.CatchUp.GetStatus()
	}
	if s.deps.Bronze != nil {
		resp.BronzePath = s.deps.Bronze.BasePath()
		resp.Dropped = s.deps.Bronze.Dropped()
	}
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
		defer cancel()
		counts, err := s.deps.Store.Counts(ctx)
		if err != nil {
			s.deps.Logger.Warn("Failed to count silver rows", "error", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "counting silver rows: " + err.Error(),
			})
		}
		resp.SilverCounts = counts
	}

	return c.JSON(resp)
}
