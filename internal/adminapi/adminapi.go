// Package adminapi exposes the ambient operations surface: a small fiber
// server serving /healthz, /metrics (Prometheus text) and /debug/sync
// (a JSON dump of the in-memory sync-state rows). This is operator
// tooling, not a shadow-management UI: no shadow document is ever
// rendered or edited through it.
package adminapi

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/edgegatekit/shadowmgr/internal/health"
	"github.com/edgegatekit/shadowmgr/internal/metrics"
	"github.com/edgegatekit/shadowmgr/internal/store"
)

// SyncInspector is the narrow read surface /debug/sync needs; a
// *manager.Manager's DAO satisfies it directly.
type SyncInspector interface {
	ListSyncedShadows(ctx context.Context) ([]store.ThingShadow, error)
	GetShadowSyncInformation(ctx context.Context, thing, shadowName string) (*store.SyncInfo, bool, error)
}

// Server is the admin HTTP surface.
type Server struct {
	app *fiber.App

	health  *health.HealthChecker
	metrics *metrics.Metrics
	sync    SyncInspector
}

// New builds a Server wired to checker/metricsSink/syncInspector. appName
// tags the fiber app the same way the teacher's main.go tags its own.
func New(appName string, checker *health.HealthChecker, metricsSink *metrics.Metrics, syncInspector SyncInspector) *Server {
	app := fiber.New(fiber.Config{AppName: appName})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET",
	}))

	if metricsSink != nil {
		app.Use(metrics.MetricsMiddleware(metricsSink))
	}

	s := &Server{app: app, health: checker, metrics: metricsSink, sync: syncInspector}

	app.Get("/healthz", s.handleHealthz)
	app.Get("/metrics", s.handleMetrics)
	app.Get("/debug/sync", s.handleDebugSync)

	return s
}

// handleHealthz runs every registered health check and reports the
// aggregate status, returning 503 when the aggregate is anything but
// healthy so an external load balancer or orchestrator can act on it.
func (s *Server) handleHealthz(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	s.health.RunChecks(ctx)
	results := s.health.GetCheckResults()

	status := fiber.StatusOK
	if s.health.GetOverallStatus() != health.StatusHealthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(results)
}

// handleMetrics serves the Prometheus text exposition format.
func (s *Server) handleMetrics(c *fiber.Ctx) error {
	if s.metrics == nil {
		return c.SendString("")
	}
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(s.metrics.PrometheusFormat())
}

// syncRowView is the JSON shape one sync row is rendered as; it mirrors
// store.SyncInfo but drops LastSyncedDocument, since the admin surface is
// ops tooling and must never render a shadow document body.
type syncRowView struct {
	Thing           string `json:"thing"`
	ShadowName      string `json:"shadowName"`
	CloudVersion    int64  `json:"cloudVersion"`
	LocalVersion    int64  `json:"localVersion"`
	CloudDeleted    bool   `json:"cloudDeleted"`
	LastSyncTime    int64  `json:"lastSyncTime"`
	CloudUpdateTime int64  `json:"cloudUpdateTime"`
}

// handleDebugSync dumps every synced (thing, shadow)'s sync-state row.
func (s *Server) handleDebugSync(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	pairs, err := s.sync.ListSyncedShadows(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	rows := make([]syncRowView, 0, len(pairs))
	for _, p := range pairs {
		info, ok, err := s.sync.GetShadowSyncInformation(ctx, p.Thing, p.ShadowName)
		if err != nil || !ok {
			continue
		}
		rows = append(rows, syncRowView{
			Thing:           info.Thing,
			ShadowName:      info.ShadowName,
			CloudVersion:    info.CloudVersion,
			LocalVersion:    info.LocalVersion,
			CloudDeleted:    info.CloudDeleted,
			LastSyncTime:    info.LastSyncTime,
			CloudUpdateTime: info.CloudUpdateTime,
		})
	}
	return c.JSON(fiber.Map{"count": len(rows), "shadows": rows})
}

// Listen starts the admin server on addr. Blocks until the server stops
// or fails.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the admin server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
