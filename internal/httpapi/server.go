// Package httpapi exposes the gateway's local shadow REST surface and
// an admin WebSocket/health/config surface over gofiber/fiber.
package httpapi

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/edgeflow/shadowgw/internal/apperr"
	"github.com/edgeflow/shadowgw/internal/config"
	"github.com/edgeflow/shadowgw/internal/health"
	"github.com/edgeflow/shadowgw/internal/localapi"
	"github.com/edgeflow/shadowgw/internal/metrics"
	"github.com/edgeflow/shadowgw/internal/pubsub"
)

// Server wires local shadow operations and admin endpoints onto a
// fiber app.
type Server struct {
	app     *fiber.App
	logger  *zap.Logger
	version string
	health  *health.Checker
	metrics *metrics.Metrics
}

func New(handlers *localapi.Handlers, hub *pubsub.Hub, cfgSource config.Source, checker *health.Checker, m *metrics.Metrics, logger *zap.Logger, version string) *Server {
	app := fiber.New(fiber.Config{AppName: "shadowgw v" + version})

	if m == nil {
		m = metrics.NewMetrics()
	}

	app.Use(recover.New())
	app.Use(loggerMiddleware())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))
	app.Use(metrics.Middleware(m))

	s := &Server{app: app, logger: logger, version: version, health: checker, metrics: m}

	app.Get("/health", s.healthHandler)

	api := app.Group("/api/v1")
	api.Get("/things/:thing/shadow", makeGetHandler(handlers, ""))
	api.Post("/things/:thing/shadow", makeUpdateHandler(handlers, ""))
	api.Delete("/things/:thing/shadow", makeDeleteHandler(handlers, ""))

	named := api.Group("/things/:thing/shadow/name/:shadowName")
	named.Get("/", makeGetHandlerNamed(handlers))
	named.Post("/", makeUpdateHandlerNamed(handlers))
	named.Delete("/", makeDeleteHandlerNamed(handlers))

	api.Get("/things/:thing/shadows", listNamedHandler(handlers))

	admin := app.Group("/admin")
	admin.Get("/config", configSnapshotHandler(cfgSource))
	admin.Get("/metrics", metricsHandler(m))
	admin.Get("/metrics.prom", metricsPromHandler(m))

	app.Use("/admin/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/admin/ws/:id", websocket.New(func(c *websocket.Conn) {
		topicPrefix := c.Query("topic", "")
		hub.ServeWebSocket(c, topicPrefix)
	}))

	return s
}

func loggerMiddleware() fiber.Handler {
	return logger.New()
}

func (s *Server) Listen(addr string) error {
	s.logger.Info("http server starting", zap.String("addr", addr))
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	if s.health == nil {
		return c.JSON(fiber.Map{"status": "healthy", "version": s.version})
	}
	snap := s.health.Snapshot()
	snap["version"] = s.version
	status := fiber.StatusOK
	if s.health.OverallStatus() == health.StatusUnhealthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(snap)
}

func bearerToken(c *fiber.Ctx) string {
	auth := c.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return auth
}

func writeErr(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	if ae, ok := err.(*apperr.Error); ok {
		switch ae.Kind {
		case apperr.KindValidation:
			status = fiber.StatusBadRequest
		case apperr.KindAuthorization:
			status = fiber.StatusForbidden
		case apperr.KindResource:
			status = fiber.StatusNotFound
		case apperr.KindConcurrency:
			status = fiber.StatusConflict
		case apperr.KindRate:
			status = fiber.StatusTooManyRequests
		default:
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{"code": ae.Code, "message": ae.Message})
	}
	return c.Status(status).JSON(fiber.Map{"message": err.Error()})
}

func makeGetHandler(h *localapi.Handlers, shadowName string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		doc, err := h.GetThingShadow(c.Context(), bearerToken(c), c.Params("thing"), shadowName)
		if err != nil {
			return writeErr(c, err)
		}
		return c.JSON(doc)
	}
}

func makeGetHandlerNamed(h *localapi.Handlers) fiber.Handler {
	return func(c *fiber.Ctx) error {
		doc, err := h.GetThingShadow(c.Context(), bearerToken(c), c.Params("thing"), c.Params("shadowName"))
		if err != nil {
			return writeErr(c, err)
		}
		return c.JSON(doc)
	}
}

func makeUpdateHandler(h *localapi.Handlers, shadowName string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		doc, err := h.UpdateThingShadow(c.Context(), bearerToken(c), c.Params("thing"), shadowName, c.Body())
		if err != nil {
			return writeErr(c, err)
		}
		return c.JSON(doc)
	}
}

func makeUpdateHandlerNamed(h *localapi.Handlers) fiber.Handler {
	return func(c *fiber.Ctx) error {
		doc, err := h.UpdateThingShadow(c.Context(), bearerToken(c), c.Params("thing"), c.Params("shadowName"), c.Body())
		if err != nil {
			return writeErr(c, err)
		}
		return c.JSON(doc)
	}
}

func makeDeleteHandler(h *localapi.Handlers, shadowName string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		version, _ := strconv.ParseUint(c.Query("version", "0"), 10, 64)
		if err := h.DeleteThingShadow(c.Context(), bearerToken(c), c.Params("thing"), shadowName, version); err != nil {
			return writeErr(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func makeDeleteHandlerNamed(h *localapi.Handlers) fiber.Handler {
	return func(c *fiber.Ctx) error {
		version, _ := strconv.ParseUint(c.Query("version", "0"), 10, 64)
		if err := h.DeleteThingShadow(c.Context(), bearerToken(c), c.Params("thing"), c.Params("shadowName"), version); err != nil {
			return writeErr(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func listNamedHandler(h *localapi.Handlers) fiber.Handler {
	return func(c *fiber.Ctx) error {
		pageSize, _ := strconv.ParseUint(c.Query("pageSize", "25"), 10, 32)
		names, next, err := h.ListNamedShadowsForThing(c.Context(), bearerToken(c), c.Params("thing"), uint32(pageSize), c.Query("pageToken", ""))
		if err != nil {
			return writeErr(c, err)
		}
		return c.JSON(fiber.Map{"shadows": names, "nextPageToken": next})
	}
}

func metricsHandler(m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		m.UpdateSystemMetrics()
		return c.JSON(m.Snapshot())
	}
}

func metricsPromHandler(m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		m.UpdateSystemMetrics()
		c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
		return c.SendString(m.PrometheusFormat())
	}
}

func configSnapshotHandler(cfgSource config.Source) fiber.Handler {
	return func(c *fiber.Ctx) error {
		cfg := cfgSource.Current()
		cfg.Cloud.SecretKey = "REDACTED"
		cfg.Cloud.ClientSecret = "REDACTED"
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return writeErr(c, err)
		}
		c.Set(fiber.HeaderContentType, "application/yaml")
		return c.Send(out)
	}
}
