package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/dict-hub/internal/logging"
)

// SiteHandler serves requests that fall outside the /-/ endpoints for a
// resolved site. It allows injecting fake handlers during tests.
type SiteHandler interface {
	Handle(fiber.Ctx, *SiteRoute) error
}

// SiteHandlerFunc adapts a function to the SiteHandler interface.
type SiteHandlerFunc func(fiber.Ctx, *SiteRoute) error

// Handle makes SiteHandlerFunc satisfy SiteHandler.
func (f SiteHandlerFunc) Handle(c fiber.Ctx, route *SiteRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *SiteRegistry
	Handler    SiteHandler
	ListenPort int
	// BodyLimit caps uploaded dictionary bodies; zero keeps the Fiber default.
	BodyLimit int
}

const (
	contextKeyRoute     = "_dicthub_route"
	contextKeyRequestID = "_dicthub_request_id"
)

// NewApp builds a Fiber application with Host/port routing middleware and
// structured error handling. Callers register /-/ routes on the returned app.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("site registry is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("site handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		BodyLimit:     opts.BodyLimit,
		ErrorHandler:  jsonErrorHandler,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		route, _ := RouteFromContext(c)
		if route == nil {
			return renderHostUnmapped(c, opts.Logger, "", opts.ListenPort)
		}
		return opts.Handler.Handle(c, route)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，基于 Host/Host:port 查找 SiteRoute，并记录访问日志。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		path := string(c.Request().URI().Path())
		if isSiteIndependentPath(path) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(getHostHeader(c))
		route, ok := opts.Registry.Lookup(rawHost)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, rawHost, opts.ListenPort)
		}

		c.Locals(contextKeyRoute, route)
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status, _ = errorStatus(err)
		}
		fields := logging.RequestFields(route.Config.Name, route.Config.Domain, reqID, c.Method(), path)
		fields["action"] = "request"
		fields["status"] = status
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		entry := opts.Logger.WithFields(fields)
		if status >= fiber.StatusInternalServerError {
			entry.Warn("request_failed")
		} else {
			entry.Debug("request_completed")
		}
		return err
	}
}

// jsonErrorHandler 把 handler 返回的 error 统一渲染为 {"error": code}。
func jsonErrorHandler(c fiber.Ctx, err error) error {
	status, code := errorStatus(err)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func errorStatus(err error) (int, string) {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code, fe.Message
	}
	return fiber.StatusInternalServerError, "internal_error"
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	fields := logrus.Fields{
		"action": "host_lookup",
		"host":   host,
		"port":   port,
	}
	logger.WithFields(fields).Warn("host unmapped")

	if host != "" {
		c.Set("X-Dict-Hub-Host", host)
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// RouteFromContext returns the SiteRoute resolved by the router middleware.
func RouteFromContext(c fiber.Ctx) (*SiteRoute, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(*SiteRoute); ok {
			return route, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}

// isSiteIndependentPath 列出不需要 Host 映射的接口。
func isSiteIndependentPath(path string) bool {
	return path == "/-/status"
}
