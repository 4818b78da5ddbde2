package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/telemetry"
)

// ProxyHandler answers every non-diagnostics request. It allows injecting
// fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls the Fiber application.
type AppOptions struct {
	Logger     *logrus.Logger
	Proxy      ProxyHandler
	Metrics    *telemetry.Metrics
	ListenPort int
}

// Header and cookie names shared with the proxy and diagnostics.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderClientID  = "X-Swcache-Client"
	HeaderSource    = "X-Swcache-Source"
	ClientCookie    = "swcache_client"
)

const (
	contextKeyRequestID = "_swcache_request_id"
	contextKeyClientID  = "_swcache_client_id"
	contextKeyClientNew = "_swcache_client_new"
)

// NewApp builds the Fiber application. Diagnostics routes must be registered
// on the returned app; every other path goes to opts.Proxy.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	if opts.Metrics != nil {
		app.Use(metricsMiddleware(opts.Metrics))
	}
	app.Use(clientIDMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set(HeaderRequestID, reqID)
		return c.Next()
	}
}

// clientIDMiddleware 识别发起请求的页面：header 优先，其次 cookie，都没有时分配新 id。
func clientIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		id := strings.TrimSpace(c.Get(HeaderClientID))
		if id == "" {
			id = strings.TrimSpace(c.Cookies(ClientCookie))
		}
		if id == "" {
			id = uuid.NewString()
			c.Locals(contextKeyClientNew, true)
			c.Cookie(&fiber.Cookie{
				Name:     ClientCookie,
				Value:    id,
				Path:     "/",
				HTTPOnly: true,
				SameSite: fiber.CookieSameSiteLaxMode,
			})
		}
		c.Locals(contextKeyClientID, id)
		return c.Next()
	}
}

func metricsMiddleware(m *telemetry.Metrics) fiber.Handler {
	return func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		m.ActiveRequests.Inc()
		started := time.Now()
		err := c.Next()
		m.ActiveRequests.Dec()

		source := c.GetRespHeader(HeaderSource)
		if source == "" {
			source = "none"
		}
		method := c.Method()
		m.RequestsTotal.WithLabelValues(method, source, strconv.Itoa(c.Response().StatusCode())).Inc()
		m.RequestDuration.WithLabelValues(method, source).Observe(time.Since(started).Seconds())
		return err
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value, ok := c.Locals(contextKeyRequestID).(string); ok {
		return value
	}
	return ""
}

// ClientID returns the client identifier resolved by the router middleware.
func ClientID(c fiber.Ctx) string {
	if value, ok := c.Locals(contextKeyClientID).(string); ok {
		return value
	}
	return ""
}

// ClientIsNew reports whether the client id was minted for this request.
// Such a client has no history and is not tracked until it comes back.
func ClientIsNew(c fiber.Ctx) bool {
	isNew, _ := c.Locals(contextKeyClientNew).(bool)
	return isNew
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
