// Package proxy turns each page request into a fetch event on the active
// registration and writes the resulting response back through Fiber.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/fetch"
	"github.com/any-hub/swcache/internal/logging"
	"github.com/any-hub/swcache/internal/server"
)

// FetchHandler routes an intercepted request through the controlling worker.
type FetchHandler interface {
	HandleFetch(ctx context.Context, clientID string, req *fetch.Request) (*fetch.Response, error)
}

// Handler 把 Fiber 请求转换为 fetch.Request，经 registration 处理后写回响应。
type Handler struct {
	origin  *url.URL
	fetches FetchHandler
	logger  *logrus.Logger
}

// NewHandler builds a handler serving origin through fetches.
func NewHandler(origin *url.URL, fetches FetchHandler, logger *logrus.Logger) (*Handler, error) {
	if origin == nil || !origin.IsAbs() {
		return nil, errors.New("proxy: absolute origin url required")
	}
	if fetches == nil {
		return nil, errors.New("proxy: fetch handler required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{origin: origin, fetches: fetches, logger: logger}, nil
}

// Handle implements server.ProxyHandler.
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	clientID := server.ClientID(c)

	req, err := h.buildRequest(c)
	if err != nil {
		h.logResult(c, "", clientID, "", 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "bad_request")
	}
	target := fetch.Key(req)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	tracked := clientID
	if server.ClientIsNew(c) {
		// 本次请求才分配的 id 不进入客户端表
		tracked = ""
	}
	resp, err := h.fetches.HandleFetch(ctx, tracked, req)
	if err != nil {
		h.logResult(c, target, clientID, "", 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	source := "network"
	if resp.Cached {
		source = "cache"
	}
	payload, err := resp.ReadBody()
	if err != nil {
		h.logResult(c, target, clientID, source, resp.Status, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "response_unreadable")
	}

	copyResponseHeaders(c, resp.Header)
	c.Set(server.HeaderSource, source)
	if requestID != "" {
		c.Set(server.HeaderRequestID, requestID)
	}
	c.Status(resp.Status)
	h.logResult(c, target, clientID, source, resp.Status, started, nil)
	return c.Send(payload)
}

func (h *Handler) buildRequest(c fiber.Ctx) (*fetch.Request, error) {
	ref, err := url.Parse(c.OriginalURL())
	if err != nil {
		return nil, fmt.Errorf("parse request uri: %w", err)
	}
	target := h.origin.ResolveReference(ref)

	var payload []byte
	if body := c.Body(); len(body) > 0 {
		payload = append([]byte(nil), body...)
	}
	req, err := fetch.NewRequest(c.Method(), target.String(), payload)
	if err != nil {
		return nil, err
	}
	req.Header = requestHeaders(c)
	return req, nil
}

// requestHeaders 复制可转发给源站的请求头；Host 由目标 URL 决定。
func requestHeaders(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		k := string(key)
		if server.IsHopByHopHeader(k) {
			return
		}
		switch http.CanonicalHeaderKey(k) {
		case fiber.HeaderHost, fiber.HeaderContentLength, server.HeaderClientID:
			return
		}
		header.Add(k, string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == fiber.HeaderContentLength {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(c fiber.Ctx, target, clientID, source string, status int, started time.Time, err error) {
	fields := logging.RequestFields(c.Method(), target, clientID, source, status)
	fields["action"] = "proxy"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID := server.RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
