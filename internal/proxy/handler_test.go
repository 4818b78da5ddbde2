package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/swcache/internal/fetch"
	"github.com/any-hub/swcache/internal/server"
)

type recordingFetches struct {
	clientID string
	req      *fetch.Request
	resp     *fetch.Response
	err      error
}

func (r *recordingFetches) HandleFetch(_ context.Context, clientID string, req *fetch.Request) (*fetch.Response, error) {
	r.clientID = clientID
	r.req = req
	return r.resp, r.err
}

func newTestApp(t *testing.T, fetches FetchHandler) *fiber.App {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	origin, _ := url.Parse("https://origin.example/")
	handler, err := NewHandler(origin, fetches, logger)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{Logger: logger, Proxy: handler, ListenPort: 5000})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return app
}

func TestHandleWritesNetworkResponse(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Type", "text/css")
	header.Set("Connection", "close")
	header.Add("Link", "</a.css>; rel=preload")
	header.Add("Link", "</b.js>; rel=preload")
	fetches := &recordingFetches{resp: fetch.NewResponse(http.StatusOK, header, []byte("body{}"))}
	app := newTestApp(t, fetches)

	req := httptest.NewRequest(http.MethodGet, "http://proxy.local/static/app.css?v=3", nil)
	req.Header.Set(server.HeaderClientID, "page-1")
	req.Header.Set("Accept", "text/css")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "body{}" {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get(server.HeaderSource); got != "network" {
		t.Fatalf("expected network source, got %q", got)
	}
	if resp.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("content type not copied")
	}
	if len(resp.Header.Values("Link")) != 2 {
		t.Fatalf("multi-value headers should be kept, got %v", resp.Header.Values("Link"))
	}
	if resp.Header.Get(server.HeaderRequestID) == "" {
		t.Fatalf("missing request id")
	}

	if fetches.clientID != "page-1" {
		t.Fatalf("client id not forwarded, got %q", fetches.clientID)
	}
	if got := fetches.req.URL.String(); got != "https://origin.example/static/app.css?v=3" {
		t.Fatalf("unexpected target %s", got)
	}
	if fetches.req.Header.Get("Accept") != "text/css" {
		t.Fatalf("request headers not copied")
	}
	if fetches.req.Header.Get(server.HeaderClientID) != "" {
		t.Fatalf("client id header must not reach the origin")
	}
}

func TestHandleMarksCachedResponse(t *testing.T) {
	encoded, err := fetch.Encode(fetch.NewResponse(http.StatusOK, nil, []byte("cached")))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cached, err := fetch.Decode("https://origin.example/", encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	app := newTestApp(t, &recordingFetches{resp: cached})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://proxy.local/", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.Header.Get(server.HeaderSource) != "cache" {
		t.Fatalf("expected cache source")
	}
}

func TestHandlePassesThroughErrorStatus(t *testing.T) {
	app := newTestApp(t, &recordingFetches{resp: fetch.NewResponse(http.StatusNotFound, nil, []byte("missing"))})
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://proxy.local/nope", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHandleUpstreamFailure(t *testing.T) {
	app := newTestApp(t, &recordingFetches{err: errors.New("dial tcp: refused")})
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://proxy.local/", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(string(body), "upstream_failed") {
		t.Fatalf("expected 502 upstream_failed, got %d %s", resp.StatusCode, body)
	}
}

func TestHandleForwardsBody(t *testing.T) {
	fetches := &recordingFetches{resp: fetch.NewResponse(http.StatusCreated, nil, nil)}
	app := newTestApp(t, fetches)
	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "http://proxy.local/api", strings.NewReader(`{"a":1}`)))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	payload, err := fetches.req.ReadBody()
	if err != nil || string(payload) != `{"a":1}` || fetches.req.Method != http.MethodPost {
		t.Fatalf("body not forwarded: %q %v", payload, err)
	}
}

func TestNewHandlerValidates(t *testing.T) {
	if _, err := NewHandler(nil, &recordingFetches{}, nil); err == nil {
		t.Fatalf("expected origin error")
	}
	origin, _ := url.Parse("https://origin.example/")
	if _, err := NewHandler(origin, nil, nil); err == nil {
		t.Fatalf("expected fetch handler error")
	}
}

func TestBuildRequestResolvesAgainstOrigin(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Request().SetRequestURI("/docs/page.html?lang=zh")
	ctx.Request().Header.Set("Connection", "keep-alive")
	ctx.Request().Header.Set("Accept-Language", "zh-CN")
	ctx.Request().Header.SetHost("proxy.local")

	origin, _ := url.Parse("https://origin.example/app/")
	h, err := NewHandler(origin, &recordingFetches{}, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	req, err := h.buildRequest(ctx)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if req.URL.String() != "https://origin.example/docs/page.html?lang=zh" {
		t.Fatalf("unexpected target %s", req.URL)
	}
	if req.Header.Get("Connection") != "" || req.Header.Get("Host") != "" {
		t.Fatalf("hop-by-hop and host headers must be dropped: %v", req.Header)
	}
	if req.Header.Get("Accept-Language") != "zh-CN" {
		t.Fatalf("accept-language not copied")
	}
}
