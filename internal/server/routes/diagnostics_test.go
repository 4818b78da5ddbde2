package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/fetch"
	"github.com/any-hub/swcache/internal/host"
	"github.com/any-hub/swcache/internal/telemetry"
)

type diagFixture struct {
	app    *fiber.App
	reg    *host.Registration
	caches cache.Storage
}

func newDiagFixture(t *testing.T, update func(context.Context) (UpdateResult, error)) *diagFixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	scope, _ := url.Parse("https://app.local/")
	caches := cache.NewMemoryStorage()
	network := fetch.FetcherFunc(func(context.Context, *fetch.Request) (*fetch.Response, error) {
		return fetch.NewResponse(http.StatusOK, nil, []byte("network")), nil
	})
	reg, err := host.NewRegistration(host.Options{Scope: scope, Caches: caches, Network: network, Logger: logger})
	if err != nil {
		t.Fatalf("registration: %v", err)
	}
	promReg := prometheus.NewRegistry()
	telemetry.NewMetrics(promReg).CacheHits.Inc()

	app := fiber.New()
	RegisterDiagnostics(app, Options{
		Registration: reg,
		Caches:       caches,
		Update:       update,
		Gatherer:     promReg,
		Logger:       logger,
	})
	return &diagFixture{app: app, reg: reg, caches: caches}
}

func (f *diagFixture) do(t *testing.T, method, target string) (*http.Response, []byte) {
	t.Helper()
	resp, err := f.app.Test(httptest.NewRequest(method, target, nil))
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestHealthzReportsActiveVersion(t *testing.T) {
	f := newDiagFixture(t, nil)
	if err := f.reg.Register(context.Background(), "v3", func(*host.Global) {}); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp, body := f.do(t, http.MethodGet, "/-/healthz")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"active_version":"v3"`) {
		t.Fatalf("unexpected healthz %d %s", resp.StatusCode, body)
	}
}

func TestRegistrationSnapshot(t *testing.T) {
	f := newDiagFixture(t, nil)
	ctx := context.Background()
	f.reg.Register(ctx, "v1", func(*host.Global) {})
	req, _ := fetch.NewRequest(http.MethodGet, "https://app.local/", nil)
	f.reg.HandleFetch(ctx, "page-1", req)

	_, body := f.do(t, http.MethodGet, "/-/registration")
	var snap host.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode: %v (%s)", err, body)
	}
	if snap.Active == nil || snap.Active.Version != "v1" || len(snap.Clients) != 1 {
		t.Fatalf("unexpected snapshot %s", body)
	}
}

func TestReleaseClient(t *testing.T) {
	f := newDiagFixture(t, nil)
	ctx := context.Background()
	f.reg.Register(ctx, "v1", func(*host.Global) {})
	req, _ := fetch.NewRequest(http.MethodGet, "https://app.local/", nil)
	f.reg.HandleFetch(ctx, "page-1", req)

	resp, _ := f.do(t, http.MethodDelete, "/-/clients/page-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodDelete, "/-/clients/page-1")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second release should be 404, got %d", resp.StatusCode)
	}
}

func TestCachesListing(t *testing.T) {
	f := newDiagFixture(t, nil)
	ctx := context.Background()
	b, _ := f.caches.Open(ctx, "v1")
	req, _ := fetch.NewRequest(http.MethodGet, "https://app.local/app.js", nil)
	if err := b.Put(ctx, req, fetch.NewResponse(http.StatusOK, nil, []byte("js"))); err != nil {
		t.Fatalf("put: %v", err)
	}
	f.caches.Open(ctx, "v0")

	_, body := f.do(t, http.MethodGet, "/-/caches")
	if !strings.Contains(string(body), `{"name":"v1","entries":1}`) || !strings.Contains(string(body), `{"name":"v0","entries":0}`) {
		t.Fatalf("unexpected listing %s", body)
	}

	resp, body := f.do(t, http.MethodGet, "/-/caches/v1")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "https://app.local/app.js") {
		t.Fatalf("unexpected bucket detail %d %s", resp.StatusCode, body)
	}
	resp, _ = f.do(t, http.MethodGet, "/-/caches/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown bucket, got %d", resp.StatusCode)
	}
}

func TestUpdateEndpoint(t *testing.T) {
	calls := 0
	f := newDiagFixture(t, func(context.Context) (UpdateResult, error) {
		calls++
		if calls > 1 {
			return UpdateResult{}, errors.New("config invalid")
		}
		return UpdateResult{Version: "v2", Changed: true}, nil
	})

	resp, body := f.do(t, http.MethodPost, "/-/registration/update")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"changed":true`) {
		t.Fatalf("unexpected update response %d %s", resp.StatusCode, body)
	}
	resp, body = f.do(t, http.MethodPost, "/-/registration/update")
	if resp.StatusCode != http.StatusInternalServerError || !strings.Contains(string(body), "update_failed") {
		t.Fatalf("expected update_failed, got %d %s", resp.StatusCode, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newDiagFixture(t, nil)
	resp, body := f.do(t, http.MethodGet, "/-/metrics")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "swcache_cache_hits_total 1") {
		t.Fatalf("unexpected metrics %d %s", resp.StatusCode, body)
	}
}
