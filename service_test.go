package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/config"
	"github.com/any-hub/swcache/internal/fetch"
	"github.com/any-hub/swcache/internal/host"
	"github.com/any-hub/swcache/internal/proxy"
	"github.com/any-hub/swcache/internal/server"
)

type originStub struct {
	*httptest.Server
	hits atomic.Int32
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()
	o := &originStub{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		switch r.URL.Path {
		case "/start":
			http.Redirect(w, r, "/", http.StatusFound)
		case "/":
			fmt.Fprint(w, "<html>index</html>")
		case "/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			fmt.Fprint(w, "console.log(1)")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.Close)
	return o
}

type serviceFixture struct {
	svc        *service
	reg        *host.Registration
	caches     cache.Storage
	configPath string
	origin     *originStub
}

func configBody(origin, version string) string {
	return fmt.Sprintf(`
Origin = "%s"
CacheVersion = "%s"
SeedPaths = ["./", "./app.js"]
`, origin, version)
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	origin := newOriginStub(t)
	configPath := writeConfigFile(t, configBody(origin.URL, "v1"))
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	scope, _ := cfg.ScopeURL()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	caches := cache.NewMemoryStorage()
	network := fetch.NewHTTPFetcher(server.NewUpstreamClient(cfg, nil))
	seeder := fetch.NewHTTPFetcher(server.NewSeedClient(cfg, nil))
	reg, err := host.NewRegistration(host.Options{Scope: scope, Caches: caches, Network: network, Logger: logger})
	if err != nil {
		t.Fatalf("registration: %v", err)
	}
	svc := newService(serviceOptions{
		ConfigPath:   configPath,
		Scope:        scope,
		Registration: reg,
		Caches:       caches,
		Network:      network,
		Seeder:       seeder,
		Logger:       logger,
	})
	t.Cleanup(svc.drain)
	if _, err := svc.deploy(context.Background(), cfg); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	return &serviceFixture{svc: svc, reg: reg, caches: caches, configPath: configPath, origin: origin}
}

func TestServiceDeploySeedsBucket(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	names, _ := f.caches.Keys(ctx)
	if !slices.Equal(names, []string{"v1"}) {
		t.Fatalf("unexpected buckets %v", names)
	}
	b, err := f.caches.Lookup(ctx, "v1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	keys, _ := b.Keys(ctx)
	want := []string{f.origin.URL + "/", f.origin.URL + "/app.js"}
	if !slices.Equal(keys, want) {
		t.Fatalf("expected seeds %v, got %v", want, keys)
	}
	if f.reg.Active() == nil || f.reg.Active().Version() != "v1" {
		t.Fatalf("v1 should be active")
	}
}

func TestServiceDeployIsIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	cfg, _ := config.Load(f.configPath)
	before := f.origin.hits.Load()

	result, err := f.svc.deploy(context.Background(), cfg)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Changed || f.origin.hits.Load() != before {
		t.Fatalf("unchanged config must not reinstall")
	}
}

func TestServiceReloadUpgradesVersion(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	if err := os.WriteFile(f.configPath, []byte(configBody(f.origin.URL, "v2")), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	result, err := f.svc.reload(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !result.Changed || result.Version != "v2" {
		t.Fatalf("unexpected result %+v", result)
	}
	names, _ := f.caches.Keys(ctx)
	if !slices.Equal(names, []string{"v2"}) {
		t.Fatalf("v1 should be purged, buckets %v", names)
	}
}

func TestServiceReloadKeepsOldVersionOnInstallFailure(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	broken := fmt.Sprintf(`
Origin = "%s"
CacheVersion = "v2"
SeedPaths = ["./", "./missing.css"]
`, f.origin.URL)
	if err := os.WriteFile(f.configPath, []byte(broken), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := f.svc.reload(ctx); err == nil {
		t.Fatalf("a 404 seed must fail the install")
	}
	if f.reg.Active().Version() != "v1" {
		t.Fatalf("v1 must stay active")
	}
	if len(f.svc.agents) != 1 {
		t.Fatalf("failed deploy must not keep its agent, got %d agents", len(f.svc.agents))
	}
}

func TestServiceDeployFollowsSeedRedirect(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	redirecting := fmt.Sprintf(`
Origin = "%s"
CacheVersion = "v2"
SeedPaths = ["./start"]
`, f.origin.URL)
	if err := os.WriteFile(f.configPath, []byte(redirecting), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := f.svc.reload(ctx); err != nil {
		t.Fatalf("a redirecting seed should install, got %v", err)
	}
	b, err := f.caches.Lookup(ctx, "v2")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	resp, err := b.Match(ctx, mustGet(t, f.origin.URL+"/start"))
	if err != nil {
		t.Fatalf("seed stored under its own url: %v", err)
	}
	body, _ := resp.ReadBody()
	if resp.Status != http.StatusOK || string(body) != "<html>index</html>" {
		t.Fatalf("expected the redirect target, got %d %q", resp.Status, body)
	}
}

func TestProxyDoesNotTrackFreshClients(t *testing.T) {
	f := newServiceFixture(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	handler, _ := proxy.NewHandler(f.reg.Scope(), f.reg, logger)
	app, err := server.NewApp(server.AppOptions{Logger: logger, Proxy: handler, ListenPort: 5000})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	for i := 0; i < 25; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://proxy.local/app.js", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status %d", resp.StatusCode)
		}
	}
	if clients := f.reg.Snapshot().Clients; len(clients) != 0 {
		t.Fatalf("cookieless requests must not grow the client table, got %d", len(clients))
	}

	req := httptest.NewRequest(http.MethodGet, "http://proxy.local/app.js", nil)
	req.AddCookie(&http.Cookie{Name: server.ClientCookie, Value: "page-1"})
	if _, err := app.Test(req); err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if clients := f.reg.Snapshot().Clients; len(clients) != 1 || clients[0].ID != "page-1" {
		t.Fatalf("returning client should be tracked, got %+v", clients)
	}
}

func mustGet(t *testing.T, rawURL string) *fetch.Request {
	t.Helper()
	req, err := fetch.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func TestProxyServesFromCacheAfterDeploy(t *testing.T) {
	f := newServiceFixture(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	handler, err := proxy.NewHandler(f.reg.Scope(), f.reg, logger)
	if err != nil {
		t.Fatalf("proxy handler: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{Logger: logger, Proxy: handler, ListenPort: 5000})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	before := f.origin.hits.Load()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://proxy.local/app.js", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "console.log(1)" || resp.Header.Get(server.HeaderSource) != "cache" {
		t.Fatalf("expected cached app.js, got %q source=%q", body, resp.Header.Get(server.HeaderSource))
	}
	if f.origin.hits.Load() != before {
		t.Fatalf("cache hit must not reach the origin")
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "http://proxy.local/nope", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound || resp.Header.Get(server.HeaderSource) != "network" {
		t.Fatalf("404 should pass through from the network")
	}
}
