// Package agent is the offline cache agent: it seeds a versioned cache
// bucket on install, answers fetches cache-first and purges stale buckets on
// activation.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/event"
	"github.com/any-hub/swcache/internal/fetch"
	"github.com/any-hub/swcache/internal/telemetry"
)

// Config is the agent's immutable configuration.
type Config struct {
	// Version names the cache bucket owned by this agent.
	Version string
	// SeedPaths are resolved against Scope and stored on install.
	SeedPaths []string
	Scope     *url.URL
}

// Options carries the agent's collaborators.
type Options struct {
	Caches  cache.Storage
	Network fetch.Fetcher
	// Seeder fetches seed URLs on install and follows redirects. Defaults to Network.
	Seeder  fetch.Fetcher
	Logger  *logrus.Logger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
}

// Scope is the worker global the agent attaches to.
type Scope interface {
	OnInstall(event.ExtendableHandler)
	OnActivate(event.ExtendableHandler)
	OnFetch(event.FetchHandler)
	SkipWaiting(ctx context.Context) error
	Claim(ctx context.Context) error
}

// Agent holds the install, fetch and activate handlers.
type Agent struct {
	cfg      Config
	seedURLs []string

	caches  cache.Storage
	network fetch.Fetcher
	seeder  fetch.Fetcher
	logger  *logrus.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	pending sync.WaitGroup
}

// New validates cfg and resolves the seed list.
func New(cfg Config, opts Options) (*Agent, error) {
	if cfg.Version == "" {
		return nil, errors.New("agent: version required")
	}
	if cfg.Scope == nil || !cfg.Scope.IsAbs() {
		return nil, errors.New("agent: absolute scope url required")
	}
	if opts.Caches == nil || opts.Network == nil {
		return nil, errors.New("agent: cache storage and network fetcher required")
	}

	seeds := cfg.SeedPaths
	if seeds == nil {
		seeds = []string{"./"}
	}
	seedURLs := make([]string, 0, len(seeds))
	for _, p := range seeds {
		ref, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("agent: seed path %q: %w", p, err)
		}
		seedURLs = append(seedURLs, cfg.Scope.ResolveReference(ref).String())
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("swcache/agent")
	}

	seeder := opts.Seeder
	if seeder == nil {
		seeder = opts.Network
	}

	cfg.SeedPaths = append([]string(nil), seeds...)
	return &Agent{
		cfg:      cfg,
		seedURLs: seedURLs,
		caches:   opts.Caches,
		network:  opts.Network,
		seeder:   seeder,
		logger:   logger,
		metrics:  opts.Metrics,
		tracer:   tracer,
	}, nil
}

// Version returns the bucket name owned by the agent.
func (a *Agent) Version() string {
	return a.cfg.Version
}

// SeedURLs returns the absolute seed URLs.
func (a *Agent) SeedURLs() []string {
	return append([]string(nil), a.seedURLs...)
}

// Attach registers the three handlers on s.
func (a *Agent) Attach(s Scope) {
	s.OnInstall(func(ev *event.ExtendableEvent) {
		ev.WaitUntil(func(ctx context.Context) error {
			return a.install(ctx, s)
		})
	})
	s.OnFetch(func(ev *event.FetchEvent) {
		ev.RespondWith(func(ctx context.Context) (*fetch.Response, error) {
			return a.Fetch(ctx, ev.Request)
		})
	})
	s.OnActivate(func(ev *event.ExtendableEvent) {
		ev.WaitUntil(func(ctx context.Context) error {
			return a.activate(ctx, s)
		})
	})
}

func (a *Agent) install(ctx context.Context, s Scope) (err error) {
	ctx, span := a.tracer.Start(ctx, "agent.install", trace.WithAttributes(
		attribute.String("swcache.version", a.cfg.Version),
		attribute.Int("swcache.seed_count", len(a.seedURLs)),
	))
	defer func() { a.finish(span, "install", err) }()

	if err := a.Install(ctx); err != nil {
		return err
	}
	return s.SkipWaiting(ctx)
}

// Install opens the version bucket and stores every seed URL as one batch.
func (a *Agent) Install(ctx context.Context) error {
	bucket, err := a.caches.Open(ctx, a.cfg.Version)
	if err != nil {
		return fmt.Errorf("open bucket %s: %w", a.cfg.Version, err)
	}
	if err := cache.AddAll(ctx, bucket, a.seeder, a.seedURLs); err != nil {
		return fmt.Errorf("seed bucket %s: %w", a.cfg.Version, err)
	}
	a.logger.WithFields(logrus.Fields{
		"action":  "install_seeded",
		"version": a.cfg.Version,
		"seeds":   len(a.seedURLs),
	}).Info("seed resources cached")
	return nil
}

// Fetch answers req cache-first. On a miss the request goes to the network;
// a status 200 answer is stored in the version bucket in the background.
func (a *Agent) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	ctx, span := a.tracer.Start(ctx, "agent.fetch", trace.WithAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", fetch.Key(req)),
	))
	defer span.End()

	resp, err := a.caches.Match(ctx, req)
	switch {
	case err == nil:
		span.SetAttributes(attribute.String("swcache.source", "cache"))
		if a.metrics != nil {
			a.metrics.CacheHits.Inc()
		}
		return resp, nil
	case !errors.Is(err, cache.ErrNotFound):
		// a broken cache read still falls back to the network
		a.logger.WithError(err).WithField("url", fetch.Key(req)).Warn("cache_match_failed")
	}
	if a.metrics != nil {
		a.metrics.CacheMisses.Inc()
	}
	span.SetAttributes(attribute.String("swcache.source", "network"))

	outgoing, err := req.Clone()
	if err != nil {
		return nil, err
	}
	resp, err = a.network.Fetch(ctx, outgoing)
	if err != nil {
		if a.metrics != nil {
			a.metrics.NetworkErrors.Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	if resp.Status != http.StatusOK {
		return resp, nil
	}

	stored, err := resp.Clone()
	if err != nil {
		return resp, nil
	}
	a.persist(context.WithoutCancel(ctx), req, stored)
	return resp, nil
}

func (a *Agent) persist(ctx context.Context, req *fetch.Request, resp *fetch.Response) {
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		err := a.put(ctx, req, resp)
		result := "ok"
		if err != nil {
			result = "error"
			entry := a.logger.WithError(err).WithFields(logrus.Fields{
				"action":  "cache_put_failed",
				"version": a.cfg.Version,
				"url":     fetch.Key(req),
			})
			if errors.Is(err, cache.ErrMethodNotCacheable) {
				entry.Debug("response not cacheable")
			} else {
				entry.Warn("background cache write failed")
			}
		}
		if a.metrics != nil {
			a.metrics.CacheWrites.WithLabelValues(result).Inc()
		}
	}()
}

func (a *Agent) put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	bucket, err := a.caches.Open(ctx, a.cfg.Version)
	if err != nil {
		return err
	}
	return bucket.Put(ctx, req, resp)
}

// Drain waits for background cache writes started so far.
func (a *Agent) Drain() {
	a.pending.Wait()
}

func (a *Agent) activate(ctx context.Context, s Scope) (err error) {
	ctx, span := a.tracer.Start(ctx, "agent.activate", trace.WithAttributes(
		attribute.String("swcache.version", a.cfg.Version),
	))
	defer func() { a.finish(span, "activate", err) }()

	if err := a.PurgeStale(ctx); err != nil {
		return err
	}
	return s.Claim(ctx)
}

// PurgeStale deletes every bucket whose name differs from the version, concurrently.
func (a *Agent) PurgeStale(ctx context.Context) error {
	names, err := a.caches.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}
	// 一个删除失败不取消其它删除
	var g errgroup.Group
	for _, name := range names {
		if name == a.cfg.Version {
			continue
		}
		g.Go(func() error {
			deleted, err := a.caches.Delete(ctx, name)
			if err != nil {
				return fmt.Errorf("delete bucket %s: %w", name, err)
			}
			if deleted {
				if a.metrics != nil {
					a.metrics.BucketsDeleted.Inc()
				}
				a.logger.WithFields(logrus.Fields{
					"action":  "bucket_deleted",
					"bucket":  name,
					"version": a.cfg.Version,
				}).Info("stale bucket removed")
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *Agent) finish(span trace.Span, phase string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if a.metrics != nil {
		a.metrics.Lifecycle.WithLabelValues(phase, result).Inc()
	}
	span.End()
}
