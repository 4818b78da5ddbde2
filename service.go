package main

import (
	"context"
	"net/url"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/swcache/internal/agent"
	"github.com/any-hub/swcache/internal/cache"
	"github.com/any-hub/swcache/internal/config"
	"github.com/any-hub/swcache/internal/fetch"
	"github.com/any-hub/swcache/internal/host"
	"github.com/any-hub/swcache/internal/logging"
	"github.com/any-hub/swcache/internal/server/routes"
	"github.com/any-hub/swcache/internal/telemetry"
)

type serviceOptions struct {
	ConfigPath   string
	Scope        *url.URL
	Registration *host.Registration
	Caches       cache.Storage
	Network      fetch.Fetcher
	Seeder       fetch.Fetcher
	Logger       *logrus.Logger
	Metrics      *telemetry.Metrics
	Tracer       trace.Tracer
}

// service 把配置中的 CacheVersion/SeedPaths 部署为 registration 上的新 worker。
type service struct {
	opts serviceOptions

	mu      sync.Mutex
	current *agent.Agent
	seeds   []string
	agents  []*agent.Agent
}

func newService(opts serviceOptions) *service {
	return &service{opts: opts}
}

// deploy 注册 cfg 描述的版本；版本与种子列表均未变化时不做任何事。
func (s *service) deploy(ctx context.Context, cfg *config.Config) (routes.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := cfg.Global
	result := routes.UpdateResult{Version: g.CacheVersion}
	if s.current != nil && s.current.Version() == g.CacheVersion && slices.Equal(s.seeds, g.SeedPaths) {
		return result, nil
	}
	if next, err := cfg.ScopeURL(); err == nil && next.String() != s.opts.Scope.String() {
		s.opts.Logger.WithFields(logging.BaseFields("config_reload", s.opts.ConfigPath)).
			WithField("origin", next.String()).Warn("Origin 变更需要重启后生效")
	}

	a, err := agent.New(agent.Config{
		Version:   g.CacheVersion,
		SeedPaths: g.SeedPaths,
		Scope:     s.opts.Scope,
	}, agent.Options{
		Caches:  s.opts.Caches,
		Network: s.opts.Network,
		Seeder:  s.opts.Seeder,
		Logger:  s.opts.Logger,
		Metrics: s.opts.Metrics,
		Tracer:  s.opts.Tracer,
	})
	if err != nil {
		return result, err
	}

	var worker *host.Worker
	err = s.opts.Registration.Register(ctx, g.CacheVersion, func(global *host.Global) {
		worker = global.Worker()
		a.Attach(global)
	})
	if err != nil && !s.owns(worker) {
		return result, err
	}
	s.agents = append(s.agents, a)
	s.current = a
	s.seeds = slices.Clone(g.SeedPaths)
	result.Changed = true

	fields := logging.BaseFields("version_deployed", s.opts.ConfigPath)
	fields["cache_version"] = g.CacheVersion
	fields["seeds"] = len(g.SeedPaths)
	entry := s.opts.Logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Warn("版本已激活，但清理旧缓存失败")
	} else {
		entry.Info("版本部署完成")
	}
	return result, err
}

// owns 判断 w 是否已成为 active 或 waiting。
func (s *service) owns(w *host.Worker) bool {
	if w == nil {
		return false
	}
	reg := s.opts.Registration
	return reg.Active() == w || reg.Waiting() == w
}

// apply 是配置热更新入口，先同步日志级别再部署。
func (s *service) apply(ctx context.Context, cfg *config.Config) (routes.UpdateResult, error) {
	if err := logging.ApplyLevel(s.opts.Logger, cfg.Global.LogLevel); err != nil {
		return routes.UpdateResult{}, err
	}
	return s.deploy(ctx, cfg)
}

// reload 重新读取配置文件并部署，供 /-/registration/update 使用。
func (s *service) reload(ctx context.Context) (routes.UpdateResult, error) {
	cfg, err := config.Load(s.opts.ConfigPath)
	if err != nil {
		return routes.UpdateResult{}, err
	}
	return s.apply(ctx, cfg)
}

// drain 等待所有 agent 的后台缓存写入结束。
func (s *service) drain() {
	s.mu.Lock()
	agents := slices.Clone(s.agents)
	s.mu.Unlock()
	for _, a := range agents {
		a.Drain()
	}
}
