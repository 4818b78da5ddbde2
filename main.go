package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/backend"
	"github.com/any-hub/swcache/internal/config"
	"github.com/any-hub/swcache/internal/fetch"
	"github.com/any-hub/swcache/internal/host"
	"github.com/any-hub/swcache/internal/logging"
	"github.com/any-hub/swcache/internal/proxy"
	"github.com/any-hub/swcache/internal/server"
	"github.com/any-hub/swcache/internal/server/routes"
	"github.com/any-hub/swcache/internal/telemetry"
	"github.com/any-hub/swcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 执行 CLI 流程并返回退出码。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer logging.Close(logger)

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Global.Origin
		fields["cache_version"] = cfg.Global.CacheVersion
		fields["seeds"] = len(cfg.Global.SeedPaths)
		fields["backend"] = cfg.Storage.Backend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := serve(ctx, cfg, opts.configPath, logger); err != nil {
		logger.WithError(err).WithField("action", "serve").Error("服务异常退出")
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet(version.Name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SWCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SWCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// serve 按“存储 → registration → agent → Fiber”顺序启动，ctx 结束后优雅退出。
func serve(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger) (err error) {
	scope, err := cfg.ScopeURL()
	if err != nil {
		return fmt.Errorf("解析 Origin 失败: %w", err)
	}

	if cfg.Global.TracingEndpoint != "" {
		shutdownTracing, tracingErr := telemetry.SetupTracing(ctx, cfg.Global.TracingEndpoint, cfg.Global.TracingSampleRate, version.Version)
		if tracingErr != nil {
			return tracingErr
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = errors.Join(err, shutdownTracing(flushCtx))
		}()
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(promReg)

	caches, err := backend.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("初始化缓存存储失败: %w", err)
	}
	defer func() { err = errors.Join(err, caches.Close()) }()

	resolver := server.NewResolver()
	go server.RefreshResolver(ctx, resolver, cfg.Global.DNSCacheRefresh.DurationValue())
	network := fetch.NewHTTPFetcher(server.NewUpstreamClient(cfg, resolver))
	seeder := fetch.NewHTTPFetcher(server.NewSeedClient(cfg, resolver))

	reg, err := host.NewRegistration(host.Options{
		Scope:   scope,
		Caches:  caches,
		Network: network,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	go reg.SweepClients(ctx, cfg.Global.ClientIdleTimeout.DurationValue())

	svc := newService(serviceOptions{
		ConfigPath:   configPath,
		Scope:        scope,
		Registration: reg,
		Caches:       caches,
		Network:      network,
		Seeder:       seeder,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       telemetry.Tracer("swcache/agent"),
	})
	defer svc.drain()
	if _, err := svc.deploy(ctx, cfg); err != nil {
		return err
	}

	if err := config.Watch(configPath, func(next *config.Config, err error) {
		if err != nil {
			logger.WithError(err).WithFields(logging.BaseFields("config_reload", configPath)).Warn("配置重载失败，继续使用旧配置")
			return
		}
		if _, err := svc.apply(context.Background(), next); err != nil {
			logger.WithError(err).WithFields(logging.BaseFields("config_reload", configPath)).Warn("新版本部署失败")
		}
	}); err != nil {
		return err
	}

	handler, err := proxy.NewHandler(scope, reg, logger)
	if err != nil {
		return err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		Metrics:    metrics,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnostics(app, routes.Options{
		Registration: reg,
		Caches:       caches,
		Update:       svc.reload,
		Gatherer:     promReg,
		Logger:       logger,
	})

	fields := logging.BaseFields("startup", configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = scope.String()
	fields["backend"] = cfg.Storage.Backend
	fields["build"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort))
	}()

	select {
	case <-ctx.Done():
		logger.WithField("action", "shutdown").Info("收到退出信号")
	case err := <-errCh:
		return err
	}

	if err := app.ShutdownWithTimeout(cfg.Global.ShutdownTimeout.DurationValue()); err != nil {
		return fmt.Errorf("关闭 HTTP 服务失败: %w", err)
	}
	return nil
}
