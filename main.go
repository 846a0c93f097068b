package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sovpdf/swcache/internal/cache"
	"github.com/sovpdf/swcache/internal/config"
	"github.com/sovpdf/swcache/internal/logging"
	"github.com/sovpdf/swcache/internal/network"
	"github.com/sovpdf/swcache/internal/offline"
	"github.com/sovpdf/swcache/internal/proxy"
	"github.com/sovpdf/swcache/internal/server"
	"github.com/sovpdf/swcache/internal/server/routes"
	"github.com/sovpdf/swcache/internal/version"
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

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		if errors.Is(err, config.ErrInvalidConfig) {
			fmt.Fprintf(stdErr, "配置校验失败: %v\n", err)
		} else {
			fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		}
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	scope, err := cfg.ScopeURL()
	if err != nil {
		fmt.Fprintf(stdErr, "解析 Scope 失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["scope"] = scope.String()
		fields["cache_backend"] = cfg.Global.CacheBackend
		fields["cache_name"] = offline.CacheName
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循"配置 → 缓存存储 → worker 注册 → Fiber server"顺序，
	// 服务开始监听前拦截器已完成 install/activate。
	storage, err := newStorage(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}

	fetcher := network.NewFetcher(network.NewUpstreamClient(cfg), scope)
	registration := offline.NewRegistration(logger)
	factory := workerFactory(scope, storage, fetcher, logger)

	if err := registerWorker(context.Background(), registration, factory, logger); err != nil {
		fmt.Fprintf(stdErr, "构建 worker 失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["scope"] = scope.String()
	fields["cache_backend"] = cfg.Global.CacheBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	policy := offline.NewOriginPolicy(scope, offline.ThirdPartyPrefix)
	handler := proxy.NewHandler(registration, fetcher, scope, policy, logger)
	if err := startHTTPServer(cfg, proxy.NewForwarder(handler, logger), storage, registration, factory, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("swcache", flag.ContinueOnError)
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

func newStorage(cfg *config.Config) (cache.Storage, error) {
	if cfg.Global.CacheBackend == config.BackendMemory {
		return cache.NewMemoryStorage(), nil
	}
	return cache.NewDiskStorage(cfg.Global.StoragePath, cache.DiskOptions{
		Compress: cfg.Global.CacheCompress,
	})
}

// workerFactory 每次调用都基于编译期的缓存名与资源清单构造新的 worker。
func workerFactory(scope *url.URL, storage cache.Storage, fetcher offline.Fetcher, logger *logrus.Logger) routes.WorkerFactory {
	return func() (*offline.Worker, error) {
		manifest, err := offline.NewManifest(scope, offline.Resources)
		if err != nil {
			return nil, err
		}
		return offline.NewWorker(offline.Options{
			CacheName: offline.CacheName,
			Manifest:  manifest,
			Policy:    offline.NewOriginPolicy(scope, offline.ThirdPartyPrefix),
			Storage:   storage,
			Fetcher:   fetcher,
			Logger:    logger,
		})
	}
}

// registerWorker 安装失败时尝试直接恢复已有缓存；两者都失败则不设控制者，请求全部放行。
func registerWorker(ctx context.Context, registration *offline.Registration, factory routes.WorkerFactory, logger *logrus.Logger) error {
	w, err := factory()
	if err != nil {
		return err
	}
	installErr := registration.Register(ctx, w)
	if installErr == nil {
		return nil
	}

	fields := logging.LifecycleFields("install", w.CacheName())
	resumeErr := registration.Resume(ctx, w)
	if resumeErr == nil {
		logger.WithFields(fields).WithError(installErr).Warn("安装失败，已恢复现有缓存")
		return nil
	}
	if !errors.Is(resumeErr, offline.ErrNothingToResume) {
		logger.WithFields(fields).WithError(resumeErr).Error("恢复缓存失败")
	}
	logger.WithFields(fields).WithError(installErr).Error("安装失败，所有请求将直接回源")
	return nil
}

func startHTTPServer(
	cfg *config.Config,
	proxyHandler server.ProxyHandler,
	storage cache.Storage,
	registration *offline.Registration,
	factory routes.WorkerFactory,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:          logger,
		Proxy:           proxyHandler,
		ListenPort:      port,
		SecurityHeaders: cfg.Global.SecurityHeaders,
	})
	if err != nil {
		return err
	}
	routes.RegisterCacheRoutes(app, storage)
	routes.RegisterLifecycleRoutes(app, registration, factory)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
