package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/any-hub/dict-hub/internal/cache"
	"github.com/any-hub/dict-hub/internal/config"
	"github.com/any-hub/dict-hub/internal/dictionary"
	"github.com/any-hub/dict-hub/internal/logging"
	"github.com/any-hub/dict-hub/internal/metadata"
	"github.com/any-hub/dict-hub/internal/server"
	"github.com/any-hub/dict-hub/internal/server/routes"
	"github.com/any-hub/dict-hub/internal/version"
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
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = config.SiteSummaries(cfg.Sites)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}

	// 启动顺序：配置 → 站点注册表 → 磁盘缓存 → 元数据库 → 字典管理器 → Fiber server，
	// 所有站点共享同一个 Manager，按 IsolationKey 分区。
	svc, err := openServices(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化字典缓存失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("close_failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	svc.manager.Start(ctx)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = config.SiteSummaries(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["metadata_path"] = cfg.Global.MetadataPath
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	deps := routes.Dependencies{
		Manager:  svc.manager,
		Registry: registry,
		Client:   server.NewUpstreamClient(cfg),
		Logger:   logger,
		Version:  version.Full(),
	}
	if err := startHTTPServer(ctx, cfg, registry, deps, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// services 持有需要在退出时关闭的长生命周期组件。
type services struct {
	manager  *dictionary.Manager
	metadata *metadata.Store
}

func openServices(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	meta, err := metadata.Open(cfg.Global.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("打开元数据库失败: %w", err)
	}
	manager, err := dictionary.NewManager(dictionary.ManagerOptions{
		DiskCache:         store,
		Metadata:          meta,
		Logger:            logger,
		MaxSize:           cfg.Global.MaxCacheSize,
		MaxDictionarySize: cfg.Global.MaxDictionarySize,
		LowWaterMarkRatio: cfg.Global.LowWaterMarkRatio,
		CleanupInterval:   cfg.Global.CleanupInterval.DurationValue(),
	})
	if err != nil {
		return nil, multierr.Append(err, meta.Close())
	}
	return &services{manager: manager, metadata: meta}, nil
}

// Close 先停止 Manager 的后台任务，再关闭元数据库。
func (s *services) Close() error {
	s.manager.Close()
	return s.metadata.Close()
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("dict-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 DICT_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("DICT_HUB_CONFIG")
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

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.SiteRegistry, deps routes.Dependencies, logger *logrus.Logger) error {
	app, err := newApplication(cfg, registry, deps, logger)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		if err := app.Shutdown(); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("fiber_shutdown_failed")
		}
	}()

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

// newApplication 组装 Fiber App：站点路由中间件 + 管理端点 + 站点路径的字典查找。
func newApplication(cfg *config.Config, registry *server.SiteRegistry, deps routes.Dependencies, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Handler:    routes.NewLookupHandler(deps),
		ListenPort: cfg.Global.ListenPort,
		BodyLimit:  int(cfg.Global.MaxDictionarySize) + 1,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDictionaryRoutes(app, deps)
	return app, nil
}

// printVersion 输出注入的版本 + 提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
