package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/wsproxy/internal/cache"
	"github.com/any-hub/wsproxy/internal/config"
	"github.com/any-hub/wsproxy/internal/fetch"
	"github.com/any-hub/wsproxy/internal/logging"
	"github.com/any-hub/wsproxy/internal/proxy"
	"github.com/any-hub/wsproxy/internal/server"
	"github.com/any-hub/wsproxy/internal/server/routes"
	"github.com/any-hub/wsproxy/internal/version"
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(ctx context.Context, opts cliOptions) int {
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
		fields["upstream"] = cfg.Backend.BaseURL
		fields["listen"] = cfg.Frontend.Address()
		fields["cache_root"] = cfg.Cache.BasePath
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	if err := serve(ctx, cfg, logger, opts.configPath); err != nil {
		fmt.Fprintf(stdErr, "服务运行失败: %v\n", err)
		return 1
	}
	return 0
}

// serve 按“上游客户端 → 抓取池 → 缓存 → 前端 reactor”顺序装配组件，
// 直到 ctx 取消或任一监听失败。
func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger, configPath string) error {
	upstream, err := cfg.Backend.UpstreamURL()
	if err != nil {
		return fmt.Errorf("解析上游地址失败: %w", err)
	}
	client, err := server.NewUpstreamClient(cfg.Backend)
	if err != nil {
		return err
	}

	pool, err := fetch.NewPool(client, logger, fetch.Options{
		BaseURL:         upstream,
		Workers:         cfg.Backend.MaxWorkers,
		QueueSize:       cfg.Backend.QueueSize,
		ReadChunkSize:   cfg.Backend.ReadChunkSize.Int(),
		ReadTimeout:     cfg.Backend.ReadTimeout.DurationValue(),
		ShutdownTimeout: cfg.Backend.ShutdownTimeout.DurationValue(),
		TempDir:         cache.IncomingDir(cfg.Cache.BasePath),
	})
	if err != nil {
		return fmt.Errorf("初始化抓取池失败: %w", err)
	}
	defer pool.Shutdown()

	store, err := cache.NewStore(cache.Options{
		Root:      cfg.Cache.BasePath,
		ChunkSize: cfg.Cache.ChunkSize.Int(),
		FrameSize: cfg.Frontend.IOBufferSize.Int(),
	}, pool, logger)
	if err != nil {
		return fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	reactor, err := proxy.NewReactor(store, logger, proxy.Options{
		IOBufferSize:      cfg.Frontend.IOBufferSize.Int(),
		ReceiveBufferSize: cfg.Frontend.ReceiveBufferSize.Int(),
		SendBufferSize:    cfg.Frontend.SendBufferSize.Int(),
		MaxHeaderSize:     cfg.Frontend.MaxHeaderSize.Int(),
		HeaderTimeout:     cfg.Frontend.HeaderTimeout.DurationValue(),
		WriteTimeout:      cfg.Frontend.WriteTimeout.DurationValue(),
	})
	if err != nil {
		return err
	}

	ln, err := server.Listen(cfg.Frontend)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", cfg.Frontend.Address(), err)
	}

	fields := logging.BaseFields("startup", configPath)
	fields["upstream"] = upstream.String()
	fields["listen"] = ln.Addr().String()
	fields["workers"] = pool.Workers()
	fields["cache_root"] = store.Root()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reactor.Serve(gctx, ln)
	})
	if cfg.Admin.ListenAddr != "" {
		app, err := server.NewAdminApp(server.AdminOptions{Logger: logger})
		if err != nil {
			_ = ln.Close()
			return err
		}
		routes.RegisterEntryRoutes(app, store)
		routes.RegisterMetricsRoute(app)
		server.NotFound(app)

		adminLn, err := net.Listen("tcp", cfg.Admin.ListenAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("监听管理端口 %s 失败: %w", cfg.Admin.ListenAddr, err)
		}
		g.Go(func() error {
			return serveAdmin(gctx, app, adminLn, logger)
		})
	}

	err = g.Wait()
	logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("frontend stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveAdmin(ctx context.Context, app *fiber.App, ln net.Listener, logger *logrus.Logger) error {
	stop := context.AfterFunc(ctx, func() {
		_ = app.Shutdown()
	})
	defer stop()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   ln.Addr().String(),
	}).Info("admin 服务启动")

	if err := app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true}); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := pflag.NewFlagSet("wsproxy", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVarP(&configFlag, "config", "c", "", "配置文件路径（默认 ./config.toml，可被 WSPROXY_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("WSPROXY_CONFIG")
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
