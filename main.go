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

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/axolotl-bucket/axolotl-bucket/internal/config"
	"github.com/axolotl-bucket/axolotl-bucket/internal/logging"
	"github.com/axolotl-bucket/axolotl-bucket/internal/version"
)

// configEnv 指定配置文件路径的环境变量，优先级低于 -config。
const configEnv = "AXOLOTL_BUCKET_CONFIG"

// shutdownTimeout 是收到退出信号后等待请求与后台复制完成的上限。
const shutdownTimeout = 30 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	initConfig  bool
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

	if opts.initConfig {
		if err := config.WriteDefault(opts.configPath); err != nil {
			fmt.Fprintf(stdErr, "生成默认配置失败: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdOut, "已生成默认配置: %s\n", opts.configPath)
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
	defer func() { _ = logging.Close(logger) }()

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["driver"] = cfg.Remote.Driver
		fields["credentials"] = cfg.Remote.AuthMode()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存目录 → 远端网关 → 上传/下载协调器 → janitor → Fiber server。
	svc, err := newService(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen"] = cfg.Global.ListenAddr()
	fields["driver"] = cfg.Remote.Driver
	fields["remote"] = svc.remoteLabel
	fields["credentials"] = cfg.Remote.AuthMode()
	fields["cache_period"] = cfg.Global.CachePeriod.DurationValue().String()
	fields["workers"] = svc.pool.Size()
	fields["part_concurrency"] = cfg.Remote.PartConcurrency
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startHTTPServer(ctx, cfg, svc, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("axolotl-bucket", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		initConfig bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 AXOLOTL_BUCKET_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&initConfig, "init-config", false, "在配置路径写入默认配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = config.DefaultPath
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		initConfig:  initConfig,
		showVersion: showVer,
	}, nil
}

// startHTTPServer 阻塞直到 ctx 被取消，随后依次关闭 HTTP、janitor 与后台复制。
func startHTTPServer(ctx context.Context, cfg *config.Config, svc *service, logger *logrus.Logger) error {
	if err := svc.janitor.Start(); err != nil {
		return err
	}

	addr := cfg.Global.ListenAddr()
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   addr,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	var listenErr error
	select {
	case listenErr = <-errCh:
	case <-ctx.Done():
		logger.WithField("action", "shutdown").Info("收到退出信号，开始关闭")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(listenErr, svc.shutdown(shutdownCtx))
}
