package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/axolotl-bucket/axolotl-bucket/internal/cache"
	"github.com/axolotl-bucket/axolotl-bucket/internal/config"
	"github.com/axolotl-bucket/axolotl-bucket/internal/janitor"
	"github.com/axolotl-bucket/axolotl-bucket/internal/metrics"
	"github.com/axolotl-bucket/axolotl-bucket/internal/pack"
	"github.com/axolotl-bucket/axolotl-bucket/internal/remote"
	"github.com/axolotl-bucket/axolotl-bucket/internal/remote/memgw"
	"github.com/axolotl-bucket/axolotl-bucket/internal/remote/s3gw"
	"github.com/axolotl-bucket/axolotl-bucket/internal/server"
	"github.com/axolotl-bucket/axolotl-bucket/internal/server/routes"
	"github.com/axolotl-bucket/axolotl-bucket/internal/worker"
)

// service 持有进程内共享的全部组件，整站复用一份实例。
type service struct {
	app         *fiber.App
	store       cache.Store
	remote      remote.Gateway
	remoteLabel string
	uploader    *pack.Uploader
	pool        *worker.Pool
	janitor     *janitor.Janitor
	metrics     *metrics.Metrics
	logger      *logrus.Logger
}

// newService 根据配置装配缓存、远端、协调器与 HTTP 路由，不会启动监听或调度。
func newService(cfg *config.Config, logger *logrus.Logger) (*service, error) {
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(cfg.Global.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}
	fs := afero.NewBasePathFs(osFs, cfg.Global.StoragePath)

	store, err := cache.NewStore(fs, config.CacheDirName)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	gw, label, err := newGateway(cfg.Remote)
	if err != nil {
		return nil, fmt.Errorf("初始化远端失败: %w", err)
	}

	m := metrics.New()
	pool := worker.New(cfg.Global.WorkerPoolSize)
	period := cfg.Global.CachePeriod.DurationValue()
	opts := pack.Options{
		Fs:                 fs,
		StagingDir:         config.UploadsDirName,
		Cache:              store,
		Remote:             gw,
		Pool:               pool,
		Logger:             logger,
		Metrics:            m,
		PackPrefix:         cfg.Remote.PackPrefix,
		ModFolderName:      cfg.Remote.ModFolderName,
		LargeFileThreshold: cfg.Remote.LargeFileThreshold,
		PartConcurrency:    cfg.Remote.PartConcurrency,
		CachePeriod:        period,
	}
	uploader, err := pack.NewUploader(opts)
	if err != nil {
		return nil, err
	}
	fetcher, err := pack.NewFetcher(opts)
	if err != nil {
		return nil, err
	}

	expiry := cache.NewExpiry(period)
	jan, err := janitor.New(janitor.Options{
		Store:    store,
		Expiry:   expiry,
		Interval: cfg.Global.JanitorInterval.DurationValue(),
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:    logger,
		BodyLimit: int(cfg.Global.MaxUploadSize),
	})
	if err != nil {
		return nil, err
	}
	if err := routes.RegisterV1Routes(app, routes.V1Options{
		APIKey:   cfg.Global.APIKey,
		Uploader: uploader,
		Fetcher:  fetcher,
	}); err != nil {
		return nil, err
	}
	if err := routes.RegisterDiagnosticsRoutes(app, routes.DiagnosticsOptions{
		Cache:   store,
		Expiry:  expiry,
		Janitor: jan,
		Metrics: m,
	}); err != nil {
		return nil, err
	}

	return &service{
		app:         app,
		store:       store,
		remote:      gw,
		remoteLabel: label,
		uploader:    uploader,
		pool:        pool,
		janitor:     jan,
		metrics:     m,
		logger:      logger,
	}, nil
}

// newGateway 按 Driver 选择远端实现，返回值中的 label 只用于日志。
func newGateway(cfg config.RemoteConfig) (remote.Gateway, string, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memgw.New(), "memory", nil
	case config.DriverS3, "":
		gw, err := s3gw.New(s3gw.Options{
			Endpoint:       cfg.Endpoint,
			Region:         cfg.Region,
			Bucket:         cfg.Bucket,
			KeyID:          cfg.KeyID,
			AppKey:         cfg.AppKey,
			ForcePathStyle: cfg.ForcePathStyle,
			PartSize:       cfg.PartSize,
			Timeout:        cfg.Timeout.DurationValue(),
			MaxRetries:     cfg.MaxRetries,
		})
		if err != nil {
			return nil, "", err
		}
		return gw, gw.String(), nil
	default:
		return nil, "", fmt.Errorf("unknown remote driver %q", cfg.Driver)
	}
}

// shutdown 停止接收请求，停止 janitor，并等待已调度的远端复制结束。
func (s *service) shutdown(ctx context.Context) error {
	started := time.Now()
	var errs []error
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("关闭 HTTP 服务: %w", err))
	}
	if err := s.janitor.Stop(ctx); err != nil && !errors.Is(err, janitor.ErrNotStarted) {
		errs = append(errs, fmt.Errorf("停止 janitor: %w", err))
	}

	drained := make(chan struct{})
	go func() {
		s.uploader.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("等待远端复制: %w", ctx.Err()))
	}

	s.logger.WithFields(logrus.Fields{
		"action":      "shutdown",
		"duration_ms": time.Since(started).Milliseconds(),
	}).Info("服务已关闭")
	return errors.Join(errs...)
}
