package routes

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/axolotl-bucket/axolotl-bucket/internal/cache"
	"github.com/axolotl-bucket/axolotl-bucket/internal/janitor"
	"github.com/axolotl-bucket/axolotl-bucket/internal/logging"
	"github.com/axolotl-bucket/axolotl-bucket/internal/metrics"
	"github.com/axolotl-bucket/axolotl-bucket/internal/pack"
)

// SweepReporter 提供最近一次缓存清理的结果。
type SweepReporter interface {
	LastReport() (janitor.Report, bool)
}

// DiagnosticsOptions 汇总 /-/ 诊断接口的依赖；Janitor 与 Metrics 可以为空。
type DiagnosticsOptions struct {
	Cache   cache.Store
	Expiry  cache.Expiry
	Janitor SweepReporter
	Metrics *metrics.Metrics
}

type cacheSummary struct {
	Entries     int             `json:"entries"`
	Packs       int             `json:"packs"`
	ModFolder   *cache.Entry    `json:"modfolder,omitempty"`
	Stale       int             `json:"stale"`
	Expired     int             `json:"expired"`
	SizeBytes   int64           `json:"size_bytes"`
	Size        string          `json:"size"`
	TTLSeconds  int64           `json:"ttl_seconds"`
	LastSweep   *janitor.Report `json:"last_sweep,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// RegisterDiagnosticsRoutes 暴露 /-/cache 与 /-/metrics，供运维查看缓存与指标。
func RegisterDiagnosticsRoutes(app *fiber.App, opts DiagnosticsOptions) error {
	if app == nil {
		return errors.New("app is required")
	}
	if opts.Cache == nil {
		return errors.New("cache store is required")
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		summary, err := summarize(c, opts)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": pack.CodeIOFailed})
		}
		return c.JSON(summary)
	})

	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))
	}
	return nil
}

func summarize(c fiber.Ctx, opts DiagnosticsOptions) (cacheSummary, error) {
	summary := cacheSummary{
		TTLSeconds:  int64(opts.Expiry.TTL() / time.Second),
		GeneratedAt: time.Now().UTC(),
	}

	for entry, err := range opts.Cache.List(c.Context()) {
		if err != nil {
			return cacheSummary{}, err
		}
		summary.Entries++
		summary.SizeBytes += entry.SizeBytes
		switch entry.Key {
		case "":
			summary.Stale++
		case pack.ModFolderKey:
			modFolder := entry
			summary.ModFolder = &modFolder
		default:
			summary.Packs++
		}
		if opts.Expiry.Expired(entry) {
			summary.Expired++
		}
	}
	summary.Size = logging.HumanSize(summary.SizeBytes)

	if opts.Janitor != nil {
		if report, ok := opts.Janitor.LastReport(); ok {
			summary.LastSweep = &report
		}
	}
	return summary, nil
}
