// Package janitor periodically removes cache files older than the cache
// period. A sweep never aborts on a single failed entry: failures are
// collected and reported together while the remaining entries are still
// visited.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/axolotl-bucket/axolotl-bucket/internal/cache"
	"github.com/axolotl-bucket/axolotl-bucket/internal/logging"
	"github.com/axolotl-bucket/axolotl-bucket/internal/metrics"
)

// DefaultInterval 是两次清理之间的默认间隔。
const DefaultInterval = 5 * time.Second

var (
	// ErrAlreadyStarted 表示 Start 被重复调用。
	ErrAlreadyStarted = errors.New("janitor already started")
	// ErrNotStarted 表示在 Start 之前调用了 Stop。
	ErrNotStarted = errors.New("janitor not started")
)

// Options 配置 janitor。
type Options struct {
	Store    cache.Store
	Expiry   cache.Expiry
	Interval time.Duration
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
}

// Report 汇总一次清理的结果。
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Scanned    int       `json:"scanned"`
	Evicted    int       `json:"evicted"`
	Failed     int       `json:"failed"`
	FreedBytes int64     `json:"freed_bytes"`
}

// Janitor 按固定间隔执行 Sweep。
type Janitor struct {
	opts Options

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	last    Report
	hasLast bool
}

// New 校验配置，不会启动调度。
func New(opts Options) (*Janitor, error) {
	if opts.Store == nil {
		return nil, errors.New("janitor: cache store required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Janitor{opts: opts}, nil
}

// Sweep 遍历缓存目录并删除过期文件。单个条目的失败会被汇总到返回的错误中，不会中断遍历。
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	report := Report{StartedAt: time.Now().UTC()}
	var errs error

	for entry, err := range j.opts.Store.List(ctx) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				errs = multierr.Append(errs, ctxErr)
				break
			}
			report.Failed++
			errs = multierr.Append(errs, err)
			continue
		}

		report.Scanned++
		if !j.opts.Expiry.Expired(entry) {
			continue
		}

		if err := j.opts.Store.Evict(ctx, entry); err != nil {
			report.Failed++
			errs = multierr.Append(errs, fmt.Errorf("evict %s: %w", entry.Path, err))
			continue
		}

		report.Evicted++
		report.FreedBytes += entry.SizeBytes
		j.opts.Logger.WithFields(logrus.Fields{
			"action":    "cache_evict",
			"key":       entry.Key,
			"path":      entry.Path,
			"size":      logging.HumanSize(entry.SizeBytes),
			"cached_at": entry.ModTime,
		}).Info("cache entry expired")
	}

	report.FinishedAt = time.Now().UTC()
	j.opts.Metrics.ObserveEvictions(report.Evicted)
	j.opts.Metrics.ObserveSweep(report.FinishedAt.Sub(report.StartedAt))

	j.mu.Lock()
	j.last = report
	j.hasLast = true
	j.mu.Unlock()

	return report, errs
}

// Start 以 "@every <Interval>" 调度 Sweep；上一次尚未结束时跳过本轮。
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		return ErrAlreadyStarted
	}

	cronLogger := cronLogger{entry: j.opts.Logger.WithField("action", "janitor")}
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	ctx, cancel := context.WithCancel(context.Background())
	spec := "@every " + j.opts.Interval.String()
	if _, err := c.AddFunc(spec, func() { j.run(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule janitor %q: %w", spec, err)
	}

	c.Start()
	j.cron = c
	j.cancel = cancel

	j.opts.Logger.WithFields(logrus.Fields{
		"action":   "janitor_start",
		"interval": j.opts.Interval.String(),
		"ttl":      j.opts.Expiry.TTL().String(),
	}).Info("cache janitor started")
	return nil
}

func (j *Janitor) run(ctx context.Context) {
	report, err := j.Sweep(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		j.opts.Logger.WithFields(logrus.Fields{
			"action":  "janitor_sweep",
			"evicted": report.Evicted,
			"failed":  report.Failed,
		}).WithError(err).Warn("cache sweep finished with errors")
	}
}

// Stop 停止调度，取消正在进行的 Sweep 并等待其退出，ctx 控制最长等待时间。
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	c, cancel := j.cron, j.cancel
	j.cron, j.cancel = nil, nil
	j.mu.Unlock()

	if c == nil {
		return ErrNotStarted
	}

	cancel()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
		j.opts.Logger.WithField("action", "janitor_stop").Info("cache janitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastReport 返回最近一次 Sweep 的结果，尚未运行过时 ok 为 false。
func (j *Janitor) LastReport() (Report, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last, j.hasLast
}

// cronLogger 把 cron 的日志转交给 logrus。
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(toFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(toFields(keysAndValues)).WithError(err).Error(msg)
}

func toFields(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
