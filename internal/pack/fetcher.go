package pack

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/axolotl-bucket/axolotl-bucket/internal/cache"
	"github.com/axolotl-bucket/axolotl-bucket/internal/checksum"
	"github.com/axolotl-bucket/axolotl-bucket/internal/logging"
	"github.com/axolotl-bucket/axolotl-bucket/internal/metrics"
)

// maxServeAttempts 限制“下载完成后文件又被 janitor 删除”时读取缓存的次数，最后一次读取前不再下载。
const maxServeAttempts = 3

var errVanished = errors.New("cache entry vanished before it could be served")

// Result 是可直接流式返回给客户端的缓存条目。
type Result struct {
	*cache.ReadResult
	// CacheHit 为 true 表示本次请求没有触发远端下载。
	CacheHit bool
}

// Fetcher 负责 GET /v1/pack 与 GET /v1/modfolder。
type Fetcher struct {
	opts   Options
	expiry cache.Expiry
	group  singleflight.Group
}

// NewFetcher 校验依赖。
func NewFetcher(opts Options) (*Fetcher, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Fetcher{
		opts:   opts,
		expiry: cache.NewExpiry(opts.CachePeriod),
	}, nil
}

// WithExpiry 替换 mod folder 的过期判断器，测试用于注入时钟。
func (f *Fetcher) WithExpiry(expiry cache.Expiry) *Fetcher {
	f.expiry = expiry
	return f
}

// Pack 按 hash 返回 pack。缓存未命中时查询远端：上传未完成返回 KindNotUploaded，
// 其余远端失败一律视为 KindNotFound。
func (f *Fetcher) Pack(ctx context.Context, hash string) (*Result, error) {
	hash = checksum.Normalize(hash)
	if hash == "" {
		return nil, newError(KindClient, CodeMissingHash, errors.New("hash query parameter required"))
	}
	if !checksum.Valid(hash) {
		return nil, newError(KindClient, CodeInvalidHash, fmt.Errorf("%q is not a sha1 hex digest", hash))
	}

	return f.serve(ctx, metrics.KindPack, hash, func(ctx context.Context) error {
		return f.fillPack(ctx, hash)
	})
}

// ModFolder 返回 mod folder。缓存超过 CachePeriod 时先删除再重新下载。
func (f *Fetcher) ModFolder(ctx context.Context) (*Result, error) {
	entry, err := f.opts.Cache.Stat(ctx, ModFolderKey)
	switch {
	case err == nil && f.expiry.Expired(*entry):
		f.opts.Logger.WithFields(logrus.Fields{
			"action":     "modfolder_expire",
			"cached_at":  entry.ModTime,
			"expires_at": f.expiry.ExpiresAt(*entry),
		}).Info("mod folder expired, refreshing")
		if err := f.opts.Cache.Remove(ctx, ModFolderKey); err != nil {
			return nil, newError(KindIO, CodeIOFailed, err)
		}
	case err != nil && !errors.Is(err, cache.ErrNotFound):
		return nil, newError(KindIO, CodeIOFailed, err)
	}

	return f.serve(ctx, metrics.KindModFolder, ModFolderKey, func(ctx context.Context) error {
		return f.fillModFolder(ctx)
	})
}

// serve 先读缓存，未命中时调用 fill 后重试；下载后文件立即消失属于可重试的未命中。
func (f *Fetcher) serve(ctx context.Context, kind, key string, fill func(context.Context) error) (*Result, error) {
	filled := false
	for attempt := 0; attempt < maxServeAttempts; attempt++ {
		rr, err := f.opts.Cache.Get(ctx, key)
		if err == nil {
			if attempt == 0 {
				f.opts.Metrics.ObserveLookup(kind, true)
			}
			return &Result{ReadResult: rr, CacheHit: !filled}, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			return nil, newError(KindIO, CodeIOFailed, err)
		}
		if attempt == 0 {
			f.opts.Metrics.ObserveLookup(kind, false)
		}
		if attempt == maxServeAttempts-1 {
			break
		}

		if err := fill(ctx); err != nil {
			return nil, err
		}
		filled = true
	}

	f.opts.Logger.WithFields(logging.PackFields("cache_serve", key)).Warn(errVanished.Error())
	return nil, newError(KindNotFound, notFoundCode(kind), errVanished)
}

// fillPack 对同一 hash 的并发未命中只做一次远端下载。
func (f *Fetcher) fillPack(ctx context.Context, hash string) error {
	name := RemoteName(f.opts.PackPrefix, hash)
	_, err, _ := f.group.Do(metrics.KindPack+":"+hash, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		logger := f.opts.Logger.WithFields(logging.PackFields("pack_download", hash)).WithField("remote", name)

		info, err := f.opts.Remote.FileInfo(ctx, name)
		if err != nil {
			f.opts.Metrics.ObserveDownload(metrics.KindPack, metrics.ResultNotFound)
			logger.WithError(err).Info("pack not found on remote")
			return nil, newError(KindNotFound, CodePackNotFound, err)
		}
		if !info.Committed {
			f.opts.Metrics.ObserveDownload(metrics.KindPack, metrics.ResultFailed)
			logger.Warn("pack is listed but its upload never completed")
			return nil, newError(KindNotUploaded, CodeNotUploaded, fmt.Errorf("remote file %s is not uploaded", name))
		}

		return nil, f.download(ctx, logger, metrics.KindPack, hash, name)
	})
	return err
}

func (f *Fetcher) fillModFolder(ctx context.Context) error {
	name := f.opts.ModFolderName
	_, err, _ := f.group.Do(metrics.KindModFolder, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		logger := f.opts.Logger.WithFields(logging.PackFields("modfolder_download", ModFolderKey)).WithField("remote", name)
		return nil, f.download(ctx, logger, metrics.KindModFolder, ModFolderKey, name)
	})
	return err
}

// download 在工作池槽位内把远端对象写入缓存；任何失败都按未找到处理。
func (f *Fetcher) download(ctx context.Context, logger *logrus.Entry, kind, key, name string) error {
	var written int64
	err := f.opts.Pool.Do(ctx, func(ctx context.Context) error {
		_, err := f.opts.Cache.Fill(ctx, key, func(ctx context.Context, file afero.File) error {
			n, err := f.opts.Remote.Download(ctx, name, file)
			written = n
			return err
		})
		return err
	})
	if err != nil {
		f.opts.Metrics.ObserveDownload(kind, metrics.ResultFailed)
		logger.WithError(err).Warn("remote download failed")
		return newError(KindNotFound, notFoundCode(kind), err)
	}

	f.opts.Metrics.ObserveDownload(kind, metrics.ResultOK)
	logger.WithField("size", logging.HumanSize(written)).Info("downloaded into cache")
	return nil
}

func notFoundCode(kind string) string {
	if kind == metrics.KindModFolder {
		return CodeModFolderNotFound
	}
	return CodePackNotFound
}
