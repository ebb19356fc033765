package pack

import (
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/axolotl-bucket/axolotl-bucket/internal/cache"
	"github.com/axolotl-bucket/axolotl-bucket/internal/logging"
	"github.com/axolotl-bucket/axolotl-bucket/internal/metrics"
	"github.com/axolotl-bucket/axolotl-bucket/internal/remote"
	"github.com/axolotl-bucket/axolotl-bucket/internal/worker"
)

const (
	// DefaultPackPrefix 是远端存放 pack 的目录前缀。
	DefaultPackPrefix = "packs/"
	// DefaultModFolderName 是远端 mod folder 文件名。
	DefaultModFolderName = "modfolder.zip"
	// ModFolderKey 是 mod folder 在缓存中的固定 key。
	ModFolderKey = "modfolder"
)

// Options 汇总 Uploader 与 Fetcher 共享的依赖。
type Options struct {
	// Fs 与 Cache 使用同一个文件系统，暂存文件才能直接 rename 进缓存。
	Fs         afero.Fs
	StagingDir string
	Cache      cache.Store
	Remote     remote.Gateway
	Pool       *worker.Pool
	Logger     *logrus.Logger
	Metrics    *metrics.Metrics

	PackPrefix         string
	ModFolderName      string
	LargeFileThreshold int64
	// PartConcurrency 是每个 large 上传的分段并发数，与 Pool 的槽位相互独立。
	PartConcurrency int
	CachePeriod     time.Duration
}

func (o *Options) validate() error {
	if o.Cache == nil {
		return errors.New("pack: cache store required")
	}
	if o.Remote == nil {
		return errors.New("pack: remote gateway required")
	}
	if o.Pool == nil {
		o.Pool = worker.New(worker.DefaultSize)
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.PackPrefix == "" {
		o.PackPrefix = DefaultPackPrefix
	}
	if o.ModFolderName == "" {
		o.ModFolderName = DefaultModFolderName
	}
	if o.LargeFileThreshold <= 0 {
		o.LargeFileThreshold = DefaultLargeFileThreshold
	}
	if o.PartConcurrency <= 0 {
		o.PartConcurrency = DefaultPartConcurrency
	}
	return nil
}

// RemoteName 返回 pack 在远端的对象名：<prefix><hash>.zip。
// 按 hash 下载只能靠这个名字定位对象，上传时的原始文件名只写进元数据。
func RemoteName(prefix, hash string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return hash + cache.EntryExt
	}
	return prefix + "/" + hash + cache.EntryExt
}
