package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/axolotl-bucket/axolotl-bucket/internal/cache"
	"github.com/axolotl-bucket/axolotl-bucket/internal/checksum"
	"github.com/axolotl-bucket/axolotl-bucket/internal/logging"
	"github.com/axolotl-bucket/axolotl-bucket/internal/metrics"
	"github.com/axolotl-bucket/axolotl-bucket/internal/remote"
)

// Receipt 描述一次上传在返回给客户端时的状态，远端复制可能仍在进行。
type Receipt struct {
	Hash      string
	Duplicate bool
	Strategy  Strategy
	Size      int64
	Entry     *cache.Entry
}

// Uploader 负责 PUT /v1/pack 的完整流程。
type Uploader struct {
	opts Options
}

// NewUploader 校验依赖并创建暂存目录。
func NewUploader(opts Options) (*Uploader, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Fs == nil {
		return nil, errors.New("pack: filesystem required")
	}
	if opts.StagingDir == "" {
		return nil, errors.New("pack: staging dir required")
	}
	if err := opts.Fs.MkdirAll(opts.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("pack: create staging dir: %w", err)
	}
	return &Uploader{opts: opts}, nil
}

// SanitizeName 只保留文件名部分，空名、"." 与 ".." 视为非法。
func SanitizeName(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return name, nil
}

// Accept 暂存 body 并计算摘要，放入缓存后在工作池中异步复制到远端。
// 返回时 hash 已确定、缓存条目已可读，但远端复制不一定完成。
func (u *Uploader) Accept(ctx context.Context, body io.Reader, originalName string) (Receipt, error) {
	if body == nil {
		return Receipt{}, newError(KindClient, CodeMissingFile, errors.New("no file part in request"))
	}
	name, err := SanitizeName(originalName)
	if err != nil {
		return Receipt{}, newError(KindClient, CodeInvalidFilename, err)
	}

	stagedPath, hash, err := u.stage(ctx, body, name)
	if errors.Is(err, ErrUploadTooLarge) {
		return Receipt{}, newError(KindTooLarge, CodeUploadTooLarge, err)
	}
	if err != nil {
		return Receipt{}, newError(KindIO, CodeIOFailed, err)
	}

	logger := u.opts.Logger.WithFields(logging.PackFields("pack_upload", hash)).WithField("file", name)

	exists, err := u.opts.Cache.Exists(ctx, hash)
	if err != nil {
		u.discard(stagedPath)
		return Receipt{}, newError(KindIO, CodeIOFailed, err)
	}
	if exists {
		return u.duplicate(ctx, logger, stagedPath, hash)
	}

	entry, err := u.opts.Cache.Place(ctx, hash, stagedPath, cache.PlaceOptions{})
	if errors.Is(err, cache.ErrExists) {
		return u.duplicate(ctx, logger, stagedPath, hash)
	}
	if err != nil {
		u.discard(stagedPath)
		return Receipt{}, newError(KindIO, CodeIOFailed, err)
	}

	strategy := SelectStrategy(entry.SizeBytes, u.opts.LargeFileThreshold)
	logger.WithFields(logrus.Fields{
		"strategy": strategy,
		"size":     logging.HumanSize(entry.SizeBytes),
	}).Info("pack cached, scheduling remote upload")

	job := ReplicateJob{Hash: hash, Strategy: strategy, OriginalName: name}
	bgCtx := context.WithoutCancel(ctx)
	u.opts.Pool.Go(bgCtx, func(ctx context.Context) error {
		_, err := u.Replicate(ctx, job)
		return err
	}, nil)

	return Receipt{
		Hash:     hash,
		Strategy: strategy,
		Size:     entry.SizeBytes,
		Entry:    entry,
	}, nil
}

// stage 把 body 写入暂存目录中的唯一文件，同时通过 tee 计算摘要。
func (u *Uploader) stage(ctx context.Context, body io.Reader, name string) (string, string, error) {
	f, err := afero.TempFile(u.opts.Fs, u.opts.StagingDir, name+".*.part")
	if err != nil {
		return "", "", fmt.Errorf("create staging file: %w", err)
	}
	stagedPath := f.Name()

	hash, err := checksum.Digest(io.TeeReader(&ctxReader{ctx: ctx, r: body}, f))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		u.discard(stagedPath)
		return "", "", fmt.Errorf("stage %s: %w", name, err)
	}
	return stagedPath, hash, nil
}

func (u *Uploader) duplicate(ctx context.Context, logger *logrus.Entry, stagedPath, hash string) (Receipt, error) {
	u.discard(stagedPath)
	u.opts.Metrics.ObserveUpload("none", metrics.ResultDuplicate)
	logger.Info("pack already cached, skipping remote upload")

	receipt := Receipt{Hash: hash, Duplicate: true}
	if entry, err := u.opts.Cache.Stat(ctx, hash); err == nil {
		receipt.Entry = entry
		receipt.Size = entry.SizeBytes
	}
	return receipt, nil
}

func (u *Uploader) discard(stagedPath string) {
	if err := u.opts.Fs.Remove(stagedPath); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
		u.opts.Logger.WithFields(logrus.Fields{
			"action": "staging_cleanup",
			"path":   stagedPath,
		}).WithError(err).Warn("remove staged upload failed")
	}
}

// ReplicateJob 描述一次远端复制。
type ReplicateJob struct {
	Hash         string
	Strategy     Strategy
	OriginalName string
}

// Replicate 将缓存中的 pack 上传到远端，成功后删除同名旧版本。
// 失败只记录日志与指标，缓存条目保持不变。
func (u *Uploader) Replicate(ctx context.Context, job ReplicateJob) (remote.FileVersion, error) {
	name := RemoteName(u.opts.PackPrefix, job.Hash)
	logger := u.opts.Logger.WithFields(logging.PackFields("remote_upload", job.Hash)).WithFields(logrus.Fields{
		"remote":   name,
		"strategy": job.Strategy,
	})

	rr, err := u.opts.Cache.Get(ctx, job.Hash)
	if err != nil {
		u.opts.Metrics.ObserveUpload(string(job.Strategy), metrics.ResultFailed)
		logger.WithError(err).Error("open cached pack failed")
		return remote.FileVersion{}, err
	}
	defer rr.Reader.Close()

	req := remote.UploadRequest{
		Name:        name,
		ContentType: remote.ContentTypeZip,
		Body:        rr.Reader,
		Size:        rr.Entry.SizeBytes,
		SHA1:        job.Hash,
		Metadata:    map[string]string{remote.MetaOriginalName: job.OriginalName},
	}

	var version remote.FileVersion
	switch job.Strategy {
	case StrategyLarge:
		version, err = u.opts.Remote.UploadLarge(ctx, req, u.opts.PartConcurrency)
	default:
		version, err = u.opts.Remote.UploadSmall(ctx, req)
	}
	if err != nil {
		u.opts.Metrics.ObserveUpload(string(job.Strategy), metrics.ResultFailed)
		logger.WithError(err).Error("remote upload failed")
		return remote.FileVersion{}, err
	}

	u.opts.Metrics.ObserveUpload(string(job.Strategy), metrics.ResultOK)
	logger.WithFields(logrus.Fields{
		"version": version.ID,
		"size":    logging.HumanSize(rr.Entry.SizeBytes),
	}).Info("remote upload finished")

	u.cleanup(ctx, logger, version)
	return version, nil
}

// cleanup 删除与新版本同名的所有其他版本，不依赖列举顺序；失败只记录日志。
func (u *Uploader) cleanup(ctx context.Context, logger *logrus.Entry, current remote.FileVersion) int {
	if current.ID == "" {
		logger.Debug("remote returned no version id, skipping cleanup")
		return 0
	}

	var stale []remote.FileVersion
	for v, err := range u.opts.Remote.ListVersions(ctx, current.Name, current.Name) {
		if err != nil {
			logger.WithError(err).Warn("list remote versions failed")
			return 0
		}
		if v.Name != current.Name || v.ID == current.ID {
			continue
		}
		stale = append(stale, v)
	}

	deleted := 0
	for _, v := range stale {
		if err := u.opts.Remote.DeleteVersion(ctx, v); err != nil && !remote.IsNotFound(err) {
			logger.WithError(err).WithField("version", v.ID).Warn("delete stale remote version failed")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		u.opts.Metrics.ObserveCleanup(deleted)
		logger.WithField("deleted", deleted).Info("stale remote versions removed")
	}
	return deleted
}

// Wait 阻塞直到所有已调度的远端复制结束。
func (u *Uploader) Wait() {
	u.opts.Pool.Wait()
}

// ctxReader 在每次 Read 前检查 ctx，客户端断开时尽早停止暂存。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
