// Package memgw is an in-process remote.Gateway. It keeps every uploaded
// version in memory, mimics the B2 listing order (name ascending, newest
// version first) and counts calls per operation, which makes it the fake used
// by coordinator tests and the "memory" driver for local development.
package memgw

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/axolotl-bucket/axolotl-bucket/internal/checksum"
	"github.com/axolotl-bucket/axolotl-bucket/internal/remote"
)

// Op 标识一种远端操作，用于计数与故障注入。
type Op string

const (
	OpUploadSmall Op = "upload_small"
	OpUploadLarge Op = "upload_large"
	OpDownload    Op = "download"
	OpFileInfo    Op = "file_info"
	OpList        Op = "list_versions"
	OpDelete      Op = "delete_version"
)

type version struct {
	remote.FileVersion
	data        []byte
	sha1        string
	contentType string
	metadata    map[string]string
	hidden      bool
	seq         int
}

// Bucket 是线程安全的内存桶。
type Bucket struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      int
	versions []*version
	pending  map[string]bool
	calls    map[Op]int
	failures map[Op]error
}

var _ remote.Gateway = (*Bucket)(nil)

// New 创建空桶。
func New() *Bucket {
	return &Bucket{
		now:      time.Now,
		pending:  make(map[string]bool),
		calls:    make(map[Op]int),
		failures: make(map[Op]error),
	}
}

// FailOn 让后续 op 调用返回 err；err 为 nil 时恢复正常。
func (b *Bucket) FailOn(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// Calls 返回 op 被调用的次数（包括失败的调用）。
func (b *Bucket) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Uploads 返回两种上传方式的调用总数。
func (b *Bucket) Uploads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[OpUploadSmall] + b.calls[OpUploadLarge]
}

// Seed 直接写入一个已提交版本，不计入调用次数。
func (b *Bucket) Seed(name string, data []byte) remote.FileVersion {
	b.mu.Lock()
	defer b.mu.Unlock()
	sum, _ := checksum.Digest(bytes.NewReader(data))
	return b.appendLocked(name, data, sum, remote.ContentTypeZip, nil).FileVersion
}

// Hide 追加一个隐藏标记，使 name 的最新版本变为未提交。
func (b *Bucket) Hide(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.appendLocked(name, nil, "", "", nil)
	v.hidden = true
	v.Committed = false
}

// StartLargeFile 模拟一个尚未完成的分段上传。
func (b *Bucket) StartLargeFile(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[name] = true
}

// Versions 返回 name 的全部版本，最新的在前。
func (b *Bucket) Versions(name string) []remote.FileVersion {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []remote.FileVersion
	for _, v := range b.sortedLocked() {
		if v.Name == name {
			out = append(out, v.FileVersion)
		}
	}
	return out
}

func (b *Bucket) UploadSmall(ctx context.Context, req remote.UploadRequest) (remote.FileVersion, error) {
	return b.upload(ctx, OpUploadSmall, req)
}

func (b *Bucket) UploadLarge(ctx context.Context, req remote.UploadRequest, _ int) (remote.FileVersion, error) {
	return b.upload(ctx, OpUploadLarge, req)
}

func (b *Bucket) upload(ctx context.Context, op Op, req remote.UploadRequest) (remote.FileVersion, error) {
	if err := b.begin(ctx, op, req.Name); err != nil {
		return remote.FileVersion{}, err
	}
	if req.Body == nil {
		return remote.FileVersion{}, remote.NewBackendError(string(op), req.Name, errors.New("nil body"))
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		return remote.FileVersion{}, remote.NewBackendError(string(op), req.Name, err)
	}
	sum := req.SHA1
	if sum == "" {
		sum, _ = checksum.Digest(bytes.NewReader(data))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, req.Name)
	return b.appendLocked(req.Name, data, sum, req.ContentType, req.Metadata).FileVersion, nil
}

func (b *Bucket) Download(ctx context.Context, name string, dst remote.Destination) (int64, error) {
	if err := b.begin(ctx, OpDownload, name); err != nil {
		return 0, err
	}

	b.mu.Lock()
	latest := b.latestLocked(name)
	b.mu.Unlock()
	if latest == nil || latest.hidden {
		return 0, remote.ErrNotFound
	}

	n, err := dst.WriteAt(latest.data, 0)
	if err != nil {
		return int64(n), remote.NewBackendError(string(OpDownload), name, err)
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return int64(n), remote.NewBackendError(string(OpDownload), name, err)
	}
	sum, err := checksum.Digest(io.LimitReader(dst, int64(n)))
	if err != nil {
		return int64(n), remote.NewBackendError(string(OpDownload), name, err)
	}
	if !checksum.Equal(sum, latest.sha1) {
		return int64(n), remote.NewBackendError(string(OpDownload), name, remote.ErrChecksumMismatch)
	}
	return int64(n), nil
}

func (b *Bucket) FileInfo(ctx context.Context, name string) (remote.FileInfo, error) {
	if err := b.begin(ctx, OpFileInfo, name); err != nil {
		return remote.FileInfo{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	latest := b.latestLocked(name)
	switch {
	case latest != nil:
		return remote.FileInfo{
			FileVersion: latest.FileVersion,
			SHA1:        latest.sha1,
			ContentType: latest.contentType,
			Metadata:    maps.Clone(latest.metadata),
		}, nil
	case b.pending[name]:
		return remote.FileInfo{FileVersion: remote.FileVersion{Name: name}}, nil
	default:
		return remote.FileInfo{}, remote.ErrNotFound
	}
}

func (b *Bucket) ListVersions(ctx context.Context, prefix, startName string) iter.Seq2[remote.FileVersion, error] {
	return func(yield func(remote.FileVersion, error) bool) {
		if err := b.begin(ctx, OpList, prefix); err != nil {
			yield(remote.FileVersion{}, err)
			return
		}

		b.mu.Lock()
		snapshot := b.sortedLocked()
		b.mu.Unlock()

		for _, v := range snapshot {
			if !strings.HasPrefix(v.Name, prefix) || v.Name < startName {
				continue
			}
			if !yield(v.FileVersion, nil) {
				return
			}
		}
	}
}

func (b *Bucket) DeleteVersion(ctx context.Context, fv remote.FileVersion) error {
	if err := b.begin(ctx, OpDelete, fv.Name); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range b.versions {
		if v.ID == fv.ID {
			b.versions = append(b.versions[:i], b.versions[i+1:]...)
			return nil
		}
	}
	return remote.ErrNotFound
}

func (b *Bucket) begin(ctx context.Context, op Op, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.failures[op]; err != nil {
		return remote.NewBackendError(string(op), name, err)
	}
	return nil
}

func (b *Bucket) appendLocked(name string, data []byte, sum, contentType string, meta map[string]string) *version {
	b.seq++
	v := &version{
		FileVersion: remote.FileVersion{
			ID:         uuid.NewString(),
			Name:       name,
			Committed:  true,
			Size:       int64(len(data)),
			UploadedAt: b.now(),
		},
		data:        append([]byte(nil), data...),
		sha1:        sum,
		contentType: contentType,
		metadata:    maps.Clone(meta),
		seq:         b.seq,
	}
	b.versions = append(b.versions, v)
	return v
}

func (b *Bucket) latestLocked(name string) *version {
	var latest *version
	for _, v := range b.versions {
		if v.Name == name && (latest == nil || v.seq > latest.seq) {
			latest = v
		}
	}
	return latest
}

// sortedLocked 按名称升序、同名时新版本在前排序，与 B2 的版本列表一致。
func (b *Bucket) sortedLocked() []*version {
	out := append([]*version(nil), b.versions...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].seq > out[j].seq
	})
	return out
}
