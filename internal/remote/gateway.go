package remote

import (
	"context"
	"io"
	"iter"
	"time"
)

// Gateway 是核心逻辑依赖的远端存储能力集合。
type Gateway interface {
	// UploadSmall 以单个请求上传 req.Body。
	UploadSmall(ctx context.Context, req UploadRequest) (FileVersion, error)

	// UploadLarge 以分段并发方式上传 req.Body，concurrency 为同时上传的分段数。
	UploadLarge(ctx context.Context, req UploadRequest, concurrency int) (FileVersion, error)

	// Download 将 name 的最新版本写入 dst，并通过回读 dst 校验 SHA-1，返回写入字节数。
	Download(ctx context.Context, name string, dst Destination) (int64, error)

	// FileInfo 查询 name 的最新版本。不存在时返回 ErrNotFound。
	FileInfo(ctx context.Context, name string) (FileInfo, error)

	// ListVersions 按名称顺序惰性列出 prefix 下、名称不小于 startName 的所有版本。
	ListVersions(ctx context.Context, prefix, startName string) iter.Seq2[FileVersion, error]

	// DeleteVersion 删除指定版本。
	DeleteVersion(ctx context.Context, version FileVersion) error
}

// UploadRequest 描述一次上传。
type UploadRequest struct {
	Name        string
	ContentType string
	Body        io.ReadSeeker
	Size        int64
	// SHA1 记录在对象元数据中，下载时用于完整性校验。
	SHA1     string
	Metadata map[string]string
}

// Destination 是下载目标：分段下载需要 WriterAt，完整性校验需要回读。
type Destination interface {
	io.WriterAt
	io.ReadSeeker
}

// FileVersion 表示远端的一个对象版本，由远端拥有，核心只读取或删除它的引用。
type FileVersion struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Committed  bool      `json:"committed"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// FileInfo 是 FileInfo 查询的结果。
type FileInfo struct {
	FileVersion
	SHA1        string            `json:"sha1,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

const (
	// ContentTypeZip 是 pack 与 mod folder 的内容类型。
	ContentTypeZip = "application/zip"

	// MetaSHA1 / MetaOriginalName 是写入对象元数据的键。
	MetaSHA1         = "sha1"
	MetaOriginalName = "original-name"
)
