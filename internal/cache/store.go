package cache

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"

	"github.com/spf13/afero"
)

// Store 负责管理内容寻址缓存的读写。磁盘布局遵循：
//
//	<dir>/<key>.zip      # 缓存正文
//	<dir>/.cache-*       # 写入中的临时文件，rename 后才可见
//
// 同一个 key 只对应一个路径，路径是 key 的纯函数。
type Store interface {
	// Exists 判断 key 对应的缓存文件是否存在，目录不算条目。
	Exists(ctx context.Context, key string) (bool, error)

	// Stat 返回条目信息但不打开文件。不存在时返回 ErrNotFound。
	Stat(ctx context.Context, key string) (*Entry, error)

	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, key string) (*ReadResult, error)

	// Place 以 rename 的方式将暂存文件移动到 key 的规范路径。目标已存在且未要求覆盖时返回 ErrExists。
	Place(ctx context.Context, key, srcPath string, opts PlaceOptions) (*Entry, error)

	// Fill 将 fill 写入的内容先落到临时文件，成功后再 rename 到规范路径；失败时清理临时文件。
	Fill(ctx context.Context, key string, fill FillFunc) (*Entry, error)

	// Put 是 Fill 的便捷封装，直接拷贝 body。
	Put(ctx context.Context, key string, body io.Reader) (*Entry, error)

	// List 惰性遍历缓存目录下的所有文件（跳过目录），不保证顺序，每次调用都会重新遍历。
	List(ctx context.Context) iter.Seq2[Entry, error]

	// Remove 删除 key 对应的文件，不存在时视为成功。
	Remove(ctx context.Context, key string) error

	// Evict 按 List 返回的 Entry 删除文件，包括残留的临时文件。
	Evict(ctx context.Context, entry Entry) error

	// Path 返回 key 的规范路径（相对于底层文件系统）。
	Path(key string) (string, error)
}

// PlaceOptions 控制 Place 的可选行为。
type PlaceOptions struct {
	// Overwrite 为 true 时允许覆盖已存在的条目。
	Overwrite bool
	// ModTime 为零值时使用当前时间，作为“缓存时间”。
	ModTime time.Time
}

// FillFunc 向临时文件写入正文；afero.File 同时实现 io.WriterAt，可直接交给分段下载器。
type FillFunc func(ctx context.Context, f afero.File) error

// Entry 表示一个缓存文件，包含路径及文件信息。Key 为空表示目录中不符合命名规则的文件（例如残留临时文件）。
type Entry struct {
	Key       string    `json:"key"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader，便于请求层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrExists 表示 Place 的目标已经存在。
	ErrExists = errors.New("cache entry already exists")
	// ErrInvalidKey 表示 key 不能安全映射为文件名。
	ErrInvalidKey = errors.New("invalid cache key")
)
