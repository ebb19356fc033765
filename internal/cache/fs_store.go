package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const (
	// EntryExt 是所有缓存条目的统一后缀。
	EntryExt = ".zip"

	tempPattern = ".cache-*"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

var errStopWalk = errors.New("stop walk")

// NewStore 以 fsys 中的 dir 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(fsys afero.Fs, dir string) (Store, error) {
	if fsys == nil {
		return nil, errors.New("filesystem required")
	}
	if dir == "" {
		return nil, errors.New("cache dir required")
	}

	dir = filepath.Clean(dir)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	return &fileStore{
		fs:  fsys,
		dir: dir,
	}, nil
}

// fileStore 不对读写加锁：相同 key 的内容相同，并发 rename 的结果总是完整文件。
type fileStore struct {
	fs  afero.Fs
	dir string
}

// ValidKey 判断 key 能否安全映射为缓存文件名。
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

func (s *fileStore) Path(key string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, key+EntryExt), nil
}

func (s *fileStore) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.Stat(ctx, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *fileStore) Stat(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.Path(key)
	if err != nil {
		return nil, err
	}

	info, err := s.fs.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	entry := s.entryFromInfo(filePath, info)
	return &entry, nil
}

func (s *fileStore) Get(ctx context.Context, key string) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.Path(key)
	if err != nil {
		return nil, err
	}

	f, err := s.fs.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	return &ReadResult{
		Entry:  s.entryFromInfo(filePath, info),
		Reader: f,
	}, nil
}

func (s *fileStore) Place(ctx context.Context, key, srcPath string, opts PlaceOptions) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.Path(key)
	if err != nil {
		return nil, err
	}

	if !opts.Overwrite {
		if _, err := s.fs.Stat(filePath); err == nil {
			return nil, ErrExists
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if err := s.fs.Rename(srcPath, filePath); err != nil {
		// rename 失败（例如跨设备）时退化为复制到临时文件再 rename。
		if copyErr := s.copyFrom(ctx, key, srcPath); copyErr != nil {
			return nil, fmt.Errorf("place %s: %w", key, errors.Join(err, copyErr))
		}
		_ = s.fs.Remove(srcPath)
	}

	return s.touch(filePath, opts.ModTime)
}

func (s *fileStore) copyFrom(ctx context.Context, key, srcPath string) error {
	src, err := s.fs.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	_, err = s.Put(ctx, key, src)
	return err
}

func (s *fileStore) Put(ctx context.Context, key string, body io.Reader) (*Entry, error) {
	return s.Fill(ctx, key, func(ctx context.Context, f afero.File) error {
		_, err := copyWithContext(ctx, f, body)
		return err
	})
}

func (s *fileStore) Fill(ctx context.Context, key string, fill FillFunc) (*Entry, error) {
	if fill == nil {
		return nil, errors.New("fill func required")
	}

	filePath, err := s.Path(key)
	if err != nil {
		return nil, err
	}

	tempFile, err := afero.TempFile(s.fs, s.dir, tempPattern)
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	err = fill(ctx, tempFile)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.fs.Remove(tempName)
		return nil, err
	}

	if err := s.fs.Rename(tempName, filePath); err != nil {
		s.fs.Remove(tempName)
		return nil, err
	}

	return s.touch(filePath, time.Time{})
}

func (s *fileStore) List(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		err := afero.Walk(s.fs, s.dir, func(p string, info os.FileInfo, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				// 遍历过程中被并发删除的文件直接跳过。
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				if !yield(Entry{Path: p}, err) {
					return errStopWalk
				}
				return nil
			}
			if info.IsDir() {
				return nil
			}
			if !yield(s.entryFromInfo(p, info), nil) {
				return errStopWalk
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopWalk) {
			yield(Entry{}, err)
		}
	}
}

func (s *fileStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	filePath, err := s.Path(key)
	if err != nil {
		return err
	}
	return s.removePath(filePath)
}

func (s *fileStore) Evict(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	clean := filepath.Clean(entry.Path)
	rel, err := filepath.Rel(s.dir, clean)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("evict %s: outside cache dir", entry.Path)
	}
	return s.removePath(clean)
}

func (s *fileStore) removePath(filePath string) error {
	if err := s.fs.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) touch(filePath string, modTime time.Time) (*Entry, error) {
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := s.fs.Chtimes(filePath, modTime, modTime); err != nil {
		return nil, err
	}

	info, err := s.fs.Stat(filePath)
	if err != nil {
		return nil, err
	}
	entry := s.entryFromInfo(filePath, info)
	return &entry, nil
}

func (s *fileStore) entryFromInfo(filePath string, info os.FileInfo) Entry {
	return Entry{
		Key:       keyFromName(info.Name()),
		Path:      filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}
}

// keyFromName 反推文件名对应的 key，不符合命名规则的文件返回空字符串。
func keyFromName(name string) string {
	if !strings.HasSuffix(name, EntryExt) {
		return ""
	}
	key := strings.TrimSuffix(name, EntryExt)
	if !ValidKey(key) {
		return ""
	}
	return key
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
