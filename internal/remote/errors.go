package remote

import (
	"errors"
	"fmt"
)

// ErrNotFound 表示远端对象不存在。
var ErrNotFound = errors.New("remote object not found")

// ErrChecksumMismatch 表示下载内容与远端记录的 SHA-1 不一致。
var ErrChecksumMismatch = errors.New("remote checksum mismatch")

// BackendError 包装远端调用失败，Op 标识失败的操作，Name 为对象名。
type BackendError struct {
	Op   string
	Name string
	Err  error
}

func (e *BackendError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError 构造 BackendError；err 为 nil 时返回 nil。
func NewBackendError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, Name: name, Err: err}
}

// IsNotFound reports whether err means the remote object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
