package pack

import (
	"errors"
	"fmt"
)

// Kind 将错误归入有限的几类，请求层据此决定状态码。
type Kind int

const (
	KindUnknown Kind = iota
	// KindClient 表示请求本身有问题（缺少参数、非法文件名）。
	KindClient
	// KindNotFound 表示缓存与远端都拿不到内容。
	KindNotFound
	// KindNotUploaded 表示远端存在记录但上传尚未完成。
	KindNotUploaded
	// KindBackend 表示远端调用失败。
	KindBackend
	// KindIO 表示本地磁盘读写失败。
	KindIO
	// KindTooLarge 表示上传超过了允许的请求体大小。
	KindTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindNotFound:
		return "not_found"
	case KindNotUploaded:
		return "not_uploaded"
	case KindBackend:
		return "backend"
	case KindIO:
		return "io"
	case KindTooLarge:
		return "too_large"
	default:
		return "unknown"
	}
}

// 对外暴露的错误码，直接作为 JSON 响应中的 error 字段。
const (
	CodeMissingHash       = "missing_hash"
	CodeInvalidHash       = "invalid_hash"
	CodeInvalidFilename   = "invalid_filename"
	CodeMissingFile       = "missing_file"
	CodeNotUploaded       = "not_uploaded"
	CodePackNotFound      = "pack_not_found"
	CodeModFolderNotFound = "modfolder_not_found"
	CodeBackendFailed     = "backend_failed"
	CodeIOFailed          = "io_failed"
	CodeUploadTooLarge    = "upload_too_large"
)

// ErrUploadTooLarge 由请求层的限长 reader 返回，Accept 据此归类为 KindTooLarge。
var ErrUploadTooLarge = errors.New("upload exceeds the request body limit")

// Error 是 pack 包返回的错误类型。
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// KindOf 返回 err 链中第一个 *Error 的 Kind，找不到时为 KindUnknown。
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// CodeOf 返回 err 对应的错误码，未分类的错误统一视为 io_failed。
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	return CodeIOFailed
}
