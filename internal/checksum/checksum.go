// Package checksum computes the content digests used as cache keys. Packs are
// addressed by the SHA-1 of their bytes rendered as 40 lowercase hex chars,
// which is also what the remote backend records for integrity checks.
package checksum

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
)

// chunkSize 是每次喂给 hash 累加器的读取块大小。
const chunkSize = 32 * 1024

// HexLen 是 SHA-1 十六进制摘要的固定长度。
const HexLen = sha1.Size * 2

// Digest 以固定块读取 r 直到 EOF，返回 SHA-1 十六进制摘要。读取失败时直接返回错误，不产生部分结果。
func Digest(r io.Reader) (string, error) {
	if r == nil {
		return "", errors.New("checksum: nil reader")
	}

	h := sha1.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("checksum: read: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// File 对 fs 中的文件计算摘要。
func File(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("checksum: open %s: %w", path, err)
	}
	defer f.Close()
	return Digest(f)
}

// Valid reports whether s looks like a digest produced by Digest.
func Valid(s string) bool {
	if len(s) != HexLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Normalize 去掉空白并转为小写，便于比对客户端或远端给出的摘要。
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Equal 忽略大小写比较两个摘要。
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
