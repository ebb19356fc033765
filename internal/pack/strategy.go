package pack

import (
	"github.com/docker/go-units"
)

// Strategy 决定如何把缓存文件上传到远端。
type Strategy string

const (
	// StrategySmall 以单个请求上传。
	StrategySmall Strategy = "small"
	// StrategyLarge 以分段并发方式上传。
	StrategyLarge Strategy = "large"
)

// DefaultLargeFileThreshold 是切换到分段上传的大小阈值。
const DefaultLargeFileThreshold = 100 * units.MiB

// DefaultPartConcurrency 是单个 large 上传同时进行的分段数。
const DefaultPartConcurrency = 4

// SelectStrategy 小于 threshold 的文件走 small，其余走 large；threshold 非正数时使用默认值。
func SelectStrategy(size, threshold int64) Strategy {
	if threshold <= 0 {
		threshold = DefaultLargeFileThreshold
	}
	if size < threshold {
		return StrategySmall
	}
	return StrategyLarge
}
