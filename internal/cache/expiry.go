package cache

import "time"

// Expiry 根据 TTL 判断条目是否过期，janitor 与 mod folder 请求共用同一套规则。
type Expiry struct {
	ttl time.Duration
	now func() time.Time
}

// NewExpiry 构造过期判断器，默认使用 time.Now 作为时钟。
func NewExpiry(ttl time.Duration) Expiry {
	return Expiry{ttl: ttl, now: time.Now}
}

// WithClock 返回替换时钟后的副本，供测试注入固定时间。
func (e Expiry) WithClock(now func() time.Time) Expiry {
	if now != nil {
		e.now = now
	}
	return e
}

// TTL 返回配置的缓存周期。
func (e Expiry) TTL() time.Duration {
	return e.ttl
}

// ExpiresAt 返回条目的过期时间点。
func (e Expiry) ExpiresAt(entry Entry) time.Time {
	return entry.ModTime.Add(e.ttl)
}

// Expired 在 now >= ModTime + TTL 时返回 true；TTL 非正数时永不过期。
func (e Expiry) Expired(entry Entry) bool {
	if e.ttl <= 0 {
		return false
	}
	now := time.Now
	if e.now != nil {
		now = e.now
	}
	return !now().Before(e.ExpiresAt(entry))
}
