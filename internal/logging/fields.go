package logging

import (
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// PackFields 提供 action/hash 字段，供上传、下载与复制日志复用。
func PackFields(action, hash string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"hash":   hash,
	}
}

// RequestFields 提供请求 ID、路由与命中状态字段，供访问日志复用。
func RequestFields(requestID, method, path string, status int, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"path":       path,
		"status":     status,
		"cache_hit":  cacheHit,
	}
}

// HumanSize 将字节数渲染为 "12.5MB" 这样的可读形式。
func HumanSize(n int64) string {
	return units.HumanSize(float64(n))
}
