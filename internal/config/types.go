package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 存储根目录下的固定子目录。
const (
	CacheDirName   = "cache"
	UploadsDirName = "uploads"
)

// 远端驱动。
const (
	DriverS3     = "s3"
	DriverMemory = "memory"
)

// GlobalConfig 描述进程级运行参数。
type GlobalConfig struct {
	ListenHost      string   `mapstructure:"ListenHost"`
	ListenPort      int      `mapstructure:"ListenPort" validate:"min=1,max=65535"`
	APIKey          string   `mapstructure:"APIKey" validate:"required"`
	LogLevel        string   `mapstructure:"LogLevel" validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize" validate:"gte=0"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups" validate:"gte=0"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath" validate:"required"`
	CachePeriod     Duration `mapstructure:"CachePeriod"`
	JanitorInterval Duration `mapstructure:"JanitorInterval"`
	MaxUploadSize   int64    `mapstructure:"MaxUploadSize" validate:"gt=0"`
	WorkerPoolSize  int      `mapstructure:"WorkerPoolSize" validate:"min=1"`
}

// RemoteConfig 描述远端对象存储（B2 S3 兼容接口）。
type RemoteConfig struct {
	Driver             string   `mapstructure:"Driver" validate:"oneof=s3 memory"`
	Endpoint           string   `mapstructure:"Endpoint" validate:"omitempty,url"`
	Region             string   `mapstructure:"Region"`
	Bucket             string   `mapstructure:"Bucket"`
	KeyID              string   `mapstructure:"KeyID"`
	AppKey             string   `mapstructure:"AppKey"`
	ForcePathStyle     bool     `mapstructure:"ForcePathStyle"`
	PackPrefix         string   `mapstructure:"PackPrefix"`
	ModFolderName      string   `mapstructure:"ModFolderName" validate:"required"`
	LargeFileThreshold int64    `mapstructure:"LargeFileThreshold" validate:"gt=0"`
	PartSize           int64    `mapstructure:"PartSize" validate:"gt=0"`
	PartConcurrency    int      `mapstructure:"PartConcurrency" validate:"min=1,max=64"`
	Timeout            Duration `mapstructure:"Timeout"`
	MaxRetries         int      `mapstructure:"MaxRetries" validate:"gte=0"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Remote RemoteConfig `mapstructure:"Remote"`
}

// ListenAddr 返回 Fiber 监听地址。
func (g GlobalConfig) ListenAddr() string {
	return net.JoinHostPort(g.ListenHost, strconv.Itoa(g.ListenPort))
}

// HasCredentials 表示是否配置了完整的远端凭证。
func (r RemoteConfig) HasCredentials() bool {
	return r.KeyID != "" && r.AppKey != ""
}

// AuthMode 输出 `credentialed` 或 `ambient`，供日志字段使用。
func (r RemoteConfig) AuthMode() string {
	if r.HasCredentials() {
		return "credentialed"
	}
	return "ambient"
}
