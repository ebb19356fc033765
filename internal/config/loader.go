package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// DefaultPath 是未指定 -config 且未设置环境变量时使用的配置文件。
	DefaultPath = "config.toml"
	// EnvPrefix 是覆盖配置项的环境变量前缀，例如 AXOLOTL_APIKEY、AXOLOTL_REMOTE_BUCKET。
	EnvPrefix = "AXOLOTL"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析存储目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

// loadDotEnv 加载配置文件旁的 .env，已存在的环境变量优先。
func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("读取 .env 失败: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenHost", "0.0.0.0")
	v.SetDefault("ListenPort", 8080)
	v.SetDefault("APIKey", "")
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CachePeriod", 86400)
	v.SetDefault("JanitorInterval", "5s")
	v.SetDefault("MaxUploadSize", 2*units.GiB)
	v.SetDefault("WorkerPoolSize", 10)

	v.SetDefault("Remote.Driver", DriverS3)
	v.SetDefault("Remote.Endpoint", "")
	v.SetDefault("Remote.Region", "us-west-004")
	v.SetDefault("Remote.Bucket", "")
	v.SetDefault("Remote.KeyID", "")
	v.SetDefault("Remote.AppKey", "")
	v.SetDefault("Remote.ForcePathStyle", false)
	v.SetDefault("Remote.PackPrefix", "packs/")
	v.SetDefault("Remote.ModFolderName", "modfolder.zip")
	v.SetDefault("Remote.LargeFileThreshold", 100*units.MiB)
	v.SetDefault("Remote.PartSize", 16*units.MiB)
	v.SetDefault("Remote.PartConcurrency", 4)
	v.SetDefault("Remote.Timeout", "30s")
	v.SetDefault("Remote.MaxRetries", 3)
}

func applyDefaults(cfg *Config) {
	g := &cfg.Global
	if g.ListenPort == 0 {
		g.ListenPort = 8080
	}
	if g.CachePeriod.DurationValue() == 0 {
		g.CachePeriod = Duration(24 * time.Hour)
	}
	if g.JanitorInterval.DurationValue() == 0 {
		g.JanitorInterval = Duration(5 * time.Second)
	}
	g.LogLevel = strings.ToLower(strings.TrimSpace(g.LogLevel))

	r := &cfg.Remote
	r.Driver = strings.ToLower(strings.TrimSpace(r.Driver))
	if r.Timeout.DurationValue() == 0 {
		r.Timeout = Duration(30 * time.Second)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// defaultTemplate 是 -init-config 写出的初始配置。
const defaultTemplate = `# axolotl-bucket configuration
ListenHost = "0.0.0.0"
ListenPort = 8080
# 客户端需在 X-API-Key 头中携带此值，也可通过 AXOLOTL_APIKEY 设置
APIKey = "change-me"

LogLevel = "info"
LogFilePath = ""
LogMaxSize = 100
LogMaxBackups = 10
LogCompress = true

StoragePath = "./storage"
# 缓存周期，支持秒数或 "24h" 这样的写法
CachePeriod = 86400
JanitorInterval = "5s"
MaxUploadSize = 2147483648
WorkerPoolSize = 10

[Remote]
Driver = "s3"
Endpoint = "https://s3.us-west-004.backblazeb2.com"
Region = "us-west-004"
Bucket = ""
KeyID = ""
AppKey = ""
ForcePathStyle = false
PackPrefix = "packs/"
ModFolderName = "modfolder.zip"
LargeFileThreshold = 104857600
PartSize = 16777216
PartConcurrency = 4
Timeout = "30s"
MaxRetries = 3
`

// WriteDefault 在 path 处写出默认配置，文件已存在时返回 fs.ErrExist。
func WriteDefault(path string) error {
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(defaultTemplate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
