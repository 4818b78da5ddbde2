package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 兼容纯秒整数与 Go Duration 字符串两种写法。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别 "30s"、"5m" 或纯数字秒值。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if seconds, err := strconv.ParseInt(raw, 0, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// 支持的缓存后端。
const (
	BackendMemory = "memory"
	BackendFS     = "fs"
	BackendBolt   = "bbolt"
	BackendRedis  = "redis"
	BackendS3     = "s3"
	BackendSQLite = "sqlite"
)

// GlobalConfig 描述进程级参数：监听端口、日志、源站以及缓存版本。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// Origin 是被代理的源站，同时作为 agent 的 scope。
	Origin       string   `mapstructure:"Origin"`
	CacheVersion string   `mapstructure:"CacheVersion"`
	SeedPaths    []string `mapstructure:"SeedPaths"`

	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	DNSCacheRefresh Duration `mapstructure:"DNSCacheRefresh"`
	ShutdownTimeout Duration `mapstructure:"ShutdownTimeout"`

	// ClientIdleTimeout 之后未再出现的客户端会被遗忘，0 表示不清理。
	ClientIdleTimeout Duration `mapstructure:"ClientIdleTimeout"`

	TracingEndpoint   string  `mapstructure:"TracingEndpoint"`
	TracingSampleRate float64 `mapstructure:"TracingSampleRate"`
}

// StorageConfig 选择缓存桶的持久化后端。
type StorageConfig struct {
	Backend string `mapstructure:"Backend"`
	// Path 用于 fs / bbolt / sqlite。
	Path string `mapstructure:"Path"`

	RedisAddr     string `mapstructure:"RedisAddr"`
	RedisPassword string `mapstructure:"RedisPassword"`
	RedisDB       int    `mapstructure:"RedisDB"`
	RedisPrefix   string `mapstructure:"RedisPrefix"`

	S3Bucket    string `mapstructure:"S3Bucket"`
	S3Region    string `mapstructure:"S3Region"`
	S3Endpoint  string `mapstructure:"S3Endpoint"`
	S3Prefix    string `mapstructure:"S3Prefix"`
	S3AccessKey string `mapstructure:"S3AccessKey"`
	S3SecretKey string `mapstructure:"S3SecretKey"`
	S3PathStyle bool   `mapstructure:"S3PathStyle"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig  `mapstructure:",squash"`
	Storage StorageConfig `mapstructure:"Storage"`
}

// HasStaticCredentials 表示 S3 是否使用配置中的静态密钥。
func (s StorageConfig) HasStaticCredentials() bool {
	return s.S3AccessKey != "" && s.S3SecretKey != ""
}

// AuthMode 输出 `static` 或 `default-chain`，仅对 s3 后端有意义。
func (s StorageConfig) AuthMode() string {
	if s.HasStaticCredentials() {
		return "static"
	}
	return "default-chain"
}

// ScopeURL 解析 Origin，返回以 "/" 结尾的 scope。
func (c *Config) ScopeURL() (*url.URL, error) {
	u, err := url.Parse(c.Global.Origin)
	if err != nil {
		return nil, err
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}
