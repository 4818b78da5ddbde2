package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5080 {
		t.Fatalf("ListenPort 应当被解析, got %d", cfg.Global.ListenPort)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("UpstreamTimeout 解析错误: %v", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.DNSCacheRefresh.DurationValue() != 2*time.Minute {
		t.Fatalf("纯数字应按秒解析: %v", cfg.Global.DNSCacheRefresh.DurationValue())
	}
	if cfg.Global.ShutdownTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("ShutdownTimeout 应使用默认值")
	}
	if cfg.Global.ClientIdleTimeout.DurationValue() != 30*time.Minute {
		t.Fatalf("ClientIdleTimeout 应使用默认值 30m, got %v", cfg.Global.ClientIdleTimeout.DurationValue())
	}
	if len(cfg.Global.SeedPaths) != 3 || cfg.Global.SeedPaths[1] != "./app.js" {
		t.Fatalf("SeedPaths 解析错误: %v", cfg.Global.SeedPaths)
	}
	if !filepath.IsAbs(cfg.Storage.Path) {
		t.Fatalf("fs 后端路径应转换为绝对路径: %s", cfg.Storage.Path)
	}
	if cfg.Storage.RedisPrefix != "swcache" {
		t.Fatalf("RedisPrefix 应使用默认值")
	}
}

func TestLoadDefaultsSeedPaths(t *testing.T) {
	path := writeTempConfig(t, minimalConfig("http://localhost:8080", "v1"))
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if len(cfg.Global.SeedPaths) != 1 || cfg.Global.SeedPaths[0] != "./" {
		t.Fatalf("默认 SeedPaths 应为 ./, got %v", cfg.Global.SeedPaths)
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Fatalf("默认后端应为 memory, got %s", cfg.Storage.Backend)
	}
}

func TestValidateRejectsMissingOrigin(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺少 Origin 的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateCacheVersion(t *testing.T) {
	cfg := validConfig()
	cfg.Global.CacheVersion = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("空 CacheVersion 应报错")
	}
	cfg.Global.CacheVersion = "v 2"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("包含空白的 CacheVersion 应报错")
	}
}

func TestValidateOrigin(t *testing.T) {
	for _, origin := range []string{"ftp://example.com", "https://", "https://example.com/?a=1", "example.com"} {
		cfg := validConfig()
		cfg.Global.Origin = origin
		if err := cfg.Validate(); err == nil {
			t.Fatalf("Origin %q 应被拒绝", origin)
		}
	}
}

func TestValidateSeedPaths(t *testing.T) {
	cfg := validConfig()
	cfg.Global.SeedPaths = []string{"./", "https://cdn.example.com/app.js"}
	var fe FieldError
	if err := cfg.Validate(); !errors.As(err, &fe) || fe.Field != "Global.SeedPaths" {
		t.Fatalf("绝对 URL 应被拒绝, got %v", err)
	}
}

func TestValidateStorage(t *testing.T) {
	cases := map[string]func(*StorageConfig){
		"unknown backend": func(s *StorageConfig) { s.Backend = "etcd" },
		"redis addr":      func(s *StorageConfig) { s.Backend = BackendRedis },
		"s3 bucket":       func(s *StorageConfig) { s.Backend = BackendS3 },
		"s3 half credentials": func(s *StorageConfig) {
			s.Backend = BackendS3
			s.S3Bucket = "assets"
			s.S3AccessKey = "AKIA"
		},
		"bbolt path": func(s *StorageConfig) {
			s.Backend = BackendBolt
			s.Path = ""
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg.Storage)
			var fe FieldError
			if err := cfg.Validate(); !errors.As(err, &fe) {
				t.Fatalf("期望 FieldError, got %v", err)
			}
		})
	}
}

func TestScopeURLAddsTrailingSlash(t *testing.T) {
	cfg := validConfig()
	cfg.Global.Origin = "https://app.example.com"
	u, err := cfg.ScopeURL()
	if err != nil {
		t.Fatalf("ScopeURL: %v", err)
	}
	if u.String() != "https://app.example.com/" {
		t.Fatalf("unexpected scope %s", u)
	}
}

func TestStorageAuthMode(t *testing.T) {
	s := StorageConfig{S3AccessKey: "a", S3SecretKey: "b"}
	if s.AuthMode() != "static" {
		t.Fatalf("完整密钥应为 static")
	}
	if (StorageConfig{}).AuthMode() != "default-chain" {
		t.Fatalf("无密钥应回退默认凭证链")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:        5000,
			Origin:            "https://app.example.com/",
			CacheVersion:      "v1",
			SeedPaths:         []string{"./"},
			UpstreamTimeout:   Duration(30 * time.Second),
			TracingSampleRate: 1,
		},
		Storage: StorageConfig{Backend: BackendMemory, Path: "./storage"},
	}
}
