package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if err := validateVersion(g.CacheVersion); err != nil {
		return fmt.Errorf("Global.CacheVersion: %w", err)
	}
	for _, p := range g.SeedPaths {
		if err := validateSeedPath(p); err != nil {
			return newFieldError("Global.SeedPaths", err.Error())
		}
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.DNSCacheRefresh.DurationValue() < 0 {
		return newFieldError("Global.DNSCacheRefresh", "不能为负数")
	}
	if g.ShutdownTimeout.DurationValue() < 0 {
		return newFieldError("Global.ShutdownTimeout", "不能为负数")
	}
	if g.ClientIdleTimeout.DurationValue() < 0 {
		return newFieldError("Global.ClientIdleTimeout", "不能为负数")
	}
	if g.TracingSampleRate < 0 || g.TracingSampleRate > 1 {
		return newFieldError("Global.TracingSampleRate", "必须在 0-1")
	}

	return c.Storage.validate()
}

func (s StorageConfig) validate() error {
	switch s.Backend {
	case BackendMemory:
	case BackendFS, BackendBolt, BackendSQLite:
		if strings.TrimSpace(s.Path) == "" {
			return newFieldError(storageField("Path"), "不能为空")
		}
	case BackendRedis:
		if s.RedisAddr == "" {
			return newFieldError(storageField("RedisAddr"), "不能为空")
		}
		if s.RedisDB < 0 {
			return newFieldError(storageField("RedisDB"), "不能为负数")
		}
	case BackendS3:
		if s.S3Bucket == "" {
			return newFieldError(storageField("S3Bucket"), "不能为空")
		}
		if (s.S3AccessKey == "") != (s.S3SecretKey == "") {
			return newFieldError(storageField("S3AccessKey/S3SecretKey"), "必须同时提供或同时留空")
		}
		if s.S3Endpoint != "" {
			if err := validateOrigin(s.S3Endpoint); err != nil {
				return fmt.Errorf("%s: %w", storageField("S3Endpoint"), err)
			}
		}
	default:
		return newFieldError(storageField("Backend"), "仅支持 memory|fs|bbolt|redis|s3|sqlite")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("不允许包含查询串或片段: %s", raw)
	}
	return nil
}

func validateVersion(version string) error {
	if version == "" {
		return errors.New("不能为空")
	}
	for _, r := range version {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("不允许包含空白或控制字符: %q", version)
		}
	}
	return nil
}

func validateSeedPath(p string) error {
	if strings.TrimSpace(p) == "" {
		return errors.New("不允许空路径")
	}
	ref, err := url.Parse(p)
	if err != nil {
		return fmt.Errorf("无法解析 %q: %v", p, err)
	}
	if ref.IsAbs() {
		return fmt.Errorf("必须是相对路径: %s", p)
	}
	return nil
}
