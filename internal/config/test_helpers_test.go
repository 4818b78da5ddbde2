package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 将内容写入临时目录下的 config.toml。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfigAt(t, path, content)
	return path
}

func writeConfigAt(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
}

// minimalConfig 只包含必填的 Origin 与 CacheVersion。
func minimalConfig(origin, version string) string {
	return fmt.Sprintf("Origin = %q\nCacheVersion = %q\n", origin, version)
}
