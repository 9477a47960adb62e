package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 写入临时 TOML，省略 StoragePath 时指向 t.TempDir()。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if !strings.Contains(content, "StoragePath") {
		content = "StoragePath = \"" + filepath.ToSlash(filepath.Join(dir, "storage")) + "\"\n" + content
	}
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// validConfig 返回一份可通过 Validate 的最小配置，用例在其上做局部修改。
func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:        5000,
			StoragePath:       "./data",
			MaxCacheSize:      1 << 20,
			MaxDictionarySize: 1 << 10,
			LowWaterMarkRatio: 0.9,
			CleanupInterval:   Duration(time.Minute),
			UpstreamTimeout:   Duration(time.Second),
		},
		Sites: []SiteConfig{
			{
				Name:         "app",
				Domain:       "app.local",
				TopFrameSite: "https://app.local",
			},
		},
	}
}
