package config

import (
	"fmt"
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

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
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

// GlobalConfig 描述全局运行时行为，所有 Site 共享同一个字典缓存。
type GlobalConfig struct {
	ListenPort        int      `mapstructure:"ListenPort"`
	LogLevel          string   `mapstructure:"LogLevel"`
	LogFilePath       string   `mapstructure:"LogFilePath"`
	LogMaxSize        int      `mapstructure:"LogMaxSize"`
	LogMaxBackups     int      `mapstructure:"LogMaxBackups"`
	LogCompress       bool     `mapstructure:"LogCompress"`
	StoragePath       string   `mapstructure:"StoragePath"`
	MetadataPath      string   `mapstructure:"MetadataPath"`
	MaxCacheSize      int64    `mapstructure:"MaxCacheSize"`
	MaxDictionarySize int64    `mapstructure:"MaxDictionarySize"`
	LowWaterMarkRatio float64  `mapstructure:"LowWaterMarkRatio"`
	CleanupInterval   Duration `mapstructure:"CleanupInterval"`
	UpstreamTimeout   Duration `mapstructure:"UpstreamTimeout"`
}

// SiteConfig 把一个 Host 映射到一个字典分区。
type SiteConfig struct {
	Name   string `mapstructure:"Name"`
	Domain string `mapstructure:"Domain"`
	// TopFrameSite 为空时取 https://<Domain>。
	TopFrameSite string `mapstructure:"TopFrameSite"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// FrameOrigin 返回站点自身的 origin。
func (s SiteConfig) FrameOrigin() string {
	return "https://" + strings.ToLower(s.Domain)
}

// SiteSummaries 返回所有 Site 的摘要，例如 app:app.local，供启动日志使用。
func SiteSummaries(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.Domain)
	}
	return result
}
