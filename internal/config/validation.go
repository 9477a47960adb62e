package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
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
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxCacheSize < 0 {
		return newFieldError("Global.MaxCacheSize", "不能为负数")
	}
	if g.MaxDictionarySize <= 0 {
		return newFieldError("Global.MaxDictionarySize", "必须大于 0")
	}
	if g.MaxCacheSize > 0 && g.MaxDictionarySize > g.MaxCacheSize {
		return newFieldError("Global.MaxDictionarySize", "不能超过 MaxCacheSize")
	}
	if g.LowWaterMarkRatio <= 0 || g.LowWaterMarkRatio > 1 {
		return newFieldError("Global.LowWaterMarkRatio", "必须在 (0, 1] 区间")
	}
	if g.CleanupInterval.DurationValue() <= 0 {
		return newFieldError("Global.CleanupInterval", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return wrapFieldError(siteField(site.Name, "Domain"), err)
		}
		if _, exists := seenDomains[site.Domain]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "重复")
		}
		seenDomains[site.Domain] = struct{}{}

		if site.TopFrameSite != "" {
			if err := validateSite(site.TopFrameSite); err != nil {
				return wrapFieldError(siteField(site.Name, "TopFrameSite"), err)
			}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

// validateSite 要求 TopFrameSite 形如 scheme://host，不带路径。
func validateSite(raw string) error {
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
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("不允许包含路径: %s", raw)
	}
	return nil
}
