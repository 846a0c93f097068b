package config

import (
	"errors"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := &c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return invalidValue("Global.ListenPort", "必须在 1-65535", g.ListenPort)
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		return invalidValue("Global.UpstreamTimeout", "不能为负数", g.UpstreamTimeout.DurationValue())
	}

	backend := strings.ToLower(strings.TrimSpace(g.CacheBackend))
	switch backend {
	case BackendDisk:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "disk 后端不能为空")
		}
	case BackendMemory:
	default:
		return invalidValue("Global.CacheBackend", "仅支持 disk/memory", g.CacheBackend)
	}
	g.CacheBackend = backend

	return validateScope(g.Scope)
}

func validateScope(raw string) error {
	const field = "Global.Scope"
	if strings.TrimSpace(raw) == "" {
		return newFieldError(field, "缺少应用地址")
	}
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return FieldError{Field: field, Reason: "无法解析", Cause: err}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return invalidValue(field, "仅支持 http/https", raw)
	}
	if parsed.Host == "" {
		return invalidValue(field, "缺少 Host", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return invalidValue(field, "不允许包含查询串或 fragment", raw)
	}
	return nil
}
