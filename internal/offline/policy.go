package offline

import (
	"net/url"
	"strings"

	"github.com/sovpdf/swcache/internal/cache"
)

// OriginPolicy 决定哪些请求归拦截器处理：与应用同源，或以放行前缀开头。
type OriginPolicy struct {
	Origin   string
	Prefixes []string
}

// NewOriginPolicy 以 scope 的 origin 加上放行前缀构建策略。
func NewOriginPolicy(scope *url.URL, prefixes ...string) OriginPolicy {
	return OriginPolicy{
		Origin:   cache.OriginOf(scope),
		Prefixes: append([]string(nil), prefixes...),
	}
}

// Applies 返回请求是否应被拦截。
func (p OriginPolicy) Applies(req *cache.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if cache.OriginOf(req.URL) == p.Origin {
		return true
	}
	return p.IsThirdParty(req)
}

// IsThirdParty 返回请求 URL 是否以放行前缀开头。
func (p OriginPolicy) IsThirdParty(req *cache.Request) bool {
	if req == nil {
		return false
	}
	raw := req.URLString()
	for _, prefix := range p.Prefixes {
		if prefix != "" && strings.HasPrefix(raw, prefix) {
			return true
		}
	}
	return false
}
