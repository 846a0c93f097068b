package offline

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sovpdf/swcache/internal/cache"
)

// CacheName 是当前版本的缓存桶名。改名是唯一的失效手段，激活时其余桶都会被删除。
const CacheName = "sovpdf-cache-v1"

// ThirdPartyPrefix 是唯一放行的跨域前缀（PyScript 运行时所在 CDN）。
const ThirdPartyPrefix = "https://pyscript.net/"

// Resources 是安装阶段预取的资源清单：相对路径按应用 scope 解析，外加 CDN 绝对地址。
var Resources = []string{
	"./",
	"./index.html",
	"./manifest.json",
	"./main.py",
	"./bulma.min.css",
	"./font-awesome/css/font-awesome.min.css",
	"./font-awesome/fonts/fontawesome-webfont.woff",
	"./font-awesome/fonts/fontawesome-webfont.woff2",
	"./icons/icon-48x48.png",
	"./icons/icon-72x72.png",
	"./icons/icon-96x96.png",
	"./icons/icon-128x128.png",
	"./icons/icon-144x144.png",
	"./icons/icon-152x152.png",
	"./icons/icon-192x192.png",
	"./icons/icon-256x256.png",
	"./icons/icon-384x384.png",
	"./icons/icon-512x512.png",
	ThirdPartyPrefix + "releases/2025.3.1/core.css",
	ThirdPartyPrefix + "releases/2025.3.1/core.js",
}

// ErrDuplicateResource 表示清单解析后出现重复地址。
var ErrDuplicateResource = errors.New("duplicate manifest resource")

// Manifest 是解析完成、顺序固定的资源地址列表。
type Manifest struct {
	urls []*url.URL
}

// NewManifest 以 scope 为基准解析 locators。
func NewManifest(scope *url.URL, locators []string) (Manifest, error) {
	if scope == nil || !scope.IsAbs() {
		return Manifest{}, errors.New("absolute scope required")
	}
	seen := make(map[string]struct{}, len(locators))
	urls := make([]*url.URL, 0, len(locators))
	for _, raw := range locators {
		ref, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return Manifest{}, fmt.Errorf("parse manifest entry %q: %w", raw, err)
		}
		resolved := scope.ResolveReference(ref)
		resolved.Fragment = ""
		resolved.RawFragment = ""
		key := resolved.String()
		if _, dup := seen[key]; dup {
			return Manifest{}, fmt.Errorf("%w: %s", ErrDuplicateResource, key)
		}
		seen[key] = struct{}{}
		urls = append(urls, resolved)
	}
	return Manifest{urls: urls}, nil
}

// Len 返回清单条目数。
func (m Manifest) Len() int {
	return len(m.urls)
}

// URLs 返回清单地址的字符串形式，顺序与声明一致。
func (m Manifest) URLs() []string {
	result := make([]string, len(m.urls))
	for i, u := range m.urls {
		result[i] = u.String()
	}
	return result
}

// requests 为每个条目构造新的 GET 请求。
func (m Manifest) requests() []*cache.Request {
	result := make([]*cache.Request, len(m.urls))
	for i, u := range m.urls {
		clone := *u
		result[i] = &cache.Request{Method: http.MethodGet, URL: &clone}
	}
	return result
}
