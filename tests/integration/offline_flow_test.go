package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/sovpdf/swcache/internal/cache"
	"github.com/sovpdf/swcache/internal/config"
	"github.com/sovpdf/swcache/internal/network"
	"github.com/sovpdf/swcache/internal/offline"
	"github.com/sovpdf/swcache/internal/proxy"
	"github.com/sovpdf/swcache/internal/server"
	"github.com/sovpdf/swcache/internal/server/routes"
)

// harness 按 main 的装配顺序搭建一套完整服务：磁盘缓存 → fetcher → 注册 → Fiber。
type harness struct {
	app          *fiber.App
	storage      cache.Storage
	registration *offline.Registration
	scope        *url.URL
	newWorker    routes.WorkerFactory
}

type harnessOptions struct {
	site       *siteStub
	storageDir string
	cacheName  string
	locators   []string
	prefixes   []string
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	cfg := &config.Config{Global: config.GlobalConfig{
		ListenPort:      5000,
		StoragePath:     opts.storageDir,
		CacheBackend:    config.BackendDisk,
		CacheCompress:   true,
		Scope:           opts.site.URL + "/",
		SecurityHeaders: true,
	}}
	scope, err := cfg.ScopeURL()
	if err != nil {
		t.Fatalf("scope error: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	storage, err := cache.NewDiskStorage(cfg.Global.StoragePath, cache.DiskOptions{Compress: cfg.Global.CacheCompress})
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	fetcher := network.NewFetcher(network.NewUpstreamClient(cfg), scope)
	registration := offline.NewRegistration(logger)

	factory := func() (*offline.Worker, error) {
		manifest, err := offline.NewManifest(scope, opts.locators)
		if err != nil {
			return nil, err
		}
		return offline.NewWorker(offline.Options{
			CacheName: opts.cacheName,
			Manifest:  manifest,
			Policy:    offline.NewOriginPolicy(scope, opts.prefixes...),
			Storage:   storage,
			Fetcher:   fetcher,
			Logger:    logger,
		})
	}

	handler := proxy.NewHandler(registration, fetcher, scope, offline.NewOriginPolicy(scope, opts.prefixes...), logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:          logger,
		Proxy:           proxy.NewForwarder(handler, logger),
		ListenPort:      cfg.Global.ListenPort,
		SecurityHeaders: cfg.Global.SecurityHeaders,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterCacheRoutes(app, storage)
	routes.RegisterLifecycleRoutes(app, registration, factory)

	return &harness{
		app:          app,
		storage:      storage,
		registration: registration,
		scope:        scope,
		newWorker:    factory,
	}
}

func (h *harness) register(t *testing.T) error {
	t.Helper()
	w, err := h.newWorker()
	if err != nil {
		t.Fatalf("worker error: %v", err)
	}
	return h.registration.Register(context.Background(), w)
}

func (h *harness) get(t *testing.T, target string) (*http.Response, string) {
	t.Helper()
	resp, err := h.app.Test(httptest.NewRequest("GET", target, nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(body)
}

func TestInstallThenServeOffline(t *testing.T) {
	site := newSiteStub(t)
	site.Set("/", http.StatusOK, "text/html", "<html>root</html>")
	site.Set("/index.html", http.StatusOK, "text/html", "<html>index</html>")
	site.Set("/main.py", http.StatusOK, "text/x-python", "print('hi')")

	h := newHarness(t, harnessOptions{
		site:       site,
		storageDir: t.TempDir(),
		cacheName:  "app-cache-v1",
		locators:   []string{"./", "./index.html", "./main.py"},
	})
	if err := h.register(t); err != nil {
		t.Fatalf("register error: %v", err)
	}
	installHits := site.Hits("/index.html")

	resp, body := h.get(t, "http://localhost:5000/index.html")
	if resp.StatusCode != fiber.StatusOK || body != "<html>index</html>" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get(proxy.SourceHeader) != "cache" {
		t.Fatalf("expected cache source, got %s", resp.Header.Get(proxy.SourceHeader))
	}
	if resp.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("cached content type lost: %s", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Cross-Origin-Embedder-Policy") != "require-corp" {
		t.Fatalf("expected isolation headers on intercepted responses")
	}
	if site.Hits("/index.html") != installHits {
		t.Fatalf("cache hit must not reach the network")
	}

	site.Close()

	resp, body = h.get(t, "http://localhost:5000/main.py")
	if resp.StatusCode != fiber.StatusOK || body != "print('hi')" {
		t.Fatalf("offline cache hit failed: %d %q", resp.StatusCode, body)
	}
	resp, body = h.get(t, "http://localhost:5000/never-seen.js")
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("offline miss should be 502, got %d %q", resp.StatusCode, body)
	}
}

func TestMissWritesThroughAndSkipsNotFound(t *testing.T) {
	site := newSiteStub(t)
	site.Set("/index.html", http.StatusOK, "text/html", "<html>")
	site.Set("/page.css", http.StatusOK, "text/css", "body{}")

	h := newHarness(t, harnessOptions{
		site:       site,
		storageDir: t.TempDir(),
		cacheName:  "app-cache-v2",
		locators:   []string{"./index.html"},
	})
	if err := h.register(t); err != nil {
		t.Fatalf("register error: %v", err)
	}

	resp, body := h.get(t, "http://localhost:5000/page.css")
	if resp.Header.Get(proxy.SourceHeader) != "network" || body != "body{}" {
		t.Fatalf("expected network response, got %s %q", resp.Header.Get(proxy.SourceHeader), body)
	}
	for i := 0; i < 2; i++ {
		resp, _ = h.get(t, "http://localhost:5000/missing.png")
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("expected 404 passthrough, got %d", resp.StatusCode)
		}
	}
	h.registration.Settle()

	if site.Hits("/missing.png") != 2 {
		t.Fatalf("404 responses must not be cached, got %d hits", site.Hits("/missing.png"))
	}

	site.Close()
	resp, body = h.get(t, "http://localhost:5000/page.css")
	if resp.Header.Get(proxy.SourceHeader) != "cache" || body != "body{}" {
		t.Fatalf("write-through entry should serve offline, got %s %q", resp.Header.Get(proxy.SourceHeader), body)
	}

	var detail struct {
		Entries []struct {
			URL string `json:"url"`
		} `json:"entries"`
	}
	resp, body = h.get(t, "http://localhost:5000/-/caches/app-cache-v2")
	if err := json.Unmarshal([]byte(body), &detail); err != nil {
		t.Fatalf("decode caches: %v", err)
	}
	if len(detail.Entries) != 2 {
		t.Fatalf("expected manifest entry plus write-through entry, got %+v", detail.Entries)
	}
}

func TestUpgradeRemovesStaleBucketFromDisk(t *testing.T) {
	site := newSiteStub(t)
	site.Set("/index.html", http.StatusOK, "text/html", "v1")
	storageDir := t.TempDir()

	v1 := newHarness(t, harnessOptions{site: site, storageDir: storageDir, cacheName: "app-cache-v1", locators: []string{"./index.html"}})
	if err := v1.register(t); err != nil {
		t.Fatalf("register v1: %v", err)
	}

	site.Set("/index.html", http.StatusOK, "text/html", "v2")
	v2 := newHarness(t, harnessOptions{site: site, storageDir: storageDir, cacheName: "app-cache-v2", locators: []string{"./index.html"}})
	if err := v2.register(t); err != nil {
		t.Fatalf("register v2: %v", err)
	}

	names, err := v2.storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(names) != 1 || names[0] != "app-cache-v2" {
		t.Fatalf("only app-cache-v2 should survive, got %v", names)
	}
	entries, _ := os.ReadDir(storageDir)
	if len(entries) != 1 {
		t.Fatalf("stale bucket directory should be removed, got %d entries", len(entries))
	}

	_, body := v2.get(t, "http://localhost:5000/index.html")
	if body != "v2" {
		t.Fatalf("expected v2 content, got %q", body)
	}
}

func TestRestartOfflineResumesFromDisk(t *testing.T) {
	site := newSiteStub(t)
	site.Set("/index.html", http.StatusOK, "text/html", "<html>persisted</html>")
	storageDir := t.TempDir()
	opts := harnessOptions{site: site, storageDir: storageDir, cacheName: offline.CacheName, locators: []string{"./index.html"}}

	first := newHarness(t, opts)
	if err := first.register(t); err != nil {
		t.Fatalf("register error: %v", err)
	}
	site.Close()

	restarted := newHarness(t, opts)
	if err := restarted.register(t); err == nil {
		t.Fatalf("offline install should fail")
	}
	w, _ := restarted.newWorker()
	if err := restarted.registration.Resume(context.Background(), w); err != nil {
		t.Fatalf("resume error: %v", err)
	}

	resp, body := restarted.get(t, "http://localhost:5000/index.html")
	if resp.StatusCode != fiber.StatusOK || body != "<html>persisted</html>" {
		t.Fatalf("resumed worker should serve from disk, got %d %q", resp.StatusCode, body)
	}
}

func TestThirdPartyPrefixCachedOtherOriginsRefused(t *testing.T) {
	site := newSiteStub(t)
	site.Set("/index.html", http.StatusOK, "text/html", "<html>")
	cdn := newSiteStub(t)
	cdn.Set("/releases/core.js", http.StatusOK, "text/javascript", "core")
	other := newSiteStub(t)
	other.Set("/lib.js", http.StatusOK, "text/javascript", "lib")

	h := newHarness(t, harnessOptions{
		site:       site,
		storageDir: t.TempDir(),
		cacheName:  "app-cache-v1",
		locators:   []string{"./index.html", cdn.URL + "/releases/core.js"},
		prefixes:   []string{cdn.URL + "/releases/"},
	})
	if err := h.register(t); err != nil {
		t.Fatalf("register error: %v", err)
	}

	resp, body := h.get(t, "http://localhost:5000/-/fetch?url="+url.QueryEscape(cdn.URL+"/releases/core.js"))
	if resp.Header.Get(proxy.SourceHeader) != "cache" || body != "core" {
		t.Fatalf("third-party manifest entry should be cached, got %s %q", resp.Header.Get(proxy.SourceHeader), body)
	}

	resp, body = h.get(t, "http://localhost:5000/-/fetch?url="+url.QueryEscape(other.URL+"/lib.js"))
	if resp.StatusCode != http.StatusForbidden || !strings.Contains(body, "target_not_allowed") {
		t.Fatalf("foreign origin should be refused, got %d %q", resp.StatusCode, body)
	}
	h.registration.Settle()
	if other.Hits("/lib.js") != 0 {
		t.Fatalf("refused targets must never reach the network, got %d hits", other.Hits("/lib.js"))
	}
}

func TestLifecycleEndpointReportsActiveWorker(t *testing.T) {
	site := newSiteStub(t)
	site.Set("/index.html", http.StatusOK, "text/html", "<html>")
	h := newHarness(t, harnessOptions{site: site, storageDir: t.TempDir(), cacheName: "app-cache-v1", locators: []string{"./index.html"}})

	var status offline.Status
	_, body := h.get(t, "http://localhost:5000/-/lifecycle")
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		t.Fatalf("decode lifecycle: %v", err)
	}
	if status.Active != nil || status.Controlled {
		t.Fatalf("no worker should be active before registration: %+v", status)
	}

	// 未注册时请求直接放行。
	resp, _ := h.get(t, "http://localhost:5000/index.html")
	if resp.Header.Get(proxy.SourceHeader) != "passthrough" {
		t.Fatalf("uncontrolled requests should pass through, got %s", resp.Header.Get(proxy.SourceHeader))
	}

	if err := h.register(t); err != nil {
		t.Fatalf("register error: %v", err)
	}
	_, body = h.get(t, "http://localhost:5000/-/lifecycle")
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		t.Fatalf("decode lifecycle: %v", err)
	}
	if status.Active == nil || status.Active.State != offline.StateActivated || status.Active.Resources != 1 {
		t.Fatalf("unexpected lifecycle status: %+v", status)
	}
}
