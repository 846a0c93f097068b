package offline

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/sovpdf/swcache/internal/cache"
	"github.com/sovpdf/swcache/internal/logging"
)

const testScope = "http://app.local/"

// stubFetcher 按 URL 返回预设响应并记录调用次数；未登记的 URL 视为网络失败。
type stubFetcher struct {
	mu     sync.Mutex
	routes map[string]stubRoute
	calls  map[string]int
}

type stubRoute struct {
	status int
	typ    cache.ResponseType
	body   string
}

var errOffline = errors.New("network unreachable")

func newStubFetcher() *stubFetcher {
	return &stubFetcher{routes: map[string]stubRoute{}, calls: map[string]int{}}
}

func (f *stubFetcher) serve(rawURL string, status int, typ cache.ResponseType, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[rawURL] = stubRoute{status: status, typ: typ, body: body}
}

func (f *stubFetcher) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := req.URLString()
	f.mu.Lock()
	f.calls[key]++
	route, ok := f.routes[key]
	f.mu.Unlock()
	if !ok {
		return nil, errOffline
	}
	header := http.Header{"Content-Type": []string{"text/plain"}}
	return cache.NewResponse(route.status, route.typ, key, header, []byte(route.body)), nil
}

func (f *stubFetcher) callCount(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

func (f *stubFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func mustScope(t *testing.T) *url.URL {
	t.Helper()
	scope, err := url.Parse(testScope)
	if err != nil {
		t.Fatalf("parse scope: %v", err)
	}
	return scope
}

func mustManifest(t *testing.T, locators ...string) Manifest {
	t.Helper()
	manifest, err := NewManifest(mustScope(t), locators)
	if err != nil {
		t.Fatalf("build manifest: %v", err)
	}
	return manifest
}

func mustRequest(t *testing.T, method, raw string) *cache.Request {
	t.Helper()
	req, err := cache.NewRequest(method, raw)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func newTestWorker(t *testing.T, storage cache.Storage, fetcher Fetcher, name string, manifest Manifest) *Worker {
	t.Helper()
	w, err := NewWorker(Options{
		CacheName: name,
		Manifest:  manifest,
		Policy:    NewOriginPolicy(mustScope(t), ThirdPartyPrefix),
		Storage:   storage,
		Fetcher:   fetcher,
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

func bucketURLs(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	bucket, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	keys, err := bucket.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys %s: %v", name, err)
	}
	urls := make([]string, len(keys))
	for i, key := range keys {
		urls[i] = key.URLString()
	}
	return urls
}

// recordingHost 记录 worker 发出的宿主信号。
type recordingHost struct {
	skipped bool
	claimed bool
}

func (h *recordingHost) SkipWaiting() { h.skipped = true }
func (h *recordingHost) Claim()       { h.claimed = true }
