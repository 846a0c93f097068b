package offline

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/sovpdf/swcache/internal/cache"
	"github.com/sovpdf/swcache/internal/logging"
)

func TestRegistrationWithoutControllerPassesThrough(t *testing.T) {
	reg := NewRegistration(logging.Discard())

	result := reg.Dispatch(context.Background(), mustRequest(t, http.MethodGet, "http://app.local/index.html"))
	if result.Source != SourcePassthrough {
		t.Fatalf("expected passthrough without controller, got %s", result.Source)
	}
	if status := reg.Snapshot(); status.Active != nil || status.Controlled {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestRegistrationUpgradeReplacesBucket(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	fetcher := newStubFetcher()
	fetcher.serve("http://app.local/index.html", 200, cache.ResponseTypeBasic, "v1")
	reg := NewRegistration(logging.Discard())

	v1 := newTestWorker(t, storage, fetcher, "app-cache-v1", mustManifest(t, "/index.html"))
	if err := reg.Register(ctx, v1); err != nil {
		t.Fatalf("register v1: %v", err)
	}

	fetcher.serve("http://app.local/index.html", 200, cache.ResponseTypeBasic, "v2")
	v2 := newTestWorker(t, storage, fetcher, "app-cache-v2", mustManifest(t, "/index.html"))
	if err := reg.Register(ctx, v2); err != nil {
		t.Fatalf("register v2: %v", err)
	}

	names, _ := storage.Keys(ctx)
	if len(names) != 1 || names[0] != "app-cache-v2" {
		t.Fatalf("only app-cache-v2 should survive, got %v", names)
	}
	if v1.State() != StateRedundant || v2.State() != StateActivated {
		t.Fatalf("unexpected states v1=%s v2=%s", v1.State(), v2.State())
	}

	result := reg.Dispatch(ctx, mustRequest(t, http.MethodGet, "http://app.local/index.html"))
	if result.Source != SourceCache {
		t.Fatalf("expected cache hit from v2, got %s", result.Source)
	}
	if body, _ := result.Response.ReadAll(); string(body) != "v2" {
		t.Fatalf("expected v2 body, got %q", body)
	}

	status := reg.Snapshot()
	if status.Active == nil || status.Active.CacheName != "app-cache-v2" || !status.Controlled {
		t.Fatalf("unexpected snapshot: %+v", status)
	}
}

func TestRegistrationFailedInstallKeepsController(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	fetcher := newStubFetcher()
	fetcher.serve("http://app.local/index.html", 200, cache.ResponseTypeBasic, "v1")
	reg := NewRegistration(logging.Discard())

	v1 := newTestWorker(t, storage, fetcher, "app-cache-v1", mustManifest(t, "/index.html"))
	if err := reg.Register(ctx, v1); err != nil {
		t.Fatalf("register v1: %v", err)
	}

	v2 := newTestWorker(t, storage, fetcher, "app-cache-v2", mustManifest(t, "/index.html", "/missing.js"))
	if err := reg.Register(ctx, v2); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected install failure, got %v", err)
	}

	if reg.Active() != v1 {
		t.Fatalf("previous worker should stay active")
	}
	if got := bucketURLs(t, storage, "app-cache-v2"); len(got) != 0 {
		t.Fatalf("failed install must leave no entries, got %v", got)
	}
	if got := bucketURLs(t, storage, "app-cache-v1"); len(got) != 1 {
		t.Fatalf("previous bucket should be untouched, got %v", got)
	}
	result := reg.Dispatch(ctx, mustRequest(t, http.MethodGet, "http://app.local/index.html"))
	if result.Source != SourceCache {
		t.Fatalf("v1 should keep serving from cache, got %s", result.Source)
	}
}

func TestRegistrationResumeServesOffline(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	online := newStubFetcher()
	online.serve("http://app.local/index.html", 200, cache.ResponseTypeBasic, "<html>")

	first := NewRegistration(logging.Discard())
	if err := first.Register(ctx, newTestWorker(t, storage, online, CacheName, mustManifest(t, "/index.html"))); err != nil {
		t.Fatalf("initial register: %v", err)
	}

	// 重启后离线：安装失败，但已有缓存可用。
	offline := newStubFetcher()
	reg := NewRegistration(logging.Discard())
	w := newTestWorker(t, storage, offline, CacheName, mustManifest(t, "/index.html"))
	if err := reg.Register(ctx, w); err == nil {
		t.Fatalf("offline install should fail")
	}
	if err := reg.Resume(ctx, w); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if w.State() != StateActivated {
		t.Fatalf("resumed worker should be activated, got %s", w.State())
	}

	result := reg.Dispatch(ctx, mustRequest(t, http.MethodGet, "http://app.local/index.html"))
	if result.Source != SourceCache {
		t.Fatalf("expected offline cache hit, got %s", result.Source)
	}
	if miss := reg.Dispatch(ctx, mustRequest(t, http.MethodGet, "http://app.local/other.js")); miss.Source != SourceUnhandled {
		t.Fatalf("expected unhandled offline miss, got %s", miss.Source)
	}
}

func TestRegistrationResumeRequiresEntries(t *testing.T) {
	reg := NewRegistration(logging.Discard())
	w := newTestWorker(t, cache.NewMemoryStorage(), newStubFetcher(), CacheName, mustManifest(t, "/index.html"))

	if err := reg.Resume(context.Background(), w); !errors.Is(err, ErrNothingToResume) {
		t.Fatalf("expected ErrNothingToResume, got %v", err)
	}
	if reg.Active() != nil {
		t.Fatalf("nothing should be active")
	}
}
