package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sovpdf/swcache/internal/cache"
)

// Fetcher 是网络回源能力。任何 HTTP 状态都算成功，只有请求无法完成时返回 error。
type Fetcher interface {
	Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error)
}

// ErrInstallFailed 包装安装批次中的任一失败。
var ErrInstallFailed = errors.New("install failed")

// Source 标注一次拦截的结局。
type Source string

const (
	// SourcePassthrough 表示请求不归拦截器处理，交由默认网络流程。
	SourcePassthrough Source = "passthrough"
	// SourceCache 表示命中缓存，未产生网络请求。
	SourceCache Source = "cache"
	// SourceNetwork 表示缓存未命中，响应来自网络。
	SourceNetwork Source = "network"
	// SourceUnhandled 表示未命中且网络失败，没有产生响应。
	SourceUnhandled Source = "unhandled"
)

// FetchResult 是拦截器的输出。Response 仅在 SourceCache/SourceNetwork 时非空。
type FetchResult struct {
	Response *cache.Response
	Source   Source
	// Stored 表示已为该响应安排了后台写缓存。
	Stored bool
	// Err 记录 SourceUnhandled 时的网络错误。
	Err error
}

// Handled 返回拦截器是否产出了响应。
func (r FetchResult) Handled() bool {
	return r.Response != nil
}

// Background 安排一个与响应返回解耦的后台任务（缓存写入）。
type Background func(task func(ctx context.Context))

// Install 打开 name 对应的缓存桶并批量预取 manifest：
// 全部资源并发回源，任一失败（网络错误或非 2xx）则整批不写入并返回 ErrInstallFailed。
func Install(ctx context.Context, storage cache.Storage, fetcher Fetcher, name string, manifest Manifest) error {
	bucket, err := storage.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrInstallFailed, name, err)
	}

	requests := manifest.requests()
	responses := make([]*cache.Response, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		g.Go(func() error {
			resp, err := fetcher.Fetch(gctx, req)
			if err != nil {
				return err
			}
			responses[i] = resp
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", req.URLString(), resp.Status)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeResponses(responses)
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	entries := make([]cache.Entry, len(requests))
	for i := range requests {
		entries[i] = cache.Entry{Request: requests[i], Response: responses[i]}
	}
	if err := bucket.PutAll(ctx, entries); err != nil {
		closeResponses(responses)
		return fmt.Errorf("%w: store: %v", ErrInstallFailed, err)
	}
	return nil
}

// ActivateReport 汇总激活阶段清理的旧缓存桶。
type ActivateReport struct {
	Deleted []string
	Failed  map[string]error
}

// Activate 删除所有名称不等于 current 的缓存桶。删除互不依赖、并发进行，
// 全部结束后才返回；失败只记录日志，不向调用方传播。
func Activate(ctx context.Context, storage cache.Storage, current string, log *logrus.Entry) ActivateReport {
	report := ActivateReport{Failed: map[string]error{}}

	names, err := storage.Keys(ctx)
	if err != nil {
		log.WithError(err).Warn("cache_keys_failed")
		return report
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range names {
		if name == current {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := storage.Delete(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[name] = err
				log.WithError(err).WithField("stale_cache", name).Warn("cache_delete_failed")
				return
			}
			report.Deleted = append(report.Deleted, name)
		}()
	}
	wg.Wait()
	sort.Strings(report.Deleted)
	return report
}

// Fetch 对单个请求执行"缓存优先、网络兜底、写穿"策略：
//
//	Incoming → CacheLookup → {CacheHit → Respond, CacheMiss → NetworkFetch → {Success → [CacheWrite →] Respond, Failure → Unhandled}}
//
// 缓存写入通过 bg 异步执行，调用方拿到响应时写入未必完成。
func Fetch(
	ctx context.Context,
	storage cache.Storage,
	fetcher Fetcher,
	name string,
	policy OriginPolicy,
	req *cache.Request,
	bg Background,
	log *logrus.Entry,
) FetchResult {
	if !policy.Applies(req) {
		return FetchResult{Source: SourcePassthrough}
	}

	bucket, err := storage.Open(ctx, name)
	if err != nil {
		log.WithError(err).Warn("cache_open_failed")
	} else {
		cached, err := bucket.Match(ctx, req)
		switch {
		case err == nil:
			return FetchResult{Response: cached, Source: SourceCache}
		case errors.Is(err, cache.ErrNotFound):
			// miss, continue
		default:
			log.WithError(err).WithField("url", req.URLString()).Warn("cache_match_failed")
		}
	}

	resp, err := fetcher.Fetch(ctx, req)
	if err != nil {
		log.WithError(err).WithField("url", req.URLString()).Info("fetch_failed_offline")
		return FetchResult{Source: SourceUnhandled, Err: err}
	}

	if !shouldStore(policy, req, resp) || bucket == nil {
		return FetchResult{Response: resp, Source: SourceNetwork}
	}

	toCache, err := resp.Clone()
	if err != nil {
		// 正文在复制途中断开，等同于网络失败。
		log.WithError(err).WithField("url", req.URLString()).Warn("response_clone_failed")
		return FetchResult{Source: SourceUnhandled, Err: err}
	}
	// 写入晚于请求返回，不能再引用调用方持有的内存。
	stored := req.Clone()
	bg(func(ctx context.Context) {
		if err := bucket.Put(ctx, stored, toCache); err != nil {
			log.WithError(err).WithField("url", stored.URLString()).Warn("cache_put_failed")
		}
	})
	return FetchResult{Response: resp, Source: SourceNetwork, Stored: true}
}

// shouldStore 同源仅缓存 200 + basic；放行前缀下的响应无法检查，一律缓存。
// 非 GET 请求写入必然被存储拒绝，直接跳过。
func shouldStore(policy OriginPolicy, req *cache.Request, resp *cache.Response) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if resp.Status == 200 && resp.Type == cache.ResponseTypeBasic {
		return true
	}
	return policy.IsThirdParty(req)
}

func closeResponses(responses []*cache.Response) {
	for _, resp := range responses {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
	}
}
