package offline

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sovpdf/swcache/internal/cache"
	"github.com/sovpdf/swcache/internal/logging"
)

// State 对应 worker 的生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Host 接收 worker 发出的单向信号，不返回任何结果。
type Host interface {
	// SkipWaiting 请求跳过"等待旧 worker 释放"，安装成功后立即激活。
	SkipWaiting()
	// Claim 请求立即接管所有已打开的页面。
	Claim()
}

// Options 汇总构造 Worker 需要注入的依赖。
type Options struct {
	CacheName string
	Manifest  Manifest
	Policy    OriginPolicy
	Storage   cache.Storage
	Fetcher   Fetcher
	Logger    *logrus.Logger
}

// Worker 绑定一个缓存版本与资源清单，响应 install/activate/fetch 三类事件。
// 缓存存储与网络能力都通过 Options 显式注入。
type Worker struct {
	name     string
	manifest Manifest
	policy   OriginPolicy
	storage  cache.Storage
	fetcher  Fetcher
	log      *logrus.Entry

	mu    sync.RWMutex
	state State

	// pending 统计未完成的后台写入，Settle 可与新写入并发调用。
	pendingMu   sync.Mutex
	pendingDone *sync.Cond
	pending     int
}

// NewWorker 校验依赖并返回处于 parsed 状态的 Worker。
func NewWorker(opts Options) (*Worker, error) {
	if opts.CacheName == "" {
		return nil, errors.New("cache name required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	w := &Worker{
		name:     opts.CacheName,
		manifest: opts.Manifest,
		policy:   opts.Policy,
		storage:  opts.Storage,
		fetcher:  opts.Fetcher,
		log:      logging.Component(opts.Logger, "offline").WithField("cache_name", opts.CacheName),
		state:    StateParsed,
	}
	w.pendingDone = sync.NewCond(&w.pendingMu)
	return w, nil
}

// CacheName 返回 worker 绑定的缓存桶名。
func (w *Worker) CacheName() string {
	return w.name
}

// Manifest 返回 worker 的资源清单。
func (w *Worker) Manifest() Manifest {
	return w.manifest
}

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

// Install 预取清单；成功后通知 host 跳过等待。失败时 worker 变为 redundant。
func (w *Worker) Install(ctx context.Context, host Host) error {
	w.setState(StateInstalling)
	log := w.log.WithFields(logrus.Fields{"phase": "install", "resources": w.manifest.Len()})
	log.Info("caching manifest resources")

	if err := Install(ctx, w.storage, w.fetcher, w.name, w.manifest); err != nil {
		w.setState(StateRedundant)
		log.WithError(err).Error("install_failed")
		return err
	}

	w.setState(StateInstalled)
	log.Info("install_complete")
	if host != nil {
		host.SkipWaiting()
	}
	return nil
}

// Activate 清理旧版本缓存桶后通知 host 接管页面。清理失败不影响激活。
func (w *Worker) Activate(ctx context.Context, host Host) ActivateReport {
	w.setState(StateActivating)
	log := w.log.WithField("phase", "activate")

	report := Activate(ctx, w.storage, w.name, log)
	w.setState(StateActivated)
	log.WithFields(logrus.Fields{
		"deleted": report.Deleted,
		"failed":  len(report.Failed),
	}).Info("activate_complete")

	if host != nil {
		host.Claim()
	}
	return report
}

// HandleFetch 处理一次拦截请求，缓存写入在后台进行并计入 pending。
func (w *Worker) HandleFetch(ctx context.Context, req *cache.Request) FetchResult {
	return Fetch(ctx, w.storage, w.fetcher, w.name, w.policy, req, w.background, w.log)
}

// Settle 等待后台写入计数归零。流量持续时，期间新安排的写入也会被等待。
func (w *Worker) Settle() {
	w.pendingMu.Lock()
	for w.pending > 0 {
		w.pendingDone.Wait()
	}
	w.pendingMu.Unlock()
}

// Pending 返回尚未完成的后台写入数。
func (w *Worker) Pending() int {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	return w.pending
}

// background 让缓存写入脱离请求上下文的取消，响应返回后仍可完成。
func (w *Worker) background(task func(ctx context.Context)) {
	w.pendingMu.Lock()
	w.pending++
	w.pendingMu.Unlock()

	go func() {
		defer func() {
			w.pendingMu.Lock()
			w.pending--
			if w.pending == 0 {
				w.pendingDone.Broadcast()
			}
			w.pendingMu.Unlock()
		}()
		task(context.Background())
	}()
}

// Entries 返回 worker 缓存桶中的全部请求，供诊断接口使用。
func (w *Worker) Entries(ctx context.Context) ([]*cache.Request, error) {
	if ok, err := w.storage.Has(ctx, w.name); err != nil || !ok {
		return nil, err
	}
	bucket, err := w.storage.Open(ctx, w.name)
	if err != nil {
		return nil, err
	}
	return bucket.Keys(ctx)
}
