package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sovpdf/swcache/internal/cache"
	"github.com/sovpdf/swcache/internal/logging"
)

// ErrNothingToResume 表示缓存桶为空，无法在不安装的情况下恢复 worker。
var ErrNothingToResume = errors.New("no cached entries to resume from")

// Registration 扮演宿主：驱动 worker 的 install → activate 流程，并把 fetch 事件
// 分发给当前控制页面的 worker。没有控制者时所有请求都直接放行。
type Registration struct {
	log *logrus.Entry

	mu         sync.RWMutex
	active     *Worker
	controller *Worker
}

// NewRegistration 创建空的注册表。
func NewRegistration(logger *logrus.Logger) *Registration {
	return &Registration{log: logging.Component(logger, "registration")}
}

// signals 记录单个 worker 发出的宿主信号。
type signals struct {
	skipWaiting atomic.Bool
	claim       atomic.Bool
}

func (s *signals) SkipWaiting() { s.skipWaiting.Store(true) }
func (s *signals) Claim()       { s.claim.Store(true) }

// Register 安装 w；安装失败时保留原有 worker 并返回错误。
// worker 在安装成功后总会请求跳过等待，因此随即激活，不存在等待旧 worker 释放的阶段。
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	if w == nil {
		return errors.New("worker required")
	}
	host := &signals{}
	if err := w.Install(ctx, host); err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"cache_name":   w.CacheName(),
		"skip_waiting": host.skipWaiting.Load(),
	}).Info("worker_installed")
	r.activate(ctx, w, host)
	return nil
}

// Resume 在无法重新安装（例如离线启动）时，直接激活已有缓存的 worker，
// 相当于浏览器重启后恢复持久化的注册。
func (r *Registration) Resume(ctx context.Context, w *Worker) error {
	if w == nil {
		return errors.New("worker required")
	}
	entries, err := w.Entries(ctx)
	if err != nil {
		return fmt.Errorf("inspect cache %s: %w", w.CacheName(), err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: %s", ErrNothingToResume, w.CacheName())
	}
	w.setState(StateInstalled)
	r.log.WithFields(logrus.Fields{
		"cache_name": w.CacheName(),
		"entries":    len(entries),
	}).Warn("worker_resumed_without_install")
	r.activate(ctx, w, &signals{})
	return nil
}

func (r *Registration) activate(ctx context.Context, w *Worker, host *signals) {
	r.mu.Lock()
	previous := r.active
	r.active = w
	r.mu.Unlock()

	if previous != nil && previous != w {
		previous.setState(StateRedundant)
	}

	w.Activate(ctx, host)

	r.mu.Lock()
	// 旧控制者在新 worker claim 之前继续处理请求。
	if host.claim.Load() || r.controller == nil || r.controller == previous {
		r.controller = w
	}
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{
		"cache_name": w.CacheName(),
		"claimed":    host.claim.Load(),
	}).Info("worker_active")
}

// Dispatch 把 fetch 事件交给控制者处理；没有控制者时返回 SourcePassthrough。
func (r *Registration) Dispatch(ctx context.Context, req *cache.Request) FetchResult {
	r.mu.RLock()
	controller := r.controller
	r.mu.RUnlock()
	if controller == nil {
		return FetchResult{Source: SourcePassthrough}
	}
	return controller.HandleFetch(ctx, req)
}

// Active 返回当前活跃 worker，可能为 nil。
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Settle 等待活跃与控制 worker 的后台写入结束。
func (r *Registration) Settle() {
	r.mu.RLock()
	workers := []*Worker{r.controller, r.active}
	r.mu.RUnlock()
	for _, w := range workers {
		if w != nil {
			w.Settle()
		}
	}
}

// WorkerStatus 是单个 worker 的诊断快照。
type WorkerStatus struct {
	CacheName string `json:"cache_name"`
	State     State  `json:"state"`
	Resources int    `json:"resources"`
}

// Status 是注册表的诊断快照。
type Status struct {
	Active     *WorkerStatus `json:"active,omitempty"`
	Controlled bool          `json:"controlled"`
}

// Snapshot 返回当前注册状态。
func (r *Registration) Snapshot() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		Active:     workerStatus(r.active),
		Controlled: r.controller != nil,
	}
}

func workerStatus(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{
		CacheName: w.CacheName(),
		State:     w.State(),
		Resources: w.Manifest().Len(),
	}
}
