package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/sovpdf/swcache/internal/cache"
	"github.com/sovpdf/swcache/internal/logging"
	"github.com/sovpdf/swcache/internal/network"
	"github.com/sovpdf/swcache/internal/offline"
	"github.com/sovpdf/swcache/internal/server"
)

// Dispatcher 把 fetch 事件交给当前控制页面的 worker，offline.Registration 实现该接口。
type Dispatcher interface {
	Dispatch(ctx context.Context, req *cache.Request) offline.FetchResult
}

// SourceHeader 标注响应来自缓存、网络还是放行。
const SourceHeader = "X-Swcache-Source"

// Handler 负责把 Fiber 请求转换为一次 fetch 事件：
// 拦截器给出响应则原样回写，放行则直接回源，拦截器无结果时返回 502。
type Handler struct {
	dispatcher Dispatcher
	fetcher    offline.Fetcher
	scope      *url.URL
	policy     offline.OriginPolicy
	logger     *logrus.Logger
}

// NewHandler constructs a proxy handler bound to the application scope.
// FetchPath only accepts targets the policy intercepts.
func NewHandler(dispatcher Dispatcher, fetcher offline.Fetcher, scope *url.URL, policy offline.OriginPolicy, logger *logrus.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		fetcher:    fetcher,
		scope:      scope,
		policy:     policy,
		logger:     logger,
	}
}

var (
	errInvalidTarget    = errors.New("invalid fetch target")
	errTargetNotAllowed = errors.New("fetch target not allowed")
)

// Handle 执行拦截并把结果写回客户端，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := h.buildRequest(c)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "fetch",
			"path":       string(c.Request().URI().Path()),
			"request_id": requestID,
		}).Warn("fetch_request_invalid")
		if errors.Is(err, errTargetNotAllowed) {
			return h.writeError(c, fiber.StatusForbidden, "target_not_allowed")
		}
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result := h.dispatcher.Dispatch(ctx, req)
	switch result.Source {
	case offline.SourcePassthrough:
		resp, err := h.fetcher.Fetch(ctx, req)
		if err != nil {
			h.logResult(req, result, requestID, 0, started, err)
			return h.writeError(c, fiber.StatusBadGateway, "network_failed")
		}
		result.Response = resp
	case offline.SourceUnhandled:
		h.logResult(req, result, requestID, 0, started, result.Err)
		return h.writeError(c, fiber.StatusBadGateway, "network_failed")
	}

	return h.writeResponse(c, req, result, requestID, started)
}

// buildRequest 把同源路径映射到 scope 的 origin；FetchPath 则取 ?url= 指定的绝对地址，
// 且只接受同源或放行前缀下的地址，不做任意转发。
func (h *Handler) buildRequest(c fiber.Ctx) (*cache.Request, error) {
	var target string
	viaFetchPath := string(c.Request().URI().Path()) == server.FetchPath
	if viaFetchPath {
		// Fiber 返回的查询值引用复用中的请求缓冲区，请求结束后内容会变。
		target = strings.Clone(strings.TrimSpace(c.Query("url")))
		if target == "" {
			return nil, fmt.Errorf("%w: url query required", errInvalidTarget)
		}
	} else {
		target = cache.OriginOf(h.scope) + string(c.Request().RequestURI())
	}

	req, err := cache.NewRequest(strings.Clone(c.Method()), target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidTarget, err)
	}
	if scheme := req.URL.Scheme; scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", errInvalidTarget, scheme)
	}
	if viaFetchPath && !h.policy.Applies(req) {
		return nil, fmt.Errorf("%w: %s", errTargetNotAllowed, req.URLString())
	}

	req.Header = fiberHeadersAsHTTP(c)
	req.Header.Del(fiber.HeaderHost)
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req, nil
}

func (h *Handler) writeResponse(
	c fiber.Ctx,
	req *cache.Request,
	result offline.FetchResult,
	requestID string,
	started time.Time,
) error {
	resp := result.Response
	defer func() {
		if resp.Body != nil {
			resp.Body.Close()
		}
	}()

	copyResponseHeaders(c, resp.Header)
	c.Set(SourceHeader, string(result.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)

	if req.Method == http.MethodHead || resp.Body == nil {
		h.logResult(req, result, requestID, resp.Status, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(req, result, requestID, resp.Status, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("response stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	req *cache.Request,
	result offline.FetchResult,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		req.Method,
		req.URLString(),
		string(result.Source),
		result.Source == offline.SourceCache,
	)
	fields["status"] = status
	fields["stored"] = result.Stored
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		k := string(key)
		if network.IsHopByHopHeader(k) {
			return
		}
		header.Add(k, string(value))
	})
	return header
}

// copyResponseHeaders 跳过 hop-by-hop 与 Content-Length，长度由写出的正文决定。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if network.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == fiber.HeaderContentLength {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
