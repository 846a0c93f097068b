package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sovpdf/swcache/internal/cache"
)

// Fetcher 是宿主提供的网络能力：按请求回源，并按最终地址标注响应类型。
// 任意 HTTP 状态码都算成功，只有连接/传输失败才返回 error。
type Fetcher struct {
	client *http.Client
	origin string
}

// NewFetcher 以 scope 的 origin 作为"同源"判断依据。
func NewFetcher(client *http.Client, scope *url.URL) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		client: client,
		origin: cache.OriginOf(scope),
	}
}

// Fetch 发起请求，正文不做缓冲，交由调用方决定是否 Clone。
func (f *Fetcher) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, req.URLString(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	CopyHeaders(upstreamReq.Header, req.Header)
	// 交给 Transport 自行协商压缩，缓存中保存解压后的正文。
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Header.Del("Host")

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URLString(), err)
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)

	return &cache.Response{
		Status: resp.StatusCode,
		Type:   f.classify(finalURL),
		URL:    finalURL.String(),
		Header: header,
		Body:   resp.Body,
	}, nil
}

// classify 同源最终地址视为 basic，其余视为 opaque。
func (f *Fetcher) classify(u *url.URL) cache.ResponseType {
	if cache.OriginOf(u) == f.origin {
		return cache.ResponseTypeBasic
	}
	return cache.ResponseTypeOpaque
}
