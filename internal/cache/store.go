package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Storage 管理一组命名缓存桶，对应浏览器的 CacheStorage。
type Storage interface {
	// Open 打开（不存在时创建）名为 name 的缓存桶。
	Open(ctx context.Context, name string) (Cache, error)

	// Has 返回缓存桶是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 枚举全部缓存桶名称，按名称排序。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除缓存桶及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)
}

// Cache 是单个缓存桶，以请求身份（Method + URL）为键保存响应。
type Cache interface {
	// Name 返回缓存桶名称。
	Name() string

	// Match 查找请求对应的响应，未命中返回 ErrNotFound。每次命中都返回新的可读正文。
	Match(ctx context.Context, req *Request) (*Response, error)

	// Put 写入单个条目并消费 resp.Body。同键重复写入时后写者覆盖。
	Put(ctx context.Context, req *Request, resp *Response) error

	// PutAll 批量写入：任一条目无法写入时整个批次不生效。
	PutAll(ctx context.Context, entries []Entry) error

	// Keys 返回当前全部条目的请求，按写入顺序排列。
	Keys(ctx context.Context) ([]*Request, error)
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrMethodNotCacheable 表示只有 GET 请求可以写入缓存。
	ErrMethodNotCacheable = errors.New("only GET requests can be cached")
	// ErrPartialResponse 表示 206 响应不允许写入缓存。
	ErrPartialResponse = errors.New("partial responses cannot be cached")
	// ErrBucketDeleted 表示缓存桶在句柄打开后已被删除。
	ErrBucketDeleted = errors.New("cache bucket deleted")
	// ErrInvalidName 表示缓存桶名称非法。
	ErrInvalidName = errors.New("invalid cache name")
)

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	return nil
}

// checkPut 复刻平台 cache.put 的前置校验。
func checkPut(req *Request, resp *Response) error {
	if req == nil || req.URL == nil {
		return errors.New("request required")
	}
	if resp == nil {
		return errors.New("response required")
	}
	if req.Method != http.MethodGet {
		return fmt.Errorf("%w: %s %s", ErrMethodNotCacheable, req.Method, req.URLString())
	}
	if resp.Status == http.StatusPartialContent {
		return fmt.Errorf("%w: %s", ErrPartialResponse, req.URLString())
	}
	return nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
