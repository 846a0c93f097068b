package cache

import (
	"context"
	"io"
	"net/http"
	"sort"
	"sync"
)

// NewMemoryStorage 返回进程内缓存存储，进程退出后内容即丢失。
func NewMemoryStorage() Storage {
	return &memoryStorage{buckets: make(map[string]*memoryCache)}
}

type memoryStorage struct {
	mu      sync.Mutex
	buckets map[string]*memoryCache
}

// memoryCache 以 key 顺序切片保存写入顺序，覆盖写入会把条目移到末尾。
type memoryCache struct {
	name string

	mu      sync.RWMutex
	deleted bool
	order   []string
	entries map[string]memoryEntry
}

type memoryEntry struct {
	method  string
	url     string
	status  int
	typ     ResponseType
	respURL string
	header  http.Header
	body    []byte
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[name]
	if !ok {
		bucket = &memoryCache{name: name, entries: make(map[string]memoryEntry)}
		s.buckets[name] = bucket
	}
	return bucket, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	bucket, ok := s.buckets[name]
	delete(s.buckets, name)
	s.mu.Unlock()
	if ok {
		bucket.mu.Lock()
		bucket.deleted = true
		bucket.mu.Unlock()
	}
	return ok, nil
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Match(ctx context.Context, req *Request) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if req == nil || req.Method != http.MethodGet {
		return nil, ErrNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.deleted {
		return nil, ErrNotFound
	}
	entry, ok := c.entries[req.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	return NewResponse(entry.status, entry.typ, entry.respURL, entry.header.Clone(), entry.body), nil
}

func (c *memoryCache) Put(ctx context.Context, req *Request, resp *Response) error {
	return c.PutAll(ctx, []Entry{{Request: req, Response: resp}})
}

func (c *memoryCache) PutAll(ctx context.Context, entries []Entry) error {
	prepared := make([]memoryEntry, 0, len(entries))
	for _, item := range entries {
		if err := checkContext(ctx); err != nil {
			return err
		}
		if err := checkPut(item.Request, item.Response); err != nil {
			return err
		}
		body, err := readBody(item.Response)
		if err != nil {
			return err
		}
		prepared = append(prepared, memoryEntry{
			method:  item.Request.Method,
			url:     item.Request.URLString(),
			status:  item.Response.Status,
			typ:     item.Response.Type,
			respURL: item.Response.URL,
			header:  item.Response.Header.Clone(),
			body:    body,
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return ErrBucketDeleted
	}
	for _, entry := range prepared {
		key := entry.method + " " + entry.url
		if _, exists := c.entries[key]; exists {
			c.removeOrder(key)
		}
		c.entries[key] = entry
		c.order = append(c.order, key)
	}
	return nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]*Request, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]*Request, 0, len(c.order))
	for _, key := range c.order {
		entry := c.entries[key]
		req, err := NewRequest(entry.method, entry.url)
		if err != nil {
			continue
		}
		result = append(result, req)
	}
	return result, nil
}

func (c *memoryCache) removeOrder(key string) {
	for i, existing := range c.order {
		if existing == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func readBody(resp *Response) ([]byte, error) {
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	resp.Body = usedBody{}
	return body, err
}
