package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

// DiskOptions 控制磁盘存储的可选行为。
type DiskOptions struct {
	// Compress 为 true 时正文以 zstd 压缩落盘，读取时透明解压。
	Compress bool
}

// NewDiskStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
//
// 磁盘布局：
//
//	<basePath>/<escaped bucket>/<sha256>.body   # 响应正文
//	<basePath>/<escaped bucket>/<sha256>.json   # 请求/响应元数据
func NewDiskStorage(basePath string, opts DiskOptions) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &diskStorage{
		basePath: abs,
		compress: opts.Compress,
		locks:    make(map[string]*entryLock),
	}, nil
}

// diskStorage 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type diskStorage struct {
	basePath string
	compress bool

	mu    sync.Mutex
	locks map[string]*entryLock
	// seq 在同一时间戳内区分写入先后。
	seq atomic.Uint64
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是 .json 元数据文件的内容。
type entryMeta struct {
	Method      string       `json:"method"`
	URL         string       `json:"url"`
	Status      int          `json:"status"`
	Type        ResponseType `json:"type"`
	ResponseURL string       `json:"response_url"`
	Header      http.Header  `json:"header"`
	Compressed  bool         `json:"compressed"`
	SizeBytes   int64        `json:"size_bytes"`
	StoredAt    time.Time    `json:"stored_at"`
	Seq         uint64       `json:"seq"`
}

type diskCache struct {
	storage *diskStorage
	name    string
	dir     string
}

func (s *diskStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache bucket: %w", err)
	}
	return &diskCache{storage: s, name: name, dir: dir}, nil
}

func (s *diskStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *diskStorage) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(item.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *diskStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

// bucketDir 对桶名做 PathEscape，前导点号额外转义，避免与临时文件/隐藏目录冲突。
func (s *diskStorage) bucketDir(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	escaped := url.PathEscape(name)
	if strings.HasPrefix(escaped, ".") {
		escaped = "%2E" + escaped[1:]
	}
	dir := filepath.Join(s.basePath, escaped)
	if filepath.Dir(dir) != s.basePath {
		return "", fmt.Errorf("%w: %s", ErrInvalidName, name)
	}
	return dir, nil
}

func (s *diskStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (c *diskCache) Name() string {
	return c.name
}

func (c *diskCache) Match(ctx context.Context, req *Request) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if req == nil || req.Method != http.MethodGet {
		return nil, ErrNotFound
	}

	// 持锁读取，保证元数据与正文来自同一次提交。
	unlock := c.storage.lockEntry(c.entryKey(req))
	defer unlock()

	base := c.entryBase(req)
	meta, err := readMeta(base + ".json")
	if err != nil {
		return nil, err
	}

	f, err := os.Open(base + ".body")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var body io.ReadCloser = f
	if meta.Compressed {
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open compressed body: %w", err)
		}
		body = &decodedBody{dec: dec, file: f}
	}

	header := meta.Header
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status: meta.Status,
		Type:   meta.Type,
		URL:    meta.ResponseURL,
		Header: header,
		Body:   body,
	}, nil
}

func (c *diskCache) Put(ctx context.Context, req *Request, resp *Response) error {
	return c.PutAll(ctx, []Entry{{Request: req, Response: resp}})
}

// PutAll 先把所有条目写入临时文件，全部成功后再逐个 rename 生效；
// 暂存阶段失败只清理临时文件，提交阶段失败会把已生效的条目恢复为旧内容。
func (c *diskCache) PutAll(ctx context.Context, entries []Entry) error {
	for _, item := range entries {
		if err := checkPut(item.Request, item.Response); err != nil {
			return err
		}
	}
	if _, err := os.Stat(c.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBucketDeleted
		}
		return err
	}

	staged := make([]stagedEntry, 0, len(entries))
	cleanup := func(items []stagedEntry) {
		for _, s := range items {
			os.Remove(s.tmpBody)
			os.Remove(s.tmpMeta)
		}
	}

	for _, item := range entries {
		s, err := c.stage(ctx, item)
		if err != nil {
			cleanup(staged)
			return err
		}
		staged = append(staged, s)
	}

	committed := make([]committedEntry, 0, len(staged))
	for i, s := range staged {
		done, err := c.commit(s)
		if err != nil {
			cleanup(staged[i:])
			for j := len(committed) - 1; j >= 0; j-- {
				c.rollback(committed[j])
			}
			return err
		}
		committed = append(committed, done)
	}
	for _, done := range committed {
		done.discardBackups()
	}
	return nil
}

func (c *diskCache) Keys(ctx context.Context) ([]*Request, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	metas := make([]*entryMeta, 0, len(items))
	for _, item := range items {
		name := item.Name()
		if item.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		meta, err := readMeta(filepath.Join(c.dir, name))
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].StoredAt.Equal(metas[j].StoredAt) {
			return metas[i].Seq < metas[j].Seq
		}
		return metas[i].StoredAt.Before(metas[j].StoredAt)
	})

	result := make([]*Request, 0, len(metas))
	for _, meta := range metas {
		req, err := NewRequest(meta.Method, meta.URL)
		if err != nil {
			continue
		}
		result = append(result, req)
	}
	return result, nil
}

type stagedEntry struct {
	key     string
	base    string
	tmpBody string
	tmpMeta string
}

func (c *diskCache) stage(ctx context.Context, item Entry) (stagedEntry, error) {
	resp := item.Response
	body := resp.Body
	if body == nil {
		body = http.NoBody
	}
	defer body.Close()
	resp.Body = usedBody{}

	tmpBody, err := os.CreateTemp(c.dir, ".cache-*")
	if err != nil {
		return stagedEntry{}, err
	}
	bodyName := tmpBody.Name()

	var written int64
	if c.storage.compress {
		enc, encErr := zstd.NewWriter(tmpBody)
		if encErr != nil {
			tmpBody.Close()
			os.Remove(bodyName)
			return stagedEntry{}, encErr
		}
		written, err = copyWithContext(ctx, enc, body)
		if closeErr := enc.Close(); err == nil {
			err = closeErr
		}
	} else {
		written, err = copyWithContext(ctx, tmpBody, body)
	}
	closeErr := tmpBody.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(bodyName)
		return stagedEntry{}, err
	}

	meta := entryMeta{
		Method:      item.Request.Method,
		URL:         item.Request.URLString(),
		Status:      resp.Status,
		Type:        resp.Type,
		ResponseURL: resp.URL,
		Header:      resp.Header,
		Compressed:  c.storage.compress,
		SizeBytes:   written,
		StoredAt:    time.Now().UTC(),
		Seq:         c.storage.seq.Add(1),
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		os.Remove(bodyName)
		return stagedEntry{}, err
	}

	tmpMeta, err := os.CreateTemp(c.dir, ".meta-*")
	if err != nil {
		os.Remove(bodyName)
		return stagedEntry{}, err
	}
	metaName := tmpMeta.Name()
	_, err = tmpMeta.Write(payload)
	closeErr = tmpMeta.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(bodyName)
		os.Remove(metaName)
		return stagedEntry{}, err
	}

	return stagedEntry{
		key:     c.entryKey(item.Request),
		base:    c.entryBase(item.Request),
		tmpBody: bodyName,
		tmpMeta: metaName,
	}, nil
}

// renameFile 便于测试注入提交失败。
var renameFile = os.Rename

// committedEntry 记录一次提交放置的文件与被它挪开的旧文件。
type committedEntry struct {
	stagedEntry
	prevBody   string
	prevMeta   string
	placedBody bool
	placedMeta bool
}

// commit 先挪开旧文件，再替换正文与元数据；任一步失败都会就地恢复该条目。
func (c *diskCache) commit(s stagedEntry) (committedEntry, error) {
	unlock := c.storage.lockEntry(s.key)
	defer unlock()

	done := committedEntry{stagedEntry: s}
	var err error
	if done.prevBody, err = c.setAside(s.base + ".body"); err != nil {
		return done, err
	}
	if done.prevMeta, err = c.setAside(s.base + ".json"); err != nil {
		done.restore()
		return done, err
	}
	if err = renameFile(s.tmpBody, s.base+".body"); err != nil {
		done.restore()
		return done, err
	}
	done.placedBody = true
	if err = renameFile(s.tmpMeta, s.base+".json"); err != nil {
		done.restore()
		return done, err
	}
	done.placedMeta = true
	return done, nil
}

func (c *diskCache) rollback(done committedEntry) {
	unlock := c.storage.lockEntry(done.key)
	defer unlock()
	done.restore()
}

// setAside 把已存在的文件移到隐藏的备份名；文件不存在时返回空串。
func (c *diskCache) setAside(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	backup, err := os.CreateTemp(c.dir, ".prev-*")
	if err != nil {
		return "", err
	}
	name := backup.Name()
	backup.Close()
	if err := renameFile(path, name); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// restore 撤掉本次放置的文件并放回旧文件，调用方需持有条目锁。
func (d committedEntry) restore() {
	if d.placedMeta {
		os.Remove(d.base + ".json")
	}
	if d.placedBody {
		os.Remove(d.base + ".body")
	}
	if d.prevBody != "" {
		renameFile(d.prevBody, d.base+".body")
	}
	if d.prevMeta != "" {
		renameFile(d.prevMeta, d.base+".json")
	}
}

func (d committedEntry) discardBackups() {
	if d.prevBody != "" {
		os.Remove(d.prevBody)
	}
	if d.prevMeta != "" {
		os.Remove(d.prevMeta)
	}
}

func (c *diskCache) entryKey(req *Request) string {
	return c.name + "::" + req.Key()
}

func (c *diskCache) entryBase(req *Request) string {
	return filepath.Join(c.dir, digest.FromString(req.Key()).Encoded())
}

func readMeta(path string) (*entryMeta, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(payload, &meta); err != nil {
		return nil, fmt.Errorf("decode cache metadata: %w", err)
	}
	return &meta, nil
}

// decodedBody 同时关闭 zstd 解码器与底层文件。
type decodedBody struct {
	dec  *zstd.Decoder
	file *os.File
}

func (b *decodedBody) Read(p []byte) (int, error) {
	return b.dec.Read(p)
}

func (b *decodedBody) Close() error {
	b.dec.Close()
	return b.file.Close()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
