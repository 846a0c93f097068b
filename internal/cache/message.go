package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ResponseType 对应 Fetch 标准中的 response.type，决定响应能否被检查。
type ResponseType string

const (
	// ResponseTypeBasic 表示同源响应，状态码与头部均可检查。
	ResponseTypeBasic ResponseType = "basic"
	// ResponseTypeCORS 表示经 CORS 放行的跨域响应。
	ResponseTypeCORS ResponseType = "cors"
	// ResponseTypeOpaque 表示不透明的跨域响应。
	ResponseTypeOpaque ResponseType = "opaque"
)

// Request 是缓存键的载体：Method + 去掉 fragment 的 URL 唯一确定一个条目。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	// Body 仅用于回源转发，不参与缓存键。
	Body []byte
}

// NewRequest 解析 rawURL 并构造请求，Method 为空时默认 GET。
func NewRequest(method, rawURL string) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("request url must be absolute: %s", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    parsed,
		Header: http.Header{},
	}, nil
}

// URLString 返回去掉 fragment 的 URL，匹配时忽略 #hash。
func (r *Request) URLString() string {
	if r == nil || r.URL == nil {
		return ""
	}
	clean := *r.URL
	clean.Fragment = ""
	clean.RawFragment = ""
	return clean.String()
}

// Key 返回请求身份（METHOD + 空格 + URL）。
func (r *Request) Key() string {
	return r.Method + " " + r.URLString()
}

// Clone 深拷贝请求，副本与原请求不共享 URL、Header 或 Body。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := &Request{
		Method: strings.Clone(r.Method),
		Header: r.Header.Clone(),
	}
	if r.URL != nil {
		u, err := url.Parse(strings.Clone(r.URL.String()))
		if err != nil {
			copied := *r.URL
			u = &copied
		}
		clone.URL = u
	}
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	return clone
}

// OriginOf 返回 scheme://host[:port]，默认端口会被省略，便于同源比较。
func OriginOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}

// Response 是一次网络或缓存响应。Body 只能读取一次，需要同时写缓存和返回时先 Clone。
type Response struct {
	Status int
	Type   ResponseType
	// URL 是最终响应地址（跟随重定向后）。
	URL    string
	Header http.Header
	Body   io.ReadCloser
}

// NewResponse 用内存正文构造响应，主要供存储后端与测试使用。
func NewResponse(status int, typ ResponseType, rawURL string, header http.Header, body []byte) *Response {
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status: status,
		Type:   typ,
		URL:    rawURL,
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(body)),
	}
}

// OK 对应 response.ok：状态码落在 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// ErrBodyUsed 表示正文已被消费，无法再 Clone。
var ErrBodyUsed = errors.New("response body already used")

// Clone 将正文物化为两份相互独立的可读副本：接收者保留一份，返回值持有另一份。
// 正文只被读取一次，调用后两份都可以完整读取。
func (r *Response) Clone() (*Response, error) {
	if r == nil {
		return nil, errors.New("nil response")
	}
	clone := &Response{
		Status: r.Status,
		Type:   r.Type,
		URL:    r.URL,
		Header: r.Header.Clone(),
	}
	if r.Body == nil || r.Body == http.NoBody {
		clone.Body = http.NoBody
		return clone, nil
	}
	if _, used := r.Body.(usedBody); used {
		return nil, ErrBodyUsed
	}

	payload, err := io.ReadAll(r.Body)
	closeErr := r.Body.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		r.Body = usedBody{}
		return nil, fmt.Errorf("clone response body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(payload))
	clone.Body = io.NopCloser(bytes.NewReader(payload))
	return clone, nil
}

// ReadAll 读取并关闭正文，之后正文标记为已使用。
func (r *Response) ReadAll() ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, nil
	}
	if _, used := r.Body.(usedBody); used {
		return nil, ErrBodyUsed
	}
	defer func() { r.Body = usedBody{} }()
	payload, err := io.ReadAll(r.Body)
	closeErr := r.Body.Close()
	if err == nil {
		err = closeErr
	}
	return payload, err
}

// usedBody 占位已消费的正文。
type usedBody struct{}

func (usedBody) Read([]byte) (int, error) { return 0, ErrBodyUsed }
func (usedBody) Close() error             { return nil }

// Entry 组合 PutAll 批量写入的一对请求/响应。
type Entry struct {
	Request  *Request
	Response *Response
}
