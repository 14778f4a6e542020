package fetch

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Moe-Sakura/anime-search-api/proxy"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

type Kind int

const (
	KindTransport Kind = iota
	KindTimeout
	KindBlocked
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindBlocked:
		return "blocked"
	case KindStatus:
		return "status"
	default:
		return "transport"
	}
}

// Error 是一次请求失败的分类结果
type Error struct {
	Kind Kind
	Code int
	URL  string
	Err  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindBlocked, KindStatus:
		return fmt.Sprintf("fetch %s: %s: status %d", e.URL, e.Kind, e.Code)
	default:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable 超时、连接失败、403/429 以及 5xx 值得换一条路再试一次
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindTransport, KindBlocked:
		return true
	case KindStatus:
		return e.Code >= http.StatusInternalServerError
	}

	return false
}

func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}

	return KindTransport, false
}

type Request struct {
	Method string
	URL    string
	Header http.Header
	// Form 非空时作为 application/x-www-form-urlencoded 请求体
	Form url.Values
}

func (r *Request) clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}

	return &c
}

// Doer 执行一次带超时的 HTTP 请求，返回解码为 UTF-8 的响应体
type Doer interface {
	Do(ctx context.Context, req *Request, timeout time.Duration) ([]byte, error)
}

type HTTPDoer struct {
	client *http.Client
}

type DoerOption func(t *http.Transport)

// WithUpstreamProxy 所有请求经由 HTTP/SOCKS5 代理发出
func WithUpstreamProxy(p proxy.Func) DoerOption {
	return func(t *http.Transport) {
		t.Proxy = p
	}
}

// WithInsecureTLS 不校验证书，很多小站证书过期
func WithInsecureTLS(insecure bool) DoerOption {
	return func(t *http.Transport) {
		if insecure {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
	}
}

func NewHTTPDoer(opts ...DoerOption) *HTTPDoer {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 8
	for _, opt := range opts {
		opt(transport)
	}

	return &HTTPDoer{client: &http.Client{Transport: transport}}
}

func (d *HTTPDoer) Do(ctx context.Context, request *Request, timeout time.Duration) ([]byte, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := request.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(request.Form) > 0 {
		body = strings.NewReader(request.Form.Encode())
	}

	req, err := http.NewRequestWithContext(tctx, method, request.URL, body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, URL: request.URL, Err: fmt.Errorf("build request: %w", err)}
	}

	for k, v := range request.Header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, classify(ctx, request.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindBlocked, Code: resp.StatusCode, URL: request.URL}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &Error{Kind: KindStatus, Code: resp.StatusCode, URL: request.URL}
	}

	bodyReader := bufio.NewReader(resp.Body)
	e := DeterminEncoding(bodyReader, resp.Header.Get("Content-Type"))
	utf8Reader := transform.NewReader(bodyReader, e.NewDecoder())

	data, err := io.ReadAll(utf8Reader)
	if err != nil {
		return nil, classify(ctx, request.URL, err)
	}

	return data, nil
}

func classify(parent context.Context, u string, err error) error {
	if parent.Err() != nil {
		return &Error{Kind: KindTransport, URL: u, Err: parent.Err()}
	}

	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: KindTimeout, URL: u, Err: err}
	}

	return &Error{Kind: KindTransport, URL: u, Err: err}
}

// DeterminEncoding 根据 Content-Type 和前 1024 字节猜测编码
func DeterminEncoding(r *bufio.Reader, contentType string) encoding.Encoding {
	bytes, err := r.Peek(1024)
	if len(bytes) == 0 && err != nil {
		return unicode.UTF8
	}

	e, _, _ := charset.DetermineEncoding(bytes, contentType)

	return e
}
