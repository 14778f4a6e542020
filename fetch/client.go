package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/Moe-Sakura/anime-search-api/proxy"
	"go.uber.org/zap"
)

const (
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	DefaultAcceptLanguage = "zh-CN,zh;q=0.9,en;q=0.8"
)

type options struct {
	Timeout        time.Duration
	RetryTimeout   time.Duration
	UserAgent      string
	AcceptLanguage string
	Prefix         proxy.PrefixFunc
	Reactive       bool
	Logger         *zap.Logger
}

var defaultOptions = options{
	Timeout:        15 * time.Second,
	RetryTimeout:   20 * time.Second,
	UserAgent:      DefaultUserAgent,
	AcceptLanguage: DefaultAcceptLanguage,
	Logger:         zap.NewNop(),
}

type Option func(opts *options)

func WithTimeout(d time.Duration) Option {
	return func(opts *options) {
		if d > 0 {
			opts.Timeout = d
		}
	}
}

func WithRetryTimeout(d time.Duration) Option {
	return func(opts *options) {
		if d > 0 {
			opts.RetryTimeout = d
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(opts *options) {
		if ua != "" {
			opts.UserAgent = ua
		}
	}
}

// WithProxyPrefix 启用前缀代理回退
func WithProxyPrefix(p proxy.PrefixFunc) Option {
	return func(opts *options) {
		opts.Prefix = p
	}
}

// WithReactiveProxy 未标记代理的站点被 403/429 拦截时也走一次前缀代理
func WithReactiveProxy(b bool) Option {
	return func(opts *options) {
		opts.Reactive = b
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.Logger = logger
	}
}

// Client 在 Doer 之上补齐默认请求头，并在直连失败时最多经由代理重试一次。
// Client 不持有跨请求的可变状态，可并发使用。
type Client struct {
	doer Doer
	options
}

func New(doer Doer, opts ...Option) *Client {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	if doer == nil {
		doer = NewHTTPDoer()
	}

	return &Client{doer: doer, options: options}
}

// Fetch 直连一次；失败且可重试时，proxyEligible 的站点经前缀代理再试一次。
// 调用方取消后不再重试。
func (c *Client) Fetch(ctx context.Context, req *Request, proxyEligible bool) ([]byte, error) {
	req = c.prepare(req)

	body, err := c.doer.Do(ctx, req, c.Timeout)
	if err == nil {
		return body, nil
	}

	if ctx.Err() != nil || !c.shouldRetry(err, proxyEligible) {
		return nil, err
	}

	retry := req.clone()
	retry.URL = c.Prefix(req.URL)

	c.Logger.Debug("direct fetch failed, retrying through proxy",
		zap.String("url", req.URL),
		zap.Error(err),
	)

	body, perr := c.doer.Do(ctx, retry, c.RetryTimeout)
	if perr != nil {
		return nil, perr
	}

	return body, nil
}

func (c *Client) shouldRetry(err error, proxyEligible bool) bool {
	if c.Prefix == nil {
		return false
	}

	var fe *Error
	if !errors.As(err, &fe) || !fe.Retryable() {
		return false
	}

	return proxyEligible || (c.Reactive && fe.Kind == KindBlocked)
}

func (c *Client) prepare(req *Request) *Request {
	r := req.clone()

	if r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", c.UserAgent)
	}
	if r.Header.Get("Accept-Language") == "" {
		r.Header.Set("Accept-Language", c.AcceptLanguage)
	}
	if r.Header.Get("Accept") == "" {
		r.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	}

	return r
}
