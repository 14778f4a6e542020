// Package bangumi is a read-only passthrough to the Bangumi metadata API.
package bangumi

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultAPIBase   = "https://api.bgm.tv"
	DefaultUserAgent = "Moe-Sakura/anime-search-api (https://github.com/Moe-Sakura/anime-search-api)"
)

type options struct {
	APIBase   string
	UserAgent string
	Token     string
	Timeout   time.Duration
	Logger    *zap.Logger
}

var defaultOptions = options{
	APIBase:   DefaultAPIBase,
	UserAgent: DefaultUserAgent,
	Timeout:   15 * time.Second,
	Logger:    zap.NewNop(),
}

type Option func(opts *options)

func WithAPIBase(base string) Option {
	return func(opts *options) {
		if base != "" {
			opts.APIBase = base
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

// WithToken 请求未携带 Authorization 时使用的默认 token
func WithToken(token string) Option {
	return func(opts *options) {
		opts.Token = token
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.Logger = logger
	}
}

// Proxy 把 {prefix}/xxx 转发到 {APIBase}/xxx，只允许 GET/HEAD
type Proxy struct {
	prefix string
	rp     *httputil.ReverseProxy
	options
}

func New(prefix string, opts ...Option) (*Proxy, error) {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	target, err := url.Parse(strings.TrimRight(options.APIBase, "/"))
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid bangumi api base %q", options.APIBase)
	}

	p := &Proxy{prefix: strings.TrimRight(prefix, "/"), options: options}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = options.Timeout

	p.rp = &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = target.Path + Rewrite(strings.TrimPrefix(pr.In.URL.Path, p.prefix))
			pr.Out.URL.RawPath = ""
			pr.Out.Host = target.Host

			pr.Out.Header.Del("Cookie")
			pr.Out.Header.Set("User-Agent", options.UserAgent)
			if pr.Out.Header.Get("Authorization") == "" && options.Token != "" {
				pr.Out.Header.Set("Authorization", "Bearer "+options.Token)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Del("Set-Cookie")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			options.Logger.Warn("bangumi upstream failed", zap.String("path", r.URL.Path), zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprintf(w, `{"error":"upstream unavailable"}`)
		},
	}

	return p, nil
}

// Rewrite 兼容旧版的简写路径：/search/{kw} 对应 /search/subject/{kw}
func Rewrite(path string) string {
	if path == "" {
		return "/"
	}

	if strings.HasPrefix(path, "/search/") && !strings.HasPrefix(path, "/search/subject/") {
		return "/search/subject/" + strings.TrimPrefix(path, "/search/")
	}

	return path
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p.rp.ServeHTTP(w, r)
}
