package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
)

var ErrEmpty = errors.New("proxy list is empty")

// Func 用作 http.Transport.Proxy
type Func func(*http.Request) (*url.URL, error)

// PrefixFunc 把目标地址改写为经由前缀代理的地址，例如
// https://proxy.example/ + https://site/search?q=x
type PrefixFunc func(target string) string

type roundRobinSwitcher struct {
	proxyURLs []*url.URL
	index     uint32
}

func (r *roundRobinSwitcher) GetProxy(pr *http.Request) (*url.URL, error) {
	if len(r.proxyURLs) == 0 {
		return nil, ErrEmpty
	}

	index := atomic.AddUint32(&r.index, 1) - 1
	u := r.proxyURLs[index%uint32(len(r.proxyURLs))]

	return u, nil
}

// RoundRobinProxySwitcher creates a proxy switcher function which rotates
// ProxyURLs on every request.
// The proxy type is determined by the URL scheme. "http", "https"
// and "socks5" are supported. If the scheme is empty,
// "http" is assumed.
func RoundRobinProxySwitcher(ProxyURLs ...string) (Func, error) {
	if len(ProxyURLs) < 1 {
		return nil, ErrEmpty
	}

	urls := make([]*url.URL, len(ProxyURLs))
	for i, u := range ProxyURLs {
		parsedU, err := url.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", u, err)
		}
		urls[i] = parsedU
	}

	return (&roundRobinSwitcher{proxyURLs: urls}).GetProxy, nil
}

type prefixRotator struct {
	prefixes []string
	index    uint32
}

func (r *prefixRotator) Wrap(target string) string {
	index := atomic.AddUint32(&r.index, 1) - 1

	return r.prefixes[index%uint32(len(r.prefixes))] + target
}

// RoundRobinPrefix 轮流使用 prefixes 中的前缀。前缀只做字符串拼接，
// 必须以 / 结尾或是完整的查询参数前缀 (如 https://p.example/?url=)
func RoundRobinPrefix(prefixes ...string) (PrefixFunc, error) {
	var list []string
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		u, err := url.Parse(p)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy prefix %q", p)
		}
		list = append(list, p)
	}

	if len(list) == 0 {
		return nil, ErrEmpty
	}

	return (&prefixRotator{prefixes: list}).Wrap, nil
}
