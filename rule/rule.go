package rule

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Moe-Sakura/anime-search-api/fetch"
	"github.com/Moe-Sakura/anime-search-api/xpath"
	"gopkg.in/yaml.v3"
)

const (
	KeywordPlaceholder = "@keyword"
	DefaultColor       = "white"
)

// Record 是规则文件的原始内容，字段与 Kazumi 规则仓库保持一致
type Record struct {
	API             string   `json:"api" yaml:"api"`
	Type            string   `json:"type" yaml:"type"`
	Name            string   `json:"name" yaml:"name"`
	Version         string   `json:"version" yaml:"version"`
	MultiSources    bool     `json:"muliSources" yaml:"muliSources"`
	UseWebview      bool     `json:"useWebview" yaml:"useWebview"`
	UseNativePlayer bool     `json:"useNativePlayer" yaml:"useNativePlayer"`
	UsePost         bool     `json:"usePost" yaml:"usePost"`
	UseLegacyParser bool     `json:"useLegacyParser" yaml:"useLegacyParser"`
	AdBlocker       bool     `json:"adBlocker" yaml:"adBlocker"`
	UserAgent       string   `json:"userAgent" yaml:"userAgent"`
	BaseURL         string   `json:"baseURL" yaml:"baseURL"`
	SearchURL       string   `json:"searchURL" yaml:"searchURL"`
	SearchList      string   `json:"searchList" yaml:"searchList"`
	SearchName      string   `json:"searchName" yaml:"searchName"`
	SearchResult    string   `json:"searchResult" yaml:"searchResult"`
	ChapterRoads    string   `json:"chapterRoads" yaml:"chapterRoads"`
	ChapterResult   string   `json:"chapterResult" yaml:"chapterResult"`
	Referer         string   `json:"referer" yaml:"referer"`
	Color           string   `json:"color" yaml:"color"`
	Tags            []string `json:"tags" yaml:"tags"`
	Magic           bool     `json:"magic" yaml:"magic"`
	Proxy           bool     `json:"proxy" yaml:"proxy"`
}

// ParseRecord 按扩展名解析规则文件，只接受 .json/.yaml/.yml
func ParseRecord(data []byte, ext string) (Record, error) {
	var r Record

	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &r); err != nil {
			return r, fmt.Errorf("decode json: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &r); err != nil {
			return r, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		return r, fmt.Errorf("unsupported rule file extension %q", ext)
	}

	return r, nil
}

var ErrInvalid = errors.New("invalid rule")

// CompileError 指出规则中出错的字段
type CompileError struct {
	Rule  string
	Field string
	Err   error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("rule %q: %s: %v", e.Rule, e.Field, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

func (e *CompileError) Is(target error) bool { return target == ErrInvalid }

// Rule 是编译后的站点规则，创建后只读
type Rule struct {
	Name          string
	Version       string
	BaseURL       string
	SearchURL     string
	UserAgent     string
	Referer       string
	Color         string
	Tags          []string
	UsePost       bool
	ProxyEligible bool

	List     *xpath.Selector
	Title    *xpath.Selector
	Link     *xpath.Selector
	Groups   *xpath.Selector
	Episodes *xpath.Selector

	base *url.URL
}

// Compile 校验 Record 并预编译全部选择器
func Compile(r Record) (*Rule, error) {
	name := strings.TrimSpace(r.Name)
	fail := func(field string, err error) (*Rule, error) {
		return nil, &CompileError{Rule: name, Field: field, Err: err}
	}

	if name == "" {
		return fail("name", errors.New("must not be empty"))
	}

	base, err := url.Parse(strings.TrimSpace(r.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fail("baseURL", fmt.Errorf("%q is not an absolute URL", r.BaseURL))
	}

	search := strings.TrimSpace(r.SearchURL)
	if n := strings.Count(search, KeywordPlaceholder); n != 1 {
		return fail("searchURL", fmt.Errorf("want exactly one %s placeholder, got %d", KeywordPlaceholder, n))
	}
	probe, err := base.Parse(strings.Replace(search, KeywordPlaceholder, "x", 1))
	if err != nil || probe.Host == "" {
		return fail("searchURL", fmt.Errorf("%q is not a valid URL", r.SearchURL))
	}

	rule := &Rule{
		Name:          name,
		Version:       r.Version,
		BaseURL:       base.String(),
		SearchURL:     search,
		UserAgent:     strings.TrimSpace(r.UserAgent),
		Referer:       strings.TrimSpace(r.Referer),
		Color:         r.Color,
		Tags:          append([]string{}, r.Tags...),
		UsePost:       r.UsePost,
		ProxyEligible: r.Magic || r.Proxy,
		base:          base,
	}

	if rule.Color == "" {
		rule.Color = DefaultColor
	}

	if rule.List, err = compileRequired(r.SearchList); err != nil {
		return fail("searchList", err)
	}
	if rule.Title, err = compileRequired(r.SearchName); err != nil {
		return fail("searchName", err)
	}

	// 没有单独的链接选择器时，链接取标题元素本身
	if strings.TrimSpace(r.SearchResult) == "" {
		rule.Link = rule.Title
	} else if rule.Link, err = xpath.Compile(r.SearchResult); err != nil {
		return fail("searchResult", err)
	}

	roads, result := strings.TrimSpace(r.ChapterRoads), strings.TrimSpace(r.ChapterResult)
	if (roads == "") != (result == "") {
		return fail("chapterRoads", errors.New("chapterRoads and chapterResult must be set together"))
	}
	if roads != "" {
		if rule.Groups, err = xpath.Compile(roads); err != nil {
			return fail("chapterRoads", err)
		}
		if rule.Episodes, err = xpath.Compile(result); err != nil {
			return fail("chapterResult", err)
		}
	}

	return rule, nil
}

func compileRequired(expr string) (*xpath.Selector, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, errors.New("must not be empty")
	}

	return xpath.Compile(expr)
}

// HasEpisodes 规则是否配置了剧集选择器
func (r *Rule) HasEpisodes() bool {
	return r.Groups != nil && r.Episodes != nil
}

// Base 返回解析后的 baseURL 副本
func (r *Rule) Base() *url.URL {
	u := *r.base

	return &u
}

// Resolve 把页面上的相对链接解析为绝对地址
func (r *Rule) Resolve(ref string) (string, error) {
	return ResolveAgainst(r.base, ref)
}

func ResolveAgainst(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}

	return base.ResolveReference(u).String(), nil
}

// SearchRequest 构造搜索请求。usePost 时把查询参数移到表单中
func (r *Rule) SearchRequest(keyword string) (*fetch.Request, error) {
	escaped := strings.ReplaceAll(url.QueryEscape(keyword), "+", "%20")
	target, err := r.base.Parse(strings.Replace(r.SearchURL, KeywordPlaceholder, escaped, 1))
	if err != nil {
		return nil, fmt.Errorf("rule %q: build search url: %w", r.Name, err)
	}

	req := &fetch.Request{
		Method: http.MethodGet,
		URL:    target.String(),
		Header: http.Header{},
	}

	if r.UsePost {
		req.Method = http.MethodPost
		req.Form = target.Query()
		target.RawQuery = ""
		req.URL = target.String()
	}

	r.decorate(req.Header)

	return req, nil
}

// PageRequest 构造详情页请求
func (r *Rule) PageRequest(pageURL string) *fetch.Request {
	req := &fetch.Request{
		Method: http.MethodGet,
		URL:    pageURL,
		Header: http.Header{},
	}
	r.decorate(req.Header)

	return req
}

func (r *Rule) decorate(h http.Header) {
	if r.UserAgent != "" {
		h.Set("User-Agent", r.UserAgent)
	}

	if r.Referer != "" {
		h.Set("Referer", r.Referer)
	} else {
		h.Set("Referer", r.BaseURL)
	}
}
