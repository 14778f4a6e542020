// Package config loads config.toml overlaid by ANIMESEARCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-micro/plugins/v4/config/encoder/toml"
	"go-micro.dev/v4/config"
	"go-micro.dev/v4/config/reader"
	"go-micro.dev/v4/config/reader/json"
	"go-micro.dev/v4/config/source"
	"go-micro.dev/v4/config/source/env"
	"go-micro.dev/v4/config/source/file"
)

// EnvPrefix 例如 ANIMESEARCH_FETCHER_TIMEOUT=10s 覆盖 [fetcher] timeout
const EnvPrefix = "ANIMESEARCH"

const DefaultPath = "config.toml"

type Config struct {
	Log     LogConfig
	Server  ServerConfig
	Fetcher FetcherConfig
	Engine  EngineConfig
	Rules   RulesConfig
	Bangumi BangumiConfig
}

type LogConfig struct {
	Level string
	File  string
}

type ServerConfig struct {
	Addr        string
	PodIP       string
	SearchRate  float64
	SearchBurst int64
}

type FetcherConfig struct {
	Timeout       time.Duration
	RetryTimeout  time.Duration
	UserAgent     string
	Insecure      bool
	ProxyPrefixes []string
	// 直连时使用的上游 HTTP 代理，轮询
	UpstreamProxies []string
	ReactiveProxy   bool
}

type EngineConfig struct {
	Workers            int
	Deadline           time.Duration
	EpisodeConcurrency int
	EpisodeInterval    time.Duration
	MaxEpisodeItems    int
	// 同一站点在 EpisodeWindow 内最多请求 EpisodeBudget 个详情页，0 表示不限
	EpisodeBudget int
	EpisodeWindow time.Duration
}

type RulesConfig struct {
	Dir         string
	Repo        string
	Branch      string
	AutoUpdate  bool
	GitHubProxy string
	GitHubAPI   string
	GitHubRaw   string
}

type BangumiConfig struct {
	APIBase   string
	UserAgent string
	Token     string
}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			Addr:        ":3000",
			SearchRate:  5,
			SearchBurst: 20,
		},
		Fetcher: FetcherConfig{
			Timeout:       15 * time.Second,
			RetryTimeout:  20 * time.Second,
			ProxyPrefixes: []string{"https://rp.30hb.cn/?target="},
		},
		Engine: EngineConfig{
			Workers:            16,
			Deadline:           30 * time.Second,
			EpisodeConcurrency: 3,
			EpisodeInterval:    300 * time.Millisecond,
			EpisodeWindow:      time.Minute,
		},
		Rules: RulesConfig{
			Dir:         "rules",
			Repo:        "Predidit/KazumiRules",
			Branch:      "main",
			GitHubProxy: "https://gh-proxy.com/",
			GitHubAPI:   "https://api.github.com",
			GitHubRaw:   "https://raw.githubusercontent.com",
		},
		Bangumi: BangumiConfig{
			APIBase: "https://api.bgm.tv",
		},
	}
}

// Load 读取 path（不存在时只用默认值和环境变量）
func Load(path string) (*Config, error) {
	enc := toml.NewEncoder()
	cfg, err := config.NewConfig(config.WithReader(json.NewReader(reader.WithEncoder(enc))))
	if err != nil {
		return nil, fmt.Errorf("init config: %w", err)
	}

	var sources []source.Source
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			sources = append(sources, file.NewSource(file.WithPath(path), source.WithEncoder(enc)))
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	sources = append(sources, env.NewSource(env.WithStrippedPrefix(EnvPrefix)))

	if err := cfg.Load(sources...); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	defer cfg.Close()

	return decode(cfg)
}

func decode(cfg config.Config) (*Config, error) {
	c := Default()
	var err error

	c.Log.Level = cfg.Get("log", "level").String(c.Log.Level)
	c.Log.File = cfg.Get("log", "file").String(c.Log.File)

	c.Server.Addr = cfg.Get("server", "addr").String(c.Server.Addr)
	c.Server.PodIP = cfg.Get("server", "podip").String(c.Server.PodIP)
	c.Server.SearchRate = cfg.Get("server", "search", "rate").Float64(c.Server.SearchRate)
	c.Server.SearchBurst = int64(cfg.Get("server", "search", "burst").Int(int(c.Server.SearchBurst)))

	if c.Fetcher.Timeout, err = duration(cfg.Get("fetcher", "timeout"), c.Fetcher.Timeout); err != nil {
		return nil, err
	}
	if c.Fetcher.RetryTimeout, err = duration(cfg.Get("fetcher", "retry", "timeout"), c.Fetcher.RetryTimeout); err != nil {
		return nil, err
	}
	c.Fetcher.UserAgent = cfg.Get("fetcher", "useragent").String(c.Fetcher.UserAgent)
	c.Fetcher.Insecure = cfg.Get("fetcher", "insecure").Bool(c.Fetcher.Insecure)
	c.Fetcher.ProxyPrefixes = list(cfg.Get("fetcher", "proxy", "prefix"), c.Fetcher.ProxyPrefixes)
	c.Fetcher.UpstreamProxies = list(cfg.Get("fetcher", "proxy", "upstream"), c.Fetcher.UpstreamProxies)
	c.Fetcher.ReactiveProxy = cfg.Get("fetcher", "proxy", "reactive").Bool(c.Fetcher.ReactiveProxy)

	c.Engine.Workers = cfg.Get("engine", "workers").Int(c.Engine.Workers)
	if c.Engine.Deadline, err = duration(cfg.Get("engine", "deadline"), c.Engine.Deadline); err != nil {
		return nil, err
	}
	c.Engine.EpisodeConcurrency = cfg.Get("engine", "episode", "concurrency").Int(c.Engine.EpisodeConcurrency)
	if c.Engine.EpisodeInterval, err = duration(cfg.Get("engine", "episode", "interval"), c.Engine.EpisodeInterval); err != nil {
		return nil, err
	}
	c.Engine.MaxEpisodeItems = cfg.Get("engine", "episode", "limit").Int(c.Engine.MaxEpisodeItems)
	c.Engine.EpisodeBudget = cfg.Get("engine", "episode", "budget").Int(c.Engine.EpisodeBudget)
	if c.Engine.EpisodeWindow, err = duration(cfg.Get("engine", "episode", "window"), c.Engine.EpisodeWindow); err != nil {
		return nil, err
	}

	c.Rules.Dir = cfg.Get("rules", "dir").String(c.Rules.Dir)
	c.Rules.Repo = cfg.Get("rules", "repo").String(c.Rules.Repo)
	c.Rules.Branch = cfg.Get("rules", "branch").String(c.Rules.Branch)
	c.Rules.AutoUpdate = cfg.Get("rules", "autoupdate").Bool(c.Rules.AutoUpdate)
	c.Rules.GitHubProxy = cfg.Get("rules", "github", "proxy").String(c.Rules.GitHubProxy)
	c.Rules.GitHubAPI = cfg.Get("rules", "github", "api").String(c.Rules.GitHubAPI)
	c.Rules.GitHubRaw = cfg.Get("rules", "github", "raw").String(c.Rules.GitHubRaw)

	c.Bangumi.APIBase = cfg.Get("bangumi", "api").String(c.Bangumi.APIBase)
	c.Bangumi.UserAgent = cfg.Get("bangumi", "useragent").String(c.Bangumi.UserAgent)
	c.Bangumi.Token = cfg.Get("bangumi", "token").String(c.Bangumi.Token)

	return c, c.Validate()
}

func (c *Config) Validate() error {
	switch {
	case c.Fetcher.Timeout <= 0 || c.Fetcher.RetryTimeout <= 0:
		return errors.New("config: fetcher timeouts must be positive")
	case c.Engine.Workers <= 0:
		return errors.New("config: engine.workers must be positive")
	case c.Engine.Deadline <= 0:
		return errors.New("config: engine.deadline must be positive")
	case c.Rules.Dir == "":
		return errors.New("config: rules.dir must not be empty")
	}

	return nil
}

// duration 接受 "15s" 这样的字符串，纯数字按秒处理（环境变量里常见）
func duration(v reader.Value, def time.Duration) (time.Duration, error) {
	if s := v.String(""); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		return d, nil
	}

	if n := v.Int(-1); n >= 0 {
		return time.Duration(n) * time.Second, nil
	}

	return def, nil
}

// list 环境变量只能给字符串，按逗号切分
func list(v reader.Value, def []string) []string {
	if s := v.String(""); s != "" {
		var out []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}

	return v.StringSlice(def)
}
