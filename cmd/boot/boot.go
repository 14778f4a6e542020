// Package boot wires config, logging, fetch clients, rules and the search engine for the commands.
package boot

import (
	"errors"
	"fmt"
	"io"

	"github.com/Moe-Sakura/anime-search-api/config"
	"github.com/Moe-Sakura/anime-search-api/engine"
	"github.com/Moe-Sakura/anime-search-api/fetch"
	"github.com/Moe-Sakura/anime-search-api/log"
	"github.com/Moe-Sakura/anime-search-api/proxy"
	"github.com/Moe-Sakura/anime-search-api/rule"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GitHubUserAgent GitHub API 要求带 UA
const GitHubUserAgent = "anime-search-api"

type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Fetcher  *fetch.Client
	GitHub   *fetch.Client
	Loader   *rule.Loader
	Syncer   *rule.Syncer
	Registry *rule.Registry
	Engine   *engine.Service

	fs     afero.Fs
	closer io.Closer
}

// New 加载配置并组装所有组件。stderr 为 true 时日志写到标准错误，
// 给 search 命令留出干净的标准输出。
func New(configPath string, stderr bool) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lvl, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	console := log.NewStdoutPlugin(lvl)
	if stderr {
		console = log.NewStderrPlugin(lvl)
	}
	logger, closer, err := log.New(cfg.Log.Level, console, cfg.Log.File)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)

	app := &App{Config: cfg, Logger: logger, closer: closer}

	doerOpts := []fetch.DoerOption{fetch.WithInsecureTLS(cfg.Fetcher.Insecure)}
	if len(cfg.Fetcher.UpstreamProxies) > 0 {
		p, err := proxy.RoundRobinProxySwitcher(cfg.Fetcher.UpstreamProxies...)
		if err != nil {
			return nil, fmt.Errorf("upstream proxy: %w", err)
		}
		doerOpts = append(doerOpts, fetch.WithUpstreamProxy(p))
	}
	doer := fetch.NewHTTPDoer(doerOpts...)

	fetchOpts := []fetch.Option{
		fetch.WithTimeout(cfg.Fetcher.Timeout),
		fetch.WithRetryTimeout(cfg.Fetcher.RetryTimeout),
		fetch.WithUserAgent(cfg.Fetcher.UserAgent),
		fetch.WithReactiveProxy(cfg.Fetcher.ReactiveProxy),
		fetch.WithLogger(logger.Named("fetch")),
	}
	prefix, err := proxy.RoundRobinPrefix(cfg.Fetcher.ProxyPrefixes...)
	switch {
	case err == nil:
		fetchOpts = append(fetchOpts, fetch.WithProxyPrefix(prefix))
	case errors.Is(err, proxy.ErrEmpty):
		logger.Warn("no proxy prefix configured, proxy fallback disabled")
	default:
		return nil, fmt.Errorf("proxy prefix: %w", err)
	}
	app.Fetcher = fetch.New(doer, fetchOpts...)

	ghOpts := []fetch.Option{
		fetch.WithTimeout(cfg.Fetcher.Timeout),
		fetch.WithRetryTimeout(cfg.Fetcher.RetryTimeout),
		fetch.WithUserAgent(GitHubUserAgent),
		fetch.WithLogger(logger.Named("github")),
	}
	if cfg.Rules.GitHubProxy != "" {
		ghPrefix, err := proxy.RoundRobinPrefix(cfg.Rules.GitHubProxy)
		if err != nil {
			return nil, fmt.Errorf("github proxy: %w", err)
		}
		ghOpts = append(ghOpts, fetch.WithProxyPrefix(ghPrefix))
	}
	app.GitHub = fetch.New(doer, ghOpts...)

	app.fs = afero.NewOsFs()
	if err := app.fs.MkdirAll(cfg.Rules.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rule dir: %w", err)
	}
	app.Loader = rule.NewLoader(app.fs, cfg.Rules.Dir, logger.Named("rules"))
	app.Syncer = app.NewSyncer()

	rules, err := app.Loader.Load()
	if err != nil {
		return nil, err
	}
	app.Registry = rule.NewRegistry(rules...)

	app.Engine, err = engine.New(
		engine.WithRules(app.Registry),
		engine.WithFetcher(app.Fetcher),
		engine.WithLogger(logger.Named("engine")),
		engine.WithWorkCount(cfg.Engine.Workers),
		engine.WithDeadline(cfg.Engine.Deadline),
		engine.WithEpisodeConcurrency(cfg.Engine.EpisodeConcurrency),
		engine.WithEpisodeInterval(cfg.Engine.EpisodeInterval),
		engine.WithMaxEpisodeItems(cfg.Engine.MaxEpisodeItems),
		engine.WithEpisodeRate(cfg.Engine.EpisodeBudget, cfg.Engine.EpisodeWindow),
	)
	if err != nil {
		return nil, err
	}

	return app, nil
}

// NewSyncer 使用配置里的仓库与 GitHub 地址，opts 追加在后面
func (a *App) NewSyncer(opts ...rule.SyncOption) *rule.Syncer {
	cfg := a.Config.Rules
	base := []rule.SyncOption{
		rule.WithRepo(cfg.Repo, cfg.Branch),
		rule.WithGitHub(cfg.GitHubAPI, cfg.GitHubRaw),
		rule.WithSyncLogger(a.Logger.Named("sync")),
	}

	return rule.NewSyncer(a.GitHub, a.fs, cfg.Dir, append(base, opts...)...)
}

func (a *App) Close() error {
	_ = a.Logger.Sync()

	return a.closer.Close()
}
