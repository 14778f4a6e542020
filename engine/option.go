package engine

import (
	"time"

	"go.uber.org/zap"
)

type Option func(opts *options)

type options struct {
	WorkCount          int
	Deadline           time.Duration
	EpisodeConcurrency int
	EpisodeInterval    time.Duration
	MaxEpisodeItems    int
	EpisodeBudget      int
	EpisodeWindow      time.Duration
	Rules              RuleSource
	Fetcher            Fetcher
	Logger             *zap.Logger
	scheduler          Scheduler
}

var defaultOptions = options{
	WorkCount:          16,
	Deadline:           30 * time.Second,
	EpisodeConcurrency: 3,
	EpisodeInterval:    300 * time.Millisecond,
	Logger:             zap.NewNop(),
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.Logger = logger
	}
}

func WithFetcher(fetcher Fetcher) Option {
	return func(opts *options) {
		opts.Fetcher = fetcher
	}
}

func WithRules(rules RuleSource) Option {
	return func(opts *options) {
		opts.Rules = rules
	}
}

func WithWorkCount(workCount int) Option {
	return func(opts *options) {
		if workCount > 0 {
			opts.WorkCount = workCount
		}
	}
}

// WithDeadline 单次搜索的总时长上限
func WithDeadline(d time.Duration) Option {
	return func(opts *options) {
		if d > 0 {
			opts.Deadline = d
		}
	}
}

// WithEpisodeConcurrency 同一站点同时请求详情页的数量
func WithEpisodeConcurrency(n int) Option {
	return func(opts *options) {
		if n > 0 {
			opts.EpisodeConcurrency = n
		}
	}
}

// WithEpisodeInterval 同一站点两次详情页请求之间的最小间隔
func WithEpisodeInterval(d time.Duration) Option {
	return func(opts *options) {
		if d >= 0 {
			opts.EpisodeInterval = d
		}
	}
}

// WithMaxEpisodeItems 每个站点最多展开多少个条目，0 表示全部
func WithMaxEpisodeItems(n int) Option {
	return func(opts *options) {
		if n >= 0 {
			opts.MaxEpisodeItems = n
		}
	}
}

// WithEpisodeRate 同一站点在任意 window 内最多请求 n 个详情页，n 为 0 时不限
func WithEpisodeRate(n int, window time.Duration) Option {
	return func(opts *options) {
		if n >= 0 {
			opts.EpisodeBudget = n
			opts.EpisodeWindow = window
		}
	}
}

func WithScheduler(scheduler Scheduler) Option {
	return func(opts *options) {
		opts.scheduler = scheduler
	}
}
