package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/Moe-Sakura/anime-search-api/fetch"
	"github.com/Moe-Sakura/anime-search-api/rule"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

var (
	ErrEmptyKeyword    = errors.New("keyword must not be empty")
	ErrStreamCancelled = errors.New("stream cancelled")
	ErrDeadline        = errors.New("search deadline exceeded")
)

// RuleSource 提供规则快照，*rule.Registry 满足该接口
type RuleSource interface {
	Snapshot() *rule.Snapshot
}

// Fetcher 是站点请求能力，*fetch.Client 满足该接口
type Fetcher interface {
	Fetch(ctx context.Context, req *fetch.Request, proxyEligible bool) ([]byte, error)
}

type Request struct {
	ID       string
	Keyword  string
	Rules    []string
	Episodes bool
}

// Normalize 去掉空白与重复的规则名，保持原有顺序
func (r Request) Normalize() Request {
	r.Keyword = strings.TrimSpace(r.Keyword)

	names := lo.Map(r.Rules, func(n string, _ int) string { return strings.TrimSpace(n) })
	names = lo.Compact(names)
	r.Rules = lo.Uniq(names)

	return r
}

// ParseRuleNames 解析逗号分隔的规则名列表
func ParseRuleNames(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}

	return strings.Split(s, ",")
}

type Service struct {
	options
}

func New(opts ...Option) (*Service, error) {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.Rules == nil {
		return nil, errors.New("engine: rule source is required")
	}
	if options.Fetcher == nil {
		return nil, errors.New("engine: fetcher is required")
	}
	if options.scheduler == nil {
		options.scheduler = NewSchedule(options.Logger)
	}

	return &Service{options: options}, nil
}

// Run 启动调度器和 worker，阻塞到 ctx 结束
func (s *Service) Run(ctx context.Context) {
	for i := 0; i < s.WorkCount; i++ {
		go s.work(ctx)
	}

	s.scheduler.Schedule(ctx)
}

func (s *Service) work(ctx context.Context) {
	for {
		job, err := s.scheduler.Pull(ctx)
		if err != nil {
			return
		}

		job.finish(s.runJob(job))
	}
}

func (s *Service) runJob(job *Job) (o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("worker panicked",
				zap.String("rule", job.Rule.Name),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			o = Outcome{Rule: job.Rule, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := job.Check(); err != nil {
		return Outcome{Rule: job.Rule, Err: err}
	}

	items, err := s.searchSite(job.ctx, job.Rule, job.Keyword, job.Episodes)
	if err != nil {
		return Outcome{Rule: job.Rule, Err: err}
	}

	return Outcome{Rule: job.Rule, Items: items}
}

// Search 把请求分发到各站点，按完成顺序向 sink 写出
// Total、每个站点一条 Progress、最后一条 Done。
// 调用方取消或 sink 写失败时返回 ErrStreamCancelled，之后不再写出任何事件。
func (s *Service) Search(ctx context.Context, req Request, sink Sink) error {
	req = req.Normalize()
	if req.Keyword == "" {
		return ErrEmptyKeyword
	}

	logger := s.Logger.With(zap.String("request", req.ID), zap.String("keyword", req.Keyword))

	snapshot := s.Rules.Snapshot()
	rules := lo.FilterMap(req.Rules, func(name string, _ int) (*rule.Rule, bool) {
		return snapshot.Get(name)
	})
	total := len(rules)

	if err := sink.Emit(TotalEvent(total)); err != nil {
		return cancelled(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.Deadline)
	defer cancel()

	out := make(chan Outcome, total)
	jobs := lo.Map(rules, func(r *rule.Rule, _ int) *Job { return newJob(reqCtx, r, req, out) })
	go s.dispatch(reqCtx, jobs, logger)

	pending := lo.SliceToMap(rules, func(r *rule.Rule) (string, bool) { return r.Name, true })
	started := time.Now()
	completed := 0

	emit := func(o Outcome) error {
		completed++
		delete(pending, o.Rule.Name)
		if o.Err != nil {
			fields := []zap.Field{zap.String("rule", o.Rule.Name), zap.Error(o.Err)}
			if kind, ok := fetch.KindOf(o.Err); ok {
				fields = append(fields, zap.Stringer("kind", kind))
			}
			logger.Info("source failed", fields...)
		} else {
			logger.Debug("source finished", zap.String("rule", o.Rule.Name), zap.Int("items", len(o.Items)))
		}

		return sink.Emit(ProgressEvent(completed, total, o.result()))
	}

	for completed < total {
		select {
		case o := <-out:
			if ctx.Err() != nil {
				return cancelled(ctx.Err())
			}
			if err := emit(o); err != nil {
				return cancelled(err)
			}

		case <-reqCtx.Done():
			if ctx.Err() != nil {
				return cancelled(ctx.Err())
			}

			// 超时: 先写出已经到达的结果，剩余站点按失败处理
			for drained := false; !drained && completed < total; {
				select {
				case o := <-out:
					if err := emit(o); err != nil {
						return cancelled(err)
					}
				default:
					drained = true
				}
			}

			if completed < total {
				logger.Warn("search deadline exceeded",
					zap.Strings("pending", lo.Keys(pending)),
					zap.Duration("deadline", s.Deadline),
				)
			}

			for _, r := range rules {
				if !pending[r.Name] {
					continue
				}
				if err := emit(Outcome{Rule: r, Err: ErrDeadline}); err != nil {
					return cancelled(err)
				}
			}
		}
	}

	if err := sink.Emit(DoneEvent()); err != nil {
		return cancelled(err)
	}

	logger.Info("search finished",
		zap.Int("total", total),
		zap.Duration("elapsed", time.Since(started)),
	)

	return nil
}

func (s *Service) dispatch(ctx context.Context, jobs []*Job, logger *zap.Logger) {
	for i, job := range jobs {
		if err := s.scheduler.Push(ctx, job); err != nil {
			logger.Debug("dispatch aborted", zap.Int("remaining", len(jobs)-i), zap.Error(err))
			for _, j := range jobs[i:] {
				j.fail(err)
			}

			return
		}
	}
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %v", ErrStreamCancelled, err)
}
