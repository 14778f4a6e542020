package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/Moe-Sakura/anime-search-api/rule"
	"go.uber.org/zap"
)

var ErrStopped = errors.New("scheduler stopped")

// Job 是一次搜索里某个站点的工作单元。无论成功、失败、
// 被取消还是调度器关闭，finish 只生效一次
type Job struct {
	ctx      context.Context
	Rule     *rule.Rule
	Keyword  string
	Episodes bool
	out      chan<- Outcome
	finished atomic.Bool
}

func newJob(ctx context.Context, r *rule.Rule, req Request, out chan<- Outcome) *Job {
	return &Job{ctx: ctx, Rule: r, Keyword: req.Keyword, Episodes: req.Episodes, out: out}
}

func (j *Job) Context() context.Context { return j.ctx }

// Check 请求已经结束的任务不必再交给 worker
func (j *Job) Check() error {
	return j.ctx.Err()
}

func (j *Job) finish(o Outcome) {
	if j.finished.CompareAndSwap(false, true) {
		j.out <- o
	}
}

func (j *Job) fail(err error) {
	j.finish(Outcome{Rule: j.Rule, Err: err})
}

type Scheduler interface {
	Schedule(ctx context.Context)
	Push(ctx context.Context, jobs ...*Job) error
	Pull(ctx context.Context) (*Job, error)
}

type Schedule struct {
	requestCh chan *Job
	workerCh  chan *Job
	stopped   chan struct{}
	queue     []*Job
	Logger    *zap.Logger
}

func NewSchedule(logger *zap.Logger) *Schedule {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Schedule{
		requestCh: make(chan *Job),
		workerCh:  make(chan *Job),
		stopped:   make(chan struct{}),
		Logger:    logger,
	}
}

func (s *Schedule) Push(ctx context.Context, jobs ...*Job) error {
	for _, job := range jobs {
		select {
		case s.requestCh <- job:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopped:
			return ErrStopped
		}
	}

	return nil
}

func (s *Schedule) Pull(ctx context.Context) (*Job, error) {
	select {
	case job := <-s.workerCh:
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stopped:
		return nil, ErrStopped
	}
}

// Schedule 先进先出地把任务分给空闲 worker，ctx 结束时排队中的任务全部以失败结束
func (s *Schedule) Schedule(ctx context.Context) {
	var ch chan *Job

	var job *Job

	for {
		if job == nil && len(s.queue) > 0 {
			job = s.queue[0]
			s.queue = s.queue[1:]
			ch = s.workerCh
		}

		// 请求校验
		if job != nil {
			if err := job.Check(); err != nil {
				s.Logger.Debug("drop finished job",
					zap.String("rule", job.Rule.Name),
					zap.Error(err),
				)
				job.fail(err)
				job = nil
				ch = nil
				continue
			}
		}

		select {
		case j := <-s.requestCh:
			s.queue = append(s.queue, j)
		case ch <- job:
			job = nil
			ch = nil
		case <-ctx.Done():
			close(s.stopped)
			if job != nil {
				job.fail(ErrStopped)
			}
			for _, j := range s.queue {
				j.fail(ErrStopped)
			}
			s.queue = nil

			return
		}
	}
}
