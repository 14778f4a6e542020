package rule

import (
	"sort"
	"sync/atomic"
)

// Snapshot 是某一时刻的规则集合，创建后不再修改
type Snapshot struct {
	rules map[string]*Rule
	names []string
}

// NewSnapshot 按名称排序；重名时保留先出现的规则
func NewSnapshot(rules []*Rule) *Snapshot {
	s := &Snapshot{rules: make(map[string]*Rule, len(rules))}
	for _, r := range rules {
		if r == nil {
			continue
		}
		if _, ok := s.rules[r.Name]; ok {
			continue
		}
		s.rules[r.Name] = r
		s.names = append(s.names, r.Name)
	}
	sort.Strings(s.names)

	return s
}

func (s *Snapshot) Get(name string) (*Rule, bool) {
	r, ok := s.rules[name]

	return r, ok
}

func (s *Snapshot) Names() []string {
	return append([]string{}, s.names...)
}

func (s *Snapshot) Len() int { return len(s.names) }

// Rules 按名称顺序返回全部规则
func (s *Snapshot) Rules() []*Rule {
	out := make([]*Rule, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.rules[n])
	}

	return out
}

// Registry 持有当前快照。读取无锁；Swap 整体替换，
// 已经拿到旧快照的搜索不受影响
type Registry struct {
	cur atomic.Pointer[Snapshot]
}

func NewRegistry(rules ...*Rule) *Registry {
	r := &Registry{}
	r.cur.Store(NewSnapshot(rules))

	return r
}

func (r *Registry) Snapshot() *Snapshot {
	return r.cur.Load()
}

// Swap 替换规则集合并返回旧快照
func (r *Registry) Swap(rules []*Rule) *Snapshot {
	return r.cur.Swap(NewSnapshot(rules))
}

func (r *Registry) Names() []string {
	return r.Snapshot().Names()
}

func (r *Registry) Get(name string) (*Rule, bool) {
	return r.Snapshot().Get(name)
}
