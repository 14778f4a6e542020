package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/Moe-Sakura/anime-search-api/extract"
	"github.com/Moe-Sakura/anime-search-api/rule"
)

type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Result 是一个站点的成功结果
type Result struct {
	Name  string         `json:"name"`
	Color string         `json:"color"`
	Tags  []string       `json:"tags"`
	Items []extract.Item `json:"items"`
}

// Event 是输出流中的一行，Total/Progress/Done 三者恰有其一
type Event struct {
	Total    *int      `json:"total,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
	Result   *Result   `json:"result,omitempty"`
	Done     bool      `json:"done,omitempty"`
}

func TotalEvent(n int) Event {
	return Event{Total: &n}
}

func ProgressEvent(completed, total int, result *Result) Event {
	return Event{Progress: &Progress{Completed: completed, Total: total}, Result: result}
}

func DoneEvent() Event {
	return Event{Done: true}
}

func (e Event) String() string {
	switch {
	case e.Total != nil:
		return fmt.Sprintf("total(%d)", *e.Total)
	case e.Progress != nil && e.Result != nil:
		return fmt.Sprintf("progress(%d/%d, %s)", e.Progress.Completed, e.Progress.Total, e.Result.Name)
	case e.Progress != nil:
		return fmt.Sprintf("progress(%d/%d)", e.Progress.Completed, e.Progress.Total)
	case e.Done:
		return "done"
	}

	return "empty"
}

// Outcome 是一个站点搜索的最终结果，Err 非空表示失败
type Outcome struct {
	Rule  *rule.Rule
	Items []extract.Item
	Err   error
}

func (o Outcome) result() *Result {
	if o.Err != nil || o.Rule == nil {
		return nil
	}

	items := o.Items
	if items == nil {
		items = []extract.Item{}
	}
	tags := o.Rule.Tags
	if tags == nil {
		tags = []string{}
	}

	return &Result{Name: o.Rule.Name, Color: o.Rule.Color, Tags: tags, Items: items}
}

// Sink 接收事件流，返回错误表示调用方已经断开
type Sink interface {
	Emit(Event) error
}

type SinkFunc func(Event) error

func (f SinkFunc) Emit(e Event) error { return f(e) }

// NDJSONSink 每个事件写一行 JSON，写完立即 flush
type NDJSONSink struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

func NewNDJSONSink(w io.Writer) *NDJSONSink {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	return &NDJSONSink{w: w, enc: enc}
}

func (s *NDJSONSink) Emit(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(e); err != nil {
		return err
	}

	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}

	return nil
}
