package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Moe-Sakura/anime-search-api/extract"
	"github.com/Moe-Sakura/anime-search-api/rule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventJSON(t *testing.T) {
	name := "线路1"
	r := &rule.Rule{Name: "AGE", Color: "white"}

	tests := []struct {
		event Event
		want  string
	}{
		{TotalEvent(0), `{"total":0}`},
		{TotalEvent(3), `{"total":3}`},
		{ProgressEvent(1, 3, nil), `{"progress":{"completed":1,"total":3}}`},
		{ProgressEvent(2, 3, Outcome{Rule: r}.result()),
			`{"progress":{"completed":2,"total":3},"result":{"name":"AGE","color":"white","tags":[],"items":[]}}`},
		{ProgressEvent(3, 3, Outcome{Rule: r, Items: []extract.Item{{
			Name: "a", URL: "https://age.example/1", Expanded: true,
			Episodes: []extract.EpisodeGroup{{Name: &name, Episodes: []extract.Episode{{Name: "1", URL: "https://age.example/p/1"}}}},
		}}}.result()),
			`{"progress":{"completed":3,"total":3},"result":{"name":"AGE","color":"white","tags":[],"items":[{"name":"a","url":"https://age.example/1","episodes":[{"name":"线路1","episodes":[{"name":"1","url":"https://age.example/p/1"}]}]}]}}`},
		{DoneEvent(), `{"done":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.event.String(), func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestFailedOutcomeHasNoResult(t *testing.T) {
	o := Outcome{Rule: &rule.Rule{Name: "NT"}, Items: []extract.Item{{Name: "x"}}, Err: errors.New("boom")}
	assert.Nil(t, o.result())
}

func TestNDJSONSinkFlushes(t *testing.T) {
	w := httptest.NewRecorder()
	sink := NewNDJSONSink(w)

	require.NoError(t, sink.Emit(TotalEvent(1)))
	assert.True(t, w.Flushed)
	require.NoError(t, sink.Emit(DoneEvent()))

	assert.Equal(t, "{\"total\":1}\n{\"done\":true}\n", w.Body.String())
}

func TestNDJSONSinkDoesNotEscapeURLs(t *testing.T) {
	var buf bytes.Buffer
	r := &rule.Rule{Name: "AGE", Color: "white"}
	o := Outcome{Rule: r, Items: []extract.Item{{Name: "a&b", URL: "https://x.example/s?a=1&b=2"}}}

	require.NoError(t, NewNDJSONSink(&buf).Emit(ProgressEvent(1, 1, o.result())))
	assert.Contains(t, buf.String(), `"url":"https://x.example/s?a=1&b=2"`)
}

func TestScheduleFailsQueuedJobsOnStop(t *testing.T) {
	s := NewSchedule(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Schedule(ctx)
		close(stopped)
	}()

	out := make(chan Outcome, 2)
	r := &rule.Rule{Name: "AGE"}
	jobs := []*Job{
		newJob(context.Background(), r, Request{Keyword: "x"}, out),
		newJob(context.Background(), r, Request{Keyword: "x"}, out),
	}
	require.NoError(t, s.Push(context.Background(), jobs...))

	cancel()
	<-stopped

	for i := 0; i < 2; i++ {
		select {
		case o := <-out:
			assert.ErrorIs(t, o.Err, ErrStopped)
		case <-time.After(time.Second):
			t.Fatal("queued job was not failed")
		}
	}

	assert.ErrorIs(t, s.Push(context.Background(), jobs[0]), ErrStopped)
	_, err := s.Pull(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestScheduleSkipsCancelledJobs(t *testing.T) {
	s := NewSchedule(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Schedule(ctx)

	jobCtx, jobCancel := context.WithCancel(context.Background())
	jobCancel()

	out := make(chan Outcome, 1)
	require.NoError(t, s.Push(context.Background(), newJob(jobCtx, &rule.Rule{Name: "AGE"}, Request{}, out)))

	select {
	case o := <-out:
		assert.ErrorIs(t, o.Err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled job was not failed")
	}
}

func TestJobFinishesOnce(t *testing.T) {
	out := make(chan Outcome, 2)
	j := newJob(context.Background(), &rule.Rule{Name: "AGE"}, Request{}, out)

	j.finish(Outcome{Rule: j.Rule})
	j.fail(errors.New("late"))

	assert.Len(t, out, 1)
	assert.NoError(t, (<-out).Err)
}
