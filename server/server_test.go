package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/Moe-Sakura/anime-search-api/engine"
	"github.com/Moe-Sakura/anime-search-api/fetch"
	"github.com/Moe-Sakura/anime-search-api/rule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRule(t *testing.T, name string) *rule.Rule {
	t.Helper()

	r, err := rule.Compile(rule.Record{
		Name:       name,
		Version:    "1.0",
		BaseURL:    "https://" + strings.ToLower(name) + ".example/",
		SearchURL:  "/search?q=@keyword",
		SearchList: "//ul/li",
		SearchName: ".//a",
		Color:      "red",
		Tags:       []string{"在线"},
	})
	require.NoError(t, err)

	return r
}

type fakeSearcher struct {
	mu   sync.Mutex
	reqs []engine.Request
}

func (f *fakeSearcher) Search(ctx context.Context, req engine.Request, sink engine.Sink) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	n := len(req.Rules)
	if err := sink.Emit(engine.TotalEvent(n)); err != nil {
		return err
	}
	for i := 1; i <= n; i++ {
		if err := sink.Emit(engine.ProgressEvent(i, n, nil)); err != nil {
			return err
		}
	}

	return sink.Emit(engine.DoneEvent())
}

func (f *fakeSearcher) last() engine.Request {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.reqs[len(f.reqs)-1]
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *fakeSearcher) {
	t.Helper()

	searcher := &fakeSearcher{}
	base := []Option{
		WithRegistry(rule.NewRegistry(testRule(t, "AGE"), testRule(t, "NT"))),
		WithSearcher(searcher),
		WithSearchRate(0, 0),
	}
	s, err := New(append(base, opts...)...)
	require.NoError(t, err)

	return s, searcher
}

func postForm(h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	return w
}

func lines(t *testing.T, body string) []map[string]json.RawMessage {
	t.Helper()

	var out []map[string]json.RawMessage
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		var m map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		out = append(out, m)
	}

	return out
}

func TestSearchStreams(t *testing.T) {
	s, searcher := newTestServer(t)
	h := s.Handler()

	for _, path := range []string{"/", "/api"} {
		w := postForm(h, path, url.Values{
			"anime":    {"葬送的芙莉莲"},
			"rules":    {"AGE,NT"},
			"episodes": {"1"},
		})
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, "application/x-ndjson; charset=utf-8", w.Header().Get("Content-Type"))
		assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

		got := lines(t, w.Body.String())
		require.Len(t, got, 4)
		assert.JSONEq(t, "2", string(got[0]["total"]))
		assert.JSONEq(t, "true", string(got[3]["done"]))

		req := searcher.last()
		assert.Equal(t, "葬送的芙莉莲", req.Keyword)
		assert.Equal(t, []string{"AGE", "NT"}, req.Rules)
		assert.True(t, req.Episodes)
		assert.Equal(t, w.Header().Get("X-Request-Id"), req.ID)
	}
}

func TestSearchMultipartForm(t *testing.T) {
	s, searcher := newTestServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("anime", "葬送的芙莉莲"))
	require.NoError(t, mw.WriteField("rules", "AGE,NT"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, lines(t, w.Body.String()), 4)

	got := searcher.last()
	assert.Equal(t, "葬送的芙莉莲", got.Keyword)
	assert.Equal(t, []string{"AGE", "NT"}, got.Rules)
	assert.False(t, got.Episodes)
}

func TestSearchInvalidMultipart(t *testing.T) {
	s, searcher := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api", strings.NewReader("not multipart"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, searcher.reqs)
}

func TestSearchRequestIDsAreUnique(t *testing.T) {
	s, searcher := newTestServer(t)
	h := s.Handler()

	for i := 0; i < 3; i++ {
		postForm(h, "/api", url.Values{"anime": {"x"}})
	}

	ids := map[string]bool{}
	for _, r := range searcher.reqs {
		ids[r.ID] = true
	}
	assert.Len(t, ids, 3)
}

func TestSearchEmptyKeyword(t *testing.T) {
	s, searcher := newTestServer(t)

	w := postForm(s.Handler(), "/api", url.Values{"anime": {"   "}, "rules": {"AGE"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"anime must not be empty"}`, w.Body.String())
	assert.Empty(t, searcher.reqs)
}

func TestSearchMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestSearchRateLimited(t *testing.T) {
	s, _ := newTestServer(t, WithSearchRate(0.001, 2))
	h := s.Handler()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, postForm(h, "/api", url.Values{"anime": {"x"}}).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestSearchWithEngine(t *testing.T) {
	registry := rule.NewRegistry(testRule(t, "AGE"), testRule(t, "NT"))
	fetcher := fetcherFunc(func(ctx context.Context, req *fetch.Request) ([]byte, error) {
		if strings.Contains(req.URL, "nt.example") {
			return nil, &fetch.Error{Kind: fetch.KindTransport, URL: req.URL, Err: errors.New("unreachable")}
		}
		return []byte(`<ul><li><a href="/v/1">Frieren</a></li></ul>`), nil
	})

	svc, err := engine.New(engine.WithRules(registry), engine.WithFetcher(fetcher), engine.WithWorkCount(2))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	s, err := New(WithRegistry(registry), WithSearcher(svc))
	require.NoError(t, err)

	w := postForm(s.Handler(), "/api", url.Values{"anime": {"Frieren"}, "rules": {"AGE,NT,Missing"}})
	require.Equal(t, http.StatusOK, w.Code)

	got := lines(t, w.Body.String())
	require.Len(t, got, 4)
	assert.JSONEq(t, "2", string(got[0]["total"]))

	var results int
	for _, m := range got[1:3] {
		if raw, ok := m["result"]; ok {
			results++
			assert.JSONEq(t, `{"name":"AGE","color":"red","tags":["在线"],"items":[{"name":"Frieren","url":"https://age.example/v/1"}]}`, string(raw))
		}
	}
	assert.Equal(t, 1, results)
	assert.JSONEq(t, "true", string(got[3]["done"]))
}

type fetcherFunc func(ctx context.Context, req *fetch.Request) ([]byte, error)

func (f fetcherFunc) Fetch(ctx context.Context, req *fetch.Request, _ bool) ([]byte, error) {
	return f(ctx, req)
}

func TestRules(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rules", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Total int `json:"total"`
		Rules []struct {
			Name     string   `json:"name"`
			Tags     []string `json:"tags"`
			Episodes bool     `json:"episodes"`
		} `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, "AGE", body.Rules[0].Name)
	assert.Equal(t, "NT", body.Rules[1].Name)
	assert.Equal(t, []string{"在线"}, body.Rules[0].Tags)
	assert.False(t, body.Rules[0].Episodes)
}

func TestInfoAndHealth(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var info map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.JSONEq(t, "2", string(info["rules"]))
	assert.Contains(t, info, "version")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api", nil)
	req.Header.Set("Origin", "https://frontend.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

type panicSearcher struct{}

func (panicSearcher) Search(context.Context, engine.Request, engine.Sink) error {
	panic("boom")
}

func TestRecoversPanics(t *testing.T) {
	s, err := New(WithRegistry(rule.NewRegistry()), WithSearcher(panicSearcher{}), WithSearchRate(0, 0))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		postForm(s.Handler(), "/api", url.Values{"anime": {"x"}})
	})
}

type fakeSyncer struct {
	res *rule.SyncResult
	err error
}

func (f fakeSyncer) Sync(context.Context) (*rule.SyncResult, error) { return f.res, f.err }

type fakeLoader struct {
	rules []*rule.Rule
	calls int
}

func (f *fakeLoader) Load() ([]*rule.Rule, error) {
	f.calls++
	return f.rules, nil
}

func TestUpdateSwapsRegistry(t *testing.T) {
	registry := rule.NewRegistry(testRule(t, "AGE"))
	loader := &fakeLoader{rules: []*rule.Rule{testRule(t, "AGE"), testRule(t, "NT"), testRule(t, "Mikan")}}
	syncer := fakeSyncer{res: &rule.SyncResult{Commit: "abc", Total: 3, Added: 2, Details: []rule.SyncDetail{}}}

	s, err := New(WithRegistry(registry), WithSearcher(&fakeSearcher{}), WithUpdater(syncer, loader))
	require.NoError(t, err)

	before := registry.Snapshot()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/update", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Result rule.SyncResult `json:"result"`
		Rules  int             `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Rules)
	assert.Equal(t, 2, body.Result.Added)
	assert.Equal(t, 1, before.Len())
	assert.Equal(t, []string{"AGE", "Mikan", "NT"}, registry.Names())
}

func TestUpdateUpToDateSkipsReload(t *testing.T) {
	registry := rule.NewRegistry(testRule(t, "AGE"))
	loader := &fakeLoader{}

	res, err := Update(context.Background(), fakeSyncer{res: &rule.SyncResult{UpToDate: true}}, loader, registry, nil)
	require.NoError(t, err)
	assert.True(t, res.UpToDate)
	assert.Zero(t, loader.calls)
	assert.Equal(t, 1, registry.Snapshot().Len())
}

func TestUpdateFailure(t *testing.T) {
	loader := &fakeLoader{}
	s, err := New(
		WithRegistry(rule.NewRegistry()),
		WithSearcher(&fakeSearcher{}),
		WithUpdater(fakeSyncer{err: errors.New("github unreachable")}, loader),
	)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/update", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Zero(t, loader.calls)
}

func TestUpdateDisabled(t *testing.T) {
	s, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/update", nil))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestBangumiMounted(t *testing.T) {
	called := false
	s, _ := newTestServer(t, WithBangumi(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})))

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/bangumi/v0/subjects/1", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(WithSearcher(&fakeSearcher{}))
	assert.Error(t, err)

	_, err = New(WithRegistry(rule.NewRegistry()), WithSearcher(&fakeSearcher{}), WithNodeID(4096))
	assert.Error(t, err)
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", " on ", "yes"} {
		assert.True(t, parseBool(v), v)
	}
	for _, v := range []string{"", "0", "false", "nope"} {
		assert.False(t, parseBool(v), v)
	}
}
