package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Moe-Sakura/anime-search-api/engine"
	"github.com/Moe-Sakura/anime-search-api/rule"
	"github.com/Moe-Sakura/anime-search-api/version"
	"github.com/bwmarrin/snowflake"
	"github.com/gorilla/handlers"
	"github.com/juju/ratelimit"
	"go.uber.org/zap"
)

// Searcher 由 *engine.Service 实现
type Searcher interface {
	Search(ctx context.Context, req engine.Request, sink engine.Sink) error
}

// Syncer 由 *rule.Syncer 实现
type Syncer interface {
	Sync(ctx context.Context) (*rule.SyncResult, error)
}

// Loader 由 *rule.Loader 实现
type Loader interface {
	Load() ([]*rule.Rule, error)
}

const maxFormMemory = 1 << 20

type options struct {
	Registry    *rule.Registry
	Searcher    Searcher
	Syncer      Syncer
	Loader      Loader
	Bangumi     http.Handler
	Logger      *zap.Logger
	NodeID      int64
	SearchRate  float64
	SearchBurst int64
	StartedAt   time.Time
}

var defaultOptions = options{
	Logger:      zap.NewNop(),
	SearchRate:  5,
	SearchBurst: 20,
}

type Option func(opts *options)

func WithRegistry(r *rule.Registry) Option {
	return func(opts *options) { opts.Registry = r }
}

func WithSearcher(s Searcher) Option {
	return func(opts *options) { opts.Searcher = s }
}

// WithUpdater 启用 /update：先同步远端仓库，再重新加载规则目录
func WithUpdater(s Syncer, l Loader) Option {
	return func(opts *options) {
		opts.Syncer = s
		opts.Loader = l
	}
}

func WithBangumi(h http.Handler) Option {
	return func(opts *options) { opts.Bangumi = h }
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) { opts.Logger = logger }
}

// WithNodeID snowflake 节点号，集群内每个实例应不同
func WithNodeID(id int64) Option {
	return func(opts *options) { opts.NodeID = id }
}

// WithSearchRate 搜索接口的令牌桶，rate<=0 时不限流
func WithSearchRate(rate float64, burst int64) Option {
	return func(opts *options) {
		opts.SearchRate = rate
		opts.SearchBurst = burst
	}
}

type Server struct {
	ids    *snowflake.Node
	bucket *ratelimit.Bucket
	options
}

func New(opts ...Option) (*Server, error) {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	if options.Registry == nil || options.Searcher == nil {
		return nil, errors.New("server: registry and searcher are required")
	}
	if options.StartedAt.IsZero() {
		options.StartedAt = time.Now()
	}

	node, err := snowflake.NewNode(options.NodeID)
	if err != nil {
		return nil, fmt.Errorf("create id generator: %w", err)
	}

	s := &Server{ids: node, options: options}
	if options.SearchRate > 0 {
		burst := options.SearchBurst
		if burst <= 0 {
			burst = 1
		}
		s.bucket = ratelimit.NewBucketWithRate(options.SearchRate, burst)
	}

	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleSearch)
	mux.HandleFunc("POST /api", s.handleSearch)
	mux.HandleFunc("GET /rules", s.handleRules)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /update", s.handleUpdate)
	if s.Bangumi != nil {
		mux.Handle("/bangumi/", s.Bangumi)
	}

	var h http.Handler = mux
	h = handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.Logger}),
		handlers.PrintRecoveryStack(true),
	)(h)
	h = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(h)

	return h
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.Logger.Info("http request",
		zap.String("method", p.Request.Method),
		zap.String("path", p.URL.Path),
		zap.Int("status", p.StatusCode),
		zap.Int("size", p.Size),
		zap.Duration("latency", time.Since(p.TimeStamp)),
		zap.String("remote", p.Request.RemoteAddr),
	)
}

type recoveryLogger struct {
	logger *zap.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("handler panicked", zap.String("panic", fmt.Sprint(v...)))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.bucket != nil && s.bucket.TakeAvailable(1) == 0 {
		writeJSON(w, http.StatusTooManyRequests, errorBody("too many requests"))
		return
	}

	// 浏览器 FormData 以 multipart 提交，普通表单返回 ErrNotMultipart
	if err := r.ParseMultipartForm(maxFormMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid form"))
		return
	}

	req := engine.Request{
		ID:       s.ids.Generate().String(),
		Keyword:  r.PostFormValue("anime"),
		Rules:    engine.ParseRuleNames(r.PostFormValue("rules")),
		Episodes: parseBool(r.PostFormValue("episodes")),
	}

	if strings.TrimSpace(req.Keyword) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("anime must not be empty"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Request-Id", req.ID)
	w.WriteHeader(http.StatusOK)

	err := s.Searcher.Search(r.Context(), req, engine.NewNDJSONSink(w))
	if err != nil {
		s.Logger.Info("search stream ended early", zap.String("request", req.ID), zap.Error(err))
	}
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	snapshot := s.Registry.Snapshot()

	type ruleInfo struct {
		Name     string   `json:"name"`
		Version  string   `json:"version"`
		BaseURL  string   `json:"base_url"`
		Color    string   `json:"color"`
		Tags     []string `json:"tags"`
		Episodes bool     `json:"episodes"`
		Proxy    bool     `json:"proxy"`
	}

	infos := make([]ruleInfo, 0, snapshot.Len())
	for _, rl := range snapshot.Rules() {
		infos = append(infos, ruleInfo{
			Name:     rl.Name,
			Version:  rl.Version,
			BaseURL:  rl.BaseURL,
			Color:    rl.Color,
			Tags:     rl.Tags,
			Episodes: rl.HasEpisodes(),
			Proxy:    rl.ProxyEligible,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total": len(infos),
		"rules": infos,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    "anime-search-api",
		"version": version.Current(),
		"rules":   s.Registry.Snapshot().Len(),
		"uptime":  time.Since(s.StartedAt).Truncate(time.Second).String(),
		"endpoints": []string{
			"POST /api", "GET /rules", "GET /info", "GET /health", "GET /update", "GET /bangumi/...",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.Syncer == nil || s.Loader == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody("rule update is disabled"))
		return
	}

	res, err := Update(r.Context(), s.Syncer, s.Loader, s.Registry, s.Logger)
	if err != nil {
		s.Logger.Warn("rule update failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":  err.Error(),
			"result": res,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"result": res,
		"rules":  s.Registry.Snapshot().Len(),
	})
}

// Update 同步规则仓库并在有变化时整体替换注册表
func Update(ctx context.Context, syncer Syncer, loader Loader, registry *rule.Registry, logger *zap.Logger) (*rule.SyncResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	res, err := syncer.Sync(ctx)
	if err != nil {
		return res, err
	}

	if res.UpToDate && registry.Snapshot().Len() > 0 {
		return res, nil
	}

	rules, err := loader.Load()
	if err != nil {
		return res, fmt.Errorf("reload rules: %w", err)
	}

	old := registry.Swap(rules)
	logger.Info("rules reloaded", zap.Int("before", old.Len()), zap.Int("after", len(rules)))

	return res, nil
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return strings.EqualFold(strings.TrimSpace(v), "on") || strings.EqualFold(strings.TrimSpace(v), "yes")
	}

	return b
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
