package rule

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Moe-Sakura/anime-search-api/fetch"
	"github.com/spf13/afero"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const LastCommitFile = ".last_commit"

const (
	ActionAdded   = "added"
	ActionUpdated = "updated"
	ActionFailed  = "failed"
)

// Fetcher 是 Syncer 需要的下载能力，*fetch.Client 满足该接口
type Fetcher interface {
	Fetch(ctx context.Context, req *fetch.Request, proxyEligible bool) ([]byte, error)
}

type SyncDetail struct {
	Name    string `json:"name"`
	Action  string `json:"action"`
	Message string `json:"message"`
}

type SyncResult struct {
	Commit    string       `json:"commit,omitempty"`
	UpToDate  bool         `json:"up_to_date"`
	Total     int          `json:"total"`
	Added     int          `json:"added"`
	Updated   int          `json:"updated"`
	Unchanged int          `json:"unchanged"`
	Failed    int          `json:"failed"`
	Details   []SyncDetail `json:"details"`
}

type syncOptions struct {
	Repo    string
	Branch  string
	APIBase string
	RawBase string
	Force   bool
	Logger  *zap.Logger
}

var defaultSyncOptions = syncOptions{
	Repo:    "Predidit/KazumiRules",
	Branch:  "main",
	APIBase: "https://api.github.com",
	RawBase: "https://raw.githubusercontent.com",
	Logger:  zap.NewNop(),
}

type SyncOption func(opts *syncOptions)

func WithRepo(repo, branch string) SyncOption {
	return func(opts *syncOptions) {
		if repo != "" {
			opts.Repo = repo
		}
		if branch != "" {
			opts.Branch = branch
		}
	}
}

// WithGitHub 覆盖 API 与 raw 地址，测试时指向本地服务
func WithGitHub(apiBase, rawBase string) SyncOption {
	return func(opts *syncOptions) {
		if apiBase != "" {
			opts.APIBase = strings.TrimRight(apiBase, "/")
		}
		if rawBase != "" {
			opts.RawBase = strings.TrimRight(rawBase, "/")
		}
	}
}

// WithForce 忽略 .last_commit，总是重新下载
func WithForce(force bool) SyncOption {
	return func(opts *syncOptions) {
		opts.Force = force
	}
}

func WithSyncLogger(logger *zap.Logger) SyncOption {
	return func(opts *syncOptions) {
		opts.Logger = logger
	}
}

// Syncer 把 GitHub 规则仓库同步到本地规则目录
type Syncer struct {
	fetcher Fetcher
	fs      afero.Afero
	dir     string
	syncOptions
}

func NewSyncer(fetcher Fetcher, fs afero.Fs, dir string, opts ...SyncOption) *Syncer {
	options := defaultSyncOptions
	for _, opt := range opts {
		opt(&options)
	}

	return &Syncer{
		fetcher:     fetcher,
		fs:          afero.Afero{Fs: fs},
		dir:         dir,
		syncOptions: options,
	}
}

// Sync 仓库 commit 没变且本地已有规则时直接返回；
// 否则下载全部规则文件，单个文件失败不影响其它文件
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{Details: []SyncDetail{}}

	commit, err := s.latestCommit(ctx)
	if err != nil {
		return result, fmt.Errorf("fetch latest commit: %w", err)
	}
	result.Commit = commit

	last, _ := s.fs.ReadFile(filepath.Join(s.dir, LastCommitFile))
	if !s.Force && strings.TrimSpace(string(last)) == commit && s.hasLocalRules() {
		s.Logger.Info("rules up to date", zap.String("commit", short(commit)))
		result.UpToDate = true

		return result, nil
	}

	names, err := s.listRuleFiles(ctx)
	if err != nil {
		return result, fmt.Errorf("list rule files: %w", err)
	}
	result.Total = len(names)

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return result, fmt.Errorf("create rule dir: %w", err)
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		action, err := s.syncFile(ctx, name)
		detail := SyncDetail{Name: strings.TrimSuffix(name, path.Ext(name)), Action: action, Message: "ok"}
		switch action {
		case ActionAdded:
			result.Added++
		case ActionUpdated:
			result.Updated++
		case ActionFailed:
			result.Failed++
			detail.Message = err.Error()
			s.Logger.Warn("sync rule failed", zap.String("file", name), zap.Error(err))
		default:
			result.Unchanged++
			continue
		}
		result.Details = append(result.Details, detail)
	}

	if err := s.writeFile(LastCommitFile, []byte(commit)); err != nil {
		s.Logger.Warn("save last commit failed", zap.Error(err))
	}

	s.Logger.Info("rules synced",
		zap.String("commit", short(commit)),
		zap.Int("added", result.Added),
		zap.Int("updated", result.Updated),
		zap.Int("failed", result.Failed),
	)

	return result, nil
}

func (s *Syncer) syncFile(ctx context.Context, name string) (string, error) {
	data, err := s.get(ctx, fmt.Sprintf("%s/%s/%s/%s", s.RawBase, s.Repo, s.Branch, name))
	if err != nil {
		return ActionFailed, fmt.Errorf("download: %w", err)
	}
	// 解析或编译失败的规则不落盘，本地旧版本保持不变
	rec, err := ParseRecord(data, path.Ext(name))
	if err != nil {
		return ActionFailed, err
	}
	if _, err := Compile(rec); err != nil {
		return ActionFailed, err
	}

	target := filepath.Join(s.dir, name)
	old, err := s.fs.ReadFile(target)
	switch {
	case err == nil && bytes.Equal(old, data):
		return "", nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return ActionFailed, fmt.Errorf("read local copy: %w", err)
	}

	if werr := s.writeFile(name, data); werr != nil {
		return ActionFailed, fmt.Errorf("save: %w", werr)
	}

	if err != nil {
		return ActionAdded, nil
	}

	return ActionUpdated, nil
}

// writeFile 先写临时文件再改名，加载器不会读到写了一半的规则
func (s *Syncer) writeFile(name string, data []byte) error {
	target := filepath.Join(s.dir, name)
	tmp := filepath.Join(s.dir, "."+name+".tmp")

	if err := s.fs.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}

	return s.fs.Rename(tmp, target)
}

func (s *Syncer) latestCommit(ctx context.Context) (string, error) {
	data, err := s.get(ctx, fmt.Sprintf("%s/repos/%s/commits/%s", s.APIBase, s.Repo, s.Branch))
	if err != nil {
		return "", err
	}

	sha := gjson.GetBytes(data, "sha").String()
	if sha == "" {
		return "", errors.New("response has no sha")
	}

	return sha, nil
}

func (s *Syncer) listRuleFiles(ctx context.Context) ([]string, error) {
	data, err := s.get(ctx, fmt.Sprintf("%s/repos/%s/contents?ref=%s", s.APIBase, s.Repo, s.Branch))
	if err != nil {
		return nil, err
	}

	listing := gjson.ParseBytes(data)
	if !listing.IsArray() {
		return nil, errors.New("contents listing is not an array")
	}

	var names []string
	listing.ForEach(func(_, item gjson.Result) bool {
		name := item.Get("name").String()
		if item.Get("type").String() == "file" && strings.HasSuffix(name, ".json") && IsRuleFile(name) {
			names = append(names, name)
		}
		return true
	})

	return names, nil
}

func (s *Syncer) get(ctx context.Context, u string) ([]byte, error) {
	return s.fetcher.Fetch(ctx, &fetch.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{"Accept": {"application/vnd.github.v3+json"}},
	}, true)
}

func (s *Syncer) hasLocalRules() bool {
	infos, err := s.fs.ReadDir(s.dir)
	if err != nil {
		return false
	}

	for _, info := range infos {
		if !info.IsDir() && IsRuleFile(info.Name()) {
			return true
		}
	}

	return false
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}

	return sha
}
