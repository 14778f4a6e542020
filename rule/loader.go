package rule

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// IndexFile 是规则仓库里的索引文件，不是规则
const IndexFile = "index.json"

// Loader 从目录读取规则文件。单个文件出错只记录日志并跳过
type Loader struct {
	fs     afero.Afero
	dir    string
	logger *zap.Logger
}

func NewLoader(fs afero.Fs, dir string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Loader{fs: afero.Afero{Fs: fs}, dir: dir, logger: logger}
}

func (l *Loader) Dir() string { return l.dir }

func IsRuleFile(name string) bool {
	if name == IndexFile || strings.HasPrefix(name, ".") {
		return false
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}

	return false
}

// Load 按文件名顺序加载；同名规则保留先加载的一个
func (l *Loader) Load() ([]*Rule, error) {
	infos, err := l.fs.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read rule dir %s: %w", l.dir, err)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	var (
		rules []*Rule
		seen  = map[string]string{}
	)

	for _, info := range infos {
		if info.IsDir() || !IsRuleFile(info.Name()) {
			continue
		}

		path := filepath.Join(l.dir, info.Name())
		r, err := l.LoadFile(path)
		if err != nil {
			l.logger.Warn("skip rule file", zap.String("file", path), zap.Error(err))
			continue
		}

		if prev, ok := seen[r.Name]; ok {
			l.logger.Warn("duplicate rule name",
				zap.String("rule", r.Name),
				zap.String("file", path),
				zap.String("kept", prev),
			)
			continue
		}
		seen[r.Name] = path
		rules = append(rules, r)
	}

	l.logger.Info("rules loaded", zap.String("dir", l.dir), zap.Int("count", len(rules)))

	return rules, nil
}

func (l *Loader) LoadFile(path string) (*Rule, error) {
	data, err := l.fs.ReadFile(path)
	if err != nil {
		return nil, err
	}

	rec, err := ParseRecord(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	return Compile(rec)
}
