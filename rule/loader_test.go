package rule

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const ntJSON = `{"name":"NT","baseURL":"https://nt.example/","searchURL":"https://nt.example/s?q=@keyword",
"searchList":"//ul/li","searchName":".//a","magic":true}`

func TestLoader(t *testing.T) {
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"rules/NT.json":        ntJSON,
		"rules/AGE.yaml":       "name: AGE\nbaseURL: https://age.example/\nsearchURL: /search?query=@keyword\nsearchList: //div[@class='item']\nsearchName: .//h5/a\n",
		"rules/zz-dup.json":    ntJSON,
		"rules/broken.json":    `{"name":`,
		"rules/bad-xpath.json": `{"name":"Bad","baseURL":"https://b.example/","searchURL":"/s?q=@keyword","searchList":"//a/@href","searchName":".//a"}`,
		"rules/index.json":     `[{"name":"NT"}]`,
		"rules/.last_commit":   "abc",
		"rules/README.md":      "# rules",
	}
	for name, body := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(body), 0o644))
	}
	require.NoError(t, fs.MkdirAll("rules/sub", 0o755))

	core, logs := observer.New(zap.WarnLevel)
	rules, err := NewLoader(fs, "rules", zap.New(core)).Load()
	require.NoError(t, err)

	snap := NewSnapshot(rules)
	assert.Equal(t, []string{"AGE", "NT"}, snap.Names())

	nt, _ := snap.Get("NT")
	assert.True(t, nt.ProxyEligible)

	age, _ := snap.Get("AGE")
	req, err := age.SearchRequest("x")
	require.NoError(t, err)
	assert.Equal(t, "https://age.example/search?query=x", req.URL)

	assert.Equal(t, 2, logs.FilterMessage("skip rule file").Len())
	assert.Equal(t, 1, logs.FilterMessage("duplicate rule name").Len())
}

func TestLoaderMissingDir(t *testing.T) {
	_, err := NewLoader(afero.NewMemMapFs(), "nowhere", nil).Load()
	assert.Error(t, err)
}

func TestIsRuleFile(t *testing.T) {
	assert.True(t, IsRuleFile("AGE.json"))
	assert.True(t, IsRuleFile("AGE.YAML"))
	assert.False(t, IsRuleFile(IndexFile))
	assert.False(t, IsRuleFile(".AGE.json.tmp"))
	assert.False(t, IsRuleFile("notes.txt"))
}
