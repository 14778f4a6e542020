// Package extract applies a rule's compiled selectors to a parsed page.
package extract

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/Moe-Sakura/anime-search-api/rule"
	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

type Episode struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// EpisodeGroup 是一条播放线路。只有一条线路时 Name 为 nil
type EpisodeGroup struct {
	Name     *string   `json:"name"`
	Episodes []Episode `json:"episodes"`
}

type Item struct {
	Name string
	URL  string
	// Episodes 只在 Expanded 时输出
	Episodes []EpisodeGroup
	Expanded bool
}

func (it Item) MarshalJSON() ([]byte, error) {
	if !it.Expanded {
		return json.Marshal(struct {
			Name string `json:"name"`
			URL  string `json:"url"`
		}{it.Name, it.URL})
	}

	episodes := it.Episodes
	if episodes == nil {
		episodes = []EpisodeGroup{}
	}

	return json.Marshal(struct {
		Name     string         `json:"name"`
		URL      string         `json:"url"`
		Episodes []EpisodeGroup `json:"episodes"`
	}{it.Name, it.URL, episodes})
}

var anchor = cascadia.MustCompile("a[href]")

// Text 返回元素的文本，连续空白折叠为一个空格
func Text(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.Text()), " ")
}

func href(sel *goquery.Selection) string {
	for _, attr := range []string{"href", "data-href"} {
		if v := strings.TrimSpace(sel.AttrOr(attr, "")); v != "" {
			return v
		}
	}

	return ""
}

// Results 按文档顺序提取搜索结果，名称或链接为空的条目直接跳过
func Results(doc *goquery.Document, r *rule.Rule) []Item {
	items := []Item{}

	r.List.Select(doc.Selection).Each(func(_ int, container *goquery.Selection) {
		name := Text(r.Title.Select(container).First())

		link := href(r.Link.Select(container).First())
		if link == "" {
			link = href(container.FindMatcher(anchor).First())
		}

		if name == "" || link == "" {
			return
		}

		abs, err := r.Resolve(link)
		if err != nil {
			return
		}

		items = append(items, Item{Name: name, URL: abs})
	})

	return items
}

// Episodes 提取详情页的剧集线路，相对链接按 pageURL 解析。
// 规则没有剧集选择器时返回空切片。空线路被丢弃，
// 剩余线路多于一条时依次命名为 线路1、线路2 ...
func Episodes(doc *goquery.Document, r *rule.Rule, pageURL string) ([]EpisodeGroup, error) {
	groups := []EpisodeGroup{}
	if !r.HasEpisodes() {
		return groups, nil
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url %q: %w", pageURL, err)
	}
	if !base.IsAbs() {
		base = r.Base()
	}

	r.Groups.Select(doc.Selection).Each(func(_ int, road *goquery.Selection) {
		var episodes []Episode

		r.Episodes.Select(road).Each(func(_ int, ep *goquery.Selection) {
			name, link := Text(ep), href(ep)
			if name == "" || link == "" {
				return
			}

			abs, err := rule.ResolveAgainst(base, link)
			if err != nil {
				return
			}
			episodes = append(episodes, Episode{Name: name, URL: abs})
		})

		if len(episodes) > 0 {
			groups = append(groups, EpisodeGroup{Episodes: episodes})
		}
	})

	if len(groups) > 1 {
		for i := range groups {
			label := fmt.Sprintf("线路%d", i+1)
			groups[i].Name = &label
		}
	}

	return groups, nil
}
