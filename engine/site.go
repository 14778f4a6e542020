package engine

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Moe-Sakura/anime-search-api/extract"
	"github.com/Moe-Sakura/anime-search-api/limiter"
	"github.com/Moe-Sakura/anime-search-api/rule"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func (s *Service) searchSite(ctx context.Context, r *rule.Rule, keyword string, episodes bool) ([]extract.Item, error) {
	req, err := r.SearchRequest(keyword)
	if err != nil {
		return nil, err
	}

	body, err := s.Fetcher.Fetch(ctx, req, r.ProxyEligible)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse search page: %w", err)
	}

	items := extract.Results(doc, r)
	if episodes {
		s.expand(ctx, r, items)
	}

	return items, nil
}

// expand 为每个条目抓取详情页。同一站点最多 EpisodeConcurrency 个并发请求，
// 相邻请求间隔 EpisodeInterval，并受 EpisodeWindow 内 EpisodeBudget 次的上限约束；
// 单个条目失败时剧集为空，不影响其它条目
func (s *Service) expand(ctx context.Context, r *rule.Rule, items []extract.Item) {
	for i := range items {
		items[i].Expanded = true
		items[i].Episodes = []extract.EpisodeGroup{}
	}

	if !r.HasEpisodes() || len(items) == 0 {
		return
	}

	n := len(items)
	if s.MaxEpisodeItems > 0 && n > s.MaxEpisodeItems {
		n = s.MaxEpisodeItems
	}

	pacer := limiter.Multi(
		limiter.NewPacer(s.EpisodeInterval),
		limiter.NewWindow(s.EpisodeBudget, s.EpisodeWindow),
	)

	var g errgroup.Group
	g.SetLimit(s.EpisodeConcurrency)

	for i := 0; i < n; i++ {
		item := &items[i]
		g.Go(func() error {
			if err := pacer.Wait(ctx); err != nil {
				return nil
			}

			groups, err := s.fetchEpisodes(ctx, r, item.URL)
			if err != nil {
				s.Logger.Debug("fetch episodes failed",
					zap.String("rule", r.Name),
					zap.String("url", item.URL),
					zap.Error(err),
				)
				return nil
			}
			item.Episodes = groups

			return nil
		})
	}

	_ = g.Wait()
}

func (s *Service) fetchEpisodes(ctx context.Context, r *rule.Rule, pageURL string) ([]extract.EpisodeGroup, error) {
	body, err := s.Fetcher.Fetch(ctx, r.PageRequest(pageURL), r.ProxyEligible)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse detail page: %w", err)
	}

	return extract.Episodes(doc, r, pageURL)
}
