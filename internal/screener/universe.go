package screener

import (
	"context"
	"fmt"
	"strings"

	"github.com/wonny/autotrader/internal/external/kis"
	"github.com/wonny/autotrader/internal/external/naver"
	"github.com/wonny/autotrader/pkg/logger"
)

// Listing is one symbol proposed by a universe source
type Listing struct {
	Symbol string
	Name   string
}

// Source proposes symbols for a screening run
type Source interface {
	Name() string
	Listings(ctx context.Context) ([]Listing, error)
}

// StaticSource returns a fixed symbol list (blue chips, configured symbols)
type StaticSource struct {
	name    string
	symbols []string
}

func NewStaticSource(name string, symbols []string) *StaticSource {
	return &StaticSource{name: name, symbols: symbols}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Listings(ctx context.Context) ([]Listing, error) {
	out := make([]Listing, 0, len(s.symbols))
	for _, sym := range s.symbols {
		out = append(out, Listing{Symbol: sym})
	}
	return out, nil
}

// KISRanker is the volume-rank capability of the KIS client
type KISRanker interface {
	VolumeRank(ctx context.Context, market kis.Market, topN int) ([]kis.RankedStock, error)
}

// KISRankSource takes the top N by volume on KOSPI and KOSDAQ
type KISRankSource struct {
	resolve func(ctx context.Context) (KISRanker, error)
	topN    int
}

// NewKISRankSource builds the source; resolve picks the client at run time
// because accounts (and their credentials) may change between runs.
func NewKISRankSource(resolve func(ctx context.Context) (KISRanker, error), topN int) *KISRankSource {
	return &KISRankSource{resolve: resolve, topN: topN}
}

func (s *KISRankSource) Name() string { return "kis_volume_rank" }

func (s *KISRankSource) Listings(ctx context.Context) ([]Listing, error) {
	ranker, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}

	var out []Listing
	for _, market := range []kis.Market{kis.MarketKOSPI, kis.MarketKOSDAQ} {
		ranked, err := ranker.VolumeRank(ctx, market, s.topN)
		if err != nil {
			return nil, fmt.Errorf("volume rank market=%s: %w", market, err)
		}
		for _, r := range ranked {
			out = append(out, Listing{Symbol: r.Symbol, Name: r.Name})
		}
	}
	return out, nil
}

// NaverRanker is the scraping capability of the Naver client
type NaverRanker interface {
	VolumeRanking(ctx context.Context, market naver.Market, topN int) ([]naver.RankingItem, error)
}

// NaverRankSource scrapes the Naver Finance volume ranking
type NaverRankSource struct {
	client NaverRanker
	topN   int
}

func NewNaverRankSource(client NaverRanker, topN int) *NaverRankSource {
	return &NaverRankSource{client: client, topN: topN}
}

func (s *NaverRankSource) Name() string { return "naver_volume_rank" }

func (s *NaverRankSource) Listings(ctx context.Context) ([]Listing, error) {
	var out []Listing
	for _, market := range []naver.Market{naver.MarketKOSPI, naver.MarketKOSDAQ} {
		items, err := s.client.VolumeRanking(ctx, market, s.topN)
		if err != nil {
			return nil, fmt.Errorf("naver ranking sosok=%s: %w", market, err)
		}
		for _, it := range items {
			out = append(out, Listing{Symbol: it.Symbol, Name: it.Name})
		}
	}
	return out, nil
}

// Exclusions drops listings by name (preferred shares, SPACs, ETNs, ETFs)
type Exclusions struct {
	Suffixes []string
	Contains []string
}

// Match returns the exclusion reason, or "" when the listing stays
func (e Exclusions) Match(name string) string {
	if name == "" {
		return ""
	}
	for _, suf := range e.Suffixes {
		if strings.HasSuffix(name, suf) {
			return "name ends with " + suf
		}
	}
	upper := strings.ToUpper(name)
	for _, sub := range e.Contains {
		if strings.Contains(upper, strings.ToUpper(sub)) {
			return "name contains " + sub
		}
	}
	return ""
}

// Universe merges sources in order. The fallback source is consulted only
// when a primary source fails.
type Universe struct {
	sources    []Source
	fallback   Source
	exclusions Exclusions
	logger     *logger.Logger
}

// NewUniverse creates a universe; fallback may be nil
func NewUniverse(sources []Source, fallback Source, exclusions Exclusions, log *logger.Logger) *Universe {
	return &Universe{sources: sources, fallback: fallback, exclusions: exclusions, logger: log}
}

// Build returns de-duplicated listings in first-seen order
func (u *Universe) Build(ctx context.Context) ([]Listing, error) {
	seen := make(map[string]int)
	var out []Listing
	excluded := 0

	add := func(src string, listings []Listing) {
		for _, l := range listings {
			l.Symbol = strings.TrimSpace(l.Symbol)
			if l.Symbol == "" {
				continue
			}
			if reason := u.exclusions.Match(l.Name); reason != "" {
				u.logger.WithFields(map[string]interface{}{
					"symbol": l.Symbol,
					"name":   l.Name,
					"source": src,
					"reason": reason,
				}).Debug("Excluded from universe")
				excluded++
				continue
			}
			if i, ok := seen[l.Symbol]; ok {
				if out[i].Name == "" {
					out[i].Name = l.Name
				}
				continue
			}
			seen[l.Symbol] = len(out)
			out = append(out, l)
		}
	}

	failed := 0
	for _, src := range u.sources {
		listings, err := src.Listings(ctx)
		if err != nil {
			failed++
			u.logger.WithError(err).WithField("source", src.Name()).Warn("Universe source failed")
			continue
		}
		add(src.Name(), listings)
	}

	if failed > 0 && u.fallback != nil {
		listings, err := u.fallback.Listings(ctx)
		if err != nil {
			u.logger.WithError(err).WithField("source", u.fallback.Name()).Warn("Fallback universe source failed")
		} else {
			add(u.fallback.Name(), listings)
		}
	}

	// 이름 없는 종목이 제외 목록에 걸릴 수 있으므로 이름을 보강한 뒤 재검사
	kept := out[:0]
	for _, l := range out {
		if u.exclusions.Match(l.Name) != "" {
			excluded++
			continue
		}
		kept = append(kept, l)
	}
	out = kept

	if len(out) == 0 {
		return nil, fmt.Errorf("empty universe (%d sources failed)", failed)
	}

	u.logger.WithFields(map[string]interface{}{
		"symbols":        len(out),
		"excluded":       excluded,
		"failed_sources": failed,
	}).Info("Universe built")
	return out, nil
}
