package naver

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Market selects the exchange on the sise pages (sosok)
type Market string

const (
	MarketKOSPI  Market = "0"
	MarketKOSDAQ Market = "1"
)

// RankingItem is one row of the volume ranking
type RankingItem struct {
	Rank   int
	Symbol string
	Name   string
	Price  int64
	Volume int64
}

// VolumeRanking scrapes 거래상위 (sise_quant) for market, up to topN rows
func (c *Client) VolumeRanking(ctx context.Context, market Market, topN int) ([]RankingItem, error) {
	params := url.Values{}
	params.Set("sosok", string(market))

	html, err := c.fetchHTML(ctx, "/sise/sise_quant.naver", params)
	if err != nil {
		return nil, fmt.Errorf("fetch volume ranking: %w", err)
	}

	items, err := parseVolumeRanking(html, topN)
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(map[string]interface{}{
		"market": market,
		"count":  len(items),
	}).Debug("Fetched volume ranking from Naver")
	return items, nil
}

// parseVolumeRanking reads table.type_2 rows.
// 컬럼: N | 종목명 | 현재가 | 전일비 | 등락률 | 거래량 | ...
func parseVolumeRanking(html string, topN int) ([]RankingItem, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var items []RankingItem
	doc.Find("table.type_2 tr").EachWithBreak(func(i int, row *goquery.Selection) bool {
		link := row.Find("a.tltle")
		if link.Length() == 0 {
			return true
		}
		href, _ := link.Attr("href")
		symbol := codeFromHref(href)
		if symbol == "" {
			return true
		}

		cells := row.Find("td")
		rank, err := strconv.Atoi(strings.TrimSpace(cells.Eq(0).Text()))
		if err != nil {
			rank = len(items) + 1
		}

		items = append(items, RankingItem{
			Rank:   rank,
			Symbol: symbol,
			Name:   strings.TrimSpace(link.Text()),
			Price:  parseNum(cells.Eq(2).Text()),
			Volume: parseNum(cells.Eq(5).Text()),
		})
		return topN <= 0 || len(items) < topN
	})
	return items, nil
}

func codeFromHref(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	code := u.Query().Get("code")
	if len(code) != 6 {
		return ""
	}
	return code
}

func parseNum(s string) int64 {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "+", "")
	if s == "" || s == "-" {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
