package naver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/korean"

	"github.com/wonny/autotrader/pkg/httputil"
	"github.com/wonny/autotrader/pkg/logger"
)

const quantPage = `<html><body>
<table class="type_2">
<tr><th>N</th><th>종목명</th><th>현재가</th><th>전일비</th><th>등락률</th><th>거래량</th></tr>
<tr><td class="blank_08" colspan="10"></td></tr>
<tr>
  <td class="no">1</td>
  <td><a href="/item/main.naver?code=005930" class="tltle">삼성전자</a></td>
  <td class="number">72,300</td><td class="number">500</td><td class="number">+0.70%</td>
  <td class="number">15,234,100</td>
</tr>
<tr>
  <td class="no">2</td>
  <td><a href="/item/main.naver?code=000660" class="tltle">SK하이닉스</a></td>
  <td class="number">181,000</td><td class="number">1,000</td><td class="number">-0.55%</td>
  <td class="number">3,120,000</td>
</tr>
<tr>
  <td class="no">3</td>
  <td><a href="/item/main.naver?code=BAD" class="tltle">broken</a></td>
  <td class="number">1</td><td></td><td></td><td class="number">1</td>
</tr>
<tr>
  <td class="no">4</td>
  <td><a href="/item/main.naver?code=005935" class="tltle">삼성전자우</a></td>
  <td class="number">60,100</td><td></td><td></td><td class="number">900,000</td>
</tr>
</table>
</body></html>`

func TestParseVolumeRanking(t *testing.T) {
	items, err := parseVolumeRanking(quantPage, 0)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, RankingItem{Rank: 1, Symbol: "005930", Name: "삼성전자", Price: 72300, Volume: 15234100}, items[0])
	assert.Equal(t, "000660", items[1].Symbol)
	assert.Equal(t, 4, items[2].Rank)

	top, err := parseVolumeRanking(quantPage, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestVolumeRankingDecodesEUCKR(t *testing.T) {
	var encoded bytes.Buffer
	w := korean.EUCKR.NewEncoder().Writer(&encoded)
	_, err := w.Write([]byte(quantPage))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sise/sise_quant.naver", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("sosok"))
		w.Header().Set("Content-Type", "text/html;charset=EUC-KR")
		_, _ = w.Write(encoded.Bytes())
	}))
	defer srv.Close()

	client := NewClient(httputil.New(logger.NewNop(), 5*time.Second), logger.NewNop(), srv.URL)
	items, err := client.VolumeRanking(context.Background(), MarketKOSDAQ, 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "삼성전자", items[0].Name)
}

func TestVolumeRankingHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(httputil.New(logger.NewNop(), 5*time.Second), logger.NewNop(), srv.URL)
	_, err := client.VolumeRanking(context.Background(), MarketKOSPI, 10)
	assert.Error(t, err)
}
