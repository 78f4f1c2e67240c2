package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"OutcomeSentinel/internal/model"
)

// VsTraderProvider implements Provider using the vstrader REST API.
type VsTraderProvider struct {
	BaseURL string
	APIKey  string
	Client  *HTTPClient
	now     func() time.Time
}

// NewVsTraderProvider creates a vstrader provider.
func NewVsTraderProvider(client *HTTPClient, baseURL, apiKey string) *VsTraderProvider {
	return &VsTraderProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  client,
		now:     time.Now,
	}
}

func (f *VsTraderProvider) Name() string { return "vstrader" }

// vsBar is the expected JSON shape from the vstrader API.
type vsBar struct {
	Timestamp int64           `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    float64         `json:"volume"`
}

// FetchRange fetches daily bars for [start, end].
func (f *VsTraderProvider) FetchRange(ctx context.Context, symbol string, start, end time.Time) ([]model.PriceBar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("start", model.FormatDate(start))
	q.Set("end", model.FormatDate(end))
	endpoint := fmt.Sprintf("%s/api/v1/bars/daily?%s", f.BaseURL, q.Encode())

	var header http.Header
	if f.APIKey != "" {
		header = http.Header{"Authorization": []string{"Bearer " + f.APIKey}}
	}
	body, err := f.Client.Get(ctx, endpoint, header)
	if err != nil {
		if IsNotFound(err) {
			return nil, notFound(f.Name(), symbol)
		}
		return nil, err
	}

	var vsBars []vsBar
	if err := json.Unmarshal(body, &vsBars); err != nil {
		return nil, malformed(f.Name(), fmt.Errorf("decode bars: %w", err))
	}
	bars := make([]model.PriceBar, 0, len(vsBars))
	for _, vb := range vsBars {
		if !vb.Close.IsPositive() {
			continue
		}
		bars = append(bars, model.PriceBar{
			Date:   model.DateOf(time.Unix(vb.Timestamp, 0)),
			Open:   vb.Open,
			High:   vb.High,
			Low:    vb.Low,
			Close:  vb.Close,
			Volume: int64(vb.Volume),
		})
	}
	// Ensure chronological order
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return clip(bars, symbol, f.Name(), start, end, f.now()), nil
}
