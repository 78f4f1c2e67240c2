package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"OutcomeSentinel/internal/model"
)

const twelveDataBaseURL = "https://api.twelvedata.com"

// TwelveDataProvider implements Provider using the Twelve Data time_series API.
type TwelveDataProvider struct {
	BaseURL string
	APIKey  string
	Client  *HTTPClient
	now     func() time.Time
}

// NewTwelveDataProvider creates a Twelve Data provider.
func NewTwelveDataProvider(client *HTTPClient, baseURL, apiKey string) *TwelveDataProvider {
	if baseURL == "" {
		baseURL = twelveDataBaseURL
	}
	return &TwelveDataProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  client,
		now:     time.Now,
	}
}

func (p *TwelveDataProvider) Name() string { return "twelvedata" }

type twelveValue struct {
	Datetime string `json:"datetime"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
}

type twelveResponse struct {
	Status  string        `json:"status"`
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Values  []twelveValue `json:"values"`
}

// FetchRange fetches daily bars for [start, end].
func (p *TwelveDataProvider) FetchRange(ctx context.Context, symbol string, start, end time.Time) ([]model.PriceBar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", "1day")
	q.Set("start_date", model.FormatDate(start))
	q.Set("end_date", model.FormatDate(end.AddDate(0, 0, 1)))
	q.Set("order", "ASC")
	q.Set("apikey", p.APIKey)

	body, err := p.Client.Get(ctx, p.BaseURL+"/time_series?"+q.Encode(), nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, notFound(p.Name(), symbol)
		}
		return nil, err
	}

	var data twelveResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, malformed(p.Name(), fmt.Errorf("parsing JSON: %w", err))
	}
	if data.Status == "error" {
		return nil, p.apiError(symbol, data)
	}

	bars := make([]model.PriceBar, 0, len(data.Values))
	for _, v := range data.Values {
		bar, err := parseTwelveValue(v)
		if err != nil {
			return nil, malformed(p.Name(), err)
		}
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return clip(bars, symbol, p.Name(), start, end, p.now()), nil
}

func (p *TwelveDataProvider) apiError(symbol string, data twelveResponse) error {
	msg := strings.ToLower(data.Message)
	switch {
	case data.Code == 429:
		return &ProviderError{Provider: p.Name(), Kind: KindRateLimited, Status: data.Code, Err: fmt.Errorf("%s", data.Message)}
	case strings.Contains(msg, "no data is available"):
		return nil
	case data.Code == 401 || data.Code == 403:
		return &ProviderError{Provider: p.Name(), Kind: KindMalformed, Status: data.Code, Err: fmt.Errorf("%s", data.Message)}
	case data.Code == 404 || strings.Contains(msg, "not found") || strings.Contains(msg, "invalid"):
		return notFound(p.Name(), symbol)
	case data.Code >= 500:
		return &ProviderError{Provider: p.Name(), Kind: KindTransient, Status: data.Code, Err: fmt.Errorf("%s", data.Message)}
	default:
		return &ProviderError{Provider: p.Name(), Kind: KindMalformed, Status: data.Code, Err: fmt.Errorf("%s", data.Message)}
	}
}

func parseTwelveValue(v twelveValue) (model.PriceBar, error) {
	// Intraday-style datetimes ("2024-01-02 00:00:00") carry the date first.
	datePart := v.Datetime
	if len(datePart) > len(model.DateLayout) {
		datePart = datePart[:len(model.DateLayout)]
	}
	date, err := model.ParseDate(datePart)
	if err != nil {
		return model.PriceBar{}, fmt.Errorf("datetime %q: %w", v.Datetime, err)
	}
	var bar model.PriceBar
	bar.Date = date
	for _, f := range []struct {
		raw string
		dst *decimal.Decimal
	}{{v.Open, &bar.Open}, {v.High, &bar.High}, {v.Low, &bar.Low}, {v.Close, &bar.Close}} {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return model.PriceBar{}, fmt.Errorf("price %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	if v.Volume != "" {
		vol, err := strconv.ParseFloat(v.Volume, 64)
		if err != nil {
			return model.PriceBar{}, fmt.Errorf("volume %q: %w", v.Volume, err)
		}
		bar.Volume = int64(vol)
	}
	return bar, nil
}
