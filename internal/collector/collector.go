package collector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"OutcomeSentinel/internal/calendar"
	"OutcomeSentinel/internal/model"
)

// MockProvider returns controllable fixed data for development and testing.
type MockProvider struct {
	ProviderName string

	mu      sync.Mutex
	bars    map[string][]model.PriceBar
	errs    map[string]error
	failAll error
	calls   int
}

// NewMockProvider creates an empty mock provider.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		ProviderName: name,
		bars:         make(map[string][]model.PriceBar),
		errs:         make(map[string]error),
	}
}

func (m *MockProvider) Name() string { return m.ProviderName }

// AddBars registers bars served for their symbol, replacing same-date bars.
func (m *MockProvider) AddBars(bars ...model.PriceBar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bars {
		existing := m.bars[b.Symbol]
		replaced := false
		for i := range existing {
			if existing[i].Date.Equal(b.Date) {
				existing[i] = b
				replaced = true
			}
		}
		if !replaced {
			existing = append(existing, b)
		}
		sort.Slice(existing, func(i, j int) bool { return existing[i].Date.Before(existing[j].Date) })
		m.bars[b.Symbol] = existing
	}
}

// SetError makes every fetch of symbol fail with err. A nil err clears it.
func (m *MockProvider) SetError(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, symbol)
		return
	}
	m.errs[symbol] = err
}

// FailAll makes every fetch fail with err, simulating an outage. A nil err clears it.
func (m *MockProvider) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = err
}

// Calls returns the number of FetchRange invocations so far.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockProvider) FetchRange(ctx context.Context, symbol string, start, end time.Time) ([]model.PriceBar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err := ctx.Err(); err != nil {
		return nil, &ProviderError{Provider: m.ProviderName, Kind: KindTransient, Err: err}
	}
	if m.failAll != nil {
		return nil, m.failAll
	}
	if err, ok := m.errs[symbol]; ok {
		return nil, err
	}
	var out []model.PriceBar
	for _, b := range m.bars[symbol] {
		if b.Date.Before(start) || b.Date.After(end) {
			continue
		}
		b.Source = m.ProviderName
		out = append(out, b)
	}
	return out, nil
}

// NotFoundError builds the error a provider returns for an unknown symbol.
func NotFoundError(provider, symbol string) error {
	return notFound(provider, symbol)
}

// TransientError builds a retryable provider failure such as an outage.
func TransientError(provider string, err error) error {
	return &ProviderError{Provider: provider, Kind: KindTransient, Err: err}
}

// GenerateBars builds one bar per trading day in [start, end], closing at
// base and drifting by step each day.
func GenerateBars(symbol string, start, end time.Time, base, step decimal.Decimal) []model.PriceBar {
	days := calendar.TradingDays(start, end)
	bars := make([]model.PriceBar, len(days))
	for i, d := range days {
		p := base.Add(step.Mul(decimal.NewFromInt(int64(i))))
		bars[i] = model.PriceBar{
			Symbol: symbol,
			Date:   d,
			Open:   p,
			High:   p,
			Low:    p,
			Close:  p,
			Volume: 1000000,
		}
	}
	return bars
}
