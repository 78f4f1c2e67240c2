package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"OutcomeSentinel/internal/config"
	"OutcomeSentinel/internal/model"
)

// Provider fetches daily bars for a symbol over an inclusive date range.
// Failures are reported as *ProviderError.
type Provider interface {
	Name() string
	FetchRange(ctx context.Context, symbol string, start, end time.Time) ([]model.PriceBar, error)
}

// ErrSymbolNotFound marks an unknown or delisted symbol.
var ErrSymbolNotFound = errors.New("symbol not found")

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindTransient   ErrorKind = "transient"
	KindRateLimited ErrorKind = "rate_limited"
	KindNotFound    ErrorKind = "not_found"
	KindMalformed   ErrorKind = "malformed"
)

// ProviderError is a provider-level failure.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsPermanent reports whether retrying the same request cannot succeed.
func (e *ProviderError) IsPermanent() bool {
	return e.Kind == KindNotFound || e.Kind == KindMalformed
}

func notFound(provider, symbol string) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindNotFound, Err: fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)}
}

func malformed(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindMalformed, Err: err}
}

// IsNotFound reports whether err says the symbol does not exist at the provider.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSymbolNotFound)
}

// NewProviders builds the configured providers in fallback order.
func NewProviders(cfgs []config.ProviderConfig, proxyURL string, logger *zap.Logger) ([]Provider, error) {
	var providers []Provider
	for _, pc := range cfgs {
		hc := NewHTTPClient(pc.Name, HTTPClientOptions{
			Timeout:        pc.Timeout,
			RequestsPerSec: pc.RequestsPerSec,
			MaxRetries:     pc.MaxRetries,
			ProxyURL:       proxyURL,
		}, logger)
		switch pc.Name {
		case "yahoo":
			providers = append(providers, NewYahooProvider(hc, pc.BaseURL))
		case "twelvedata":
			providers = append(providers, NewTwelveDataProvider(hc, pc.BaseURL, pc.APIKey))
		case "vstrader":
			providers = append(providers, NewVsTraderProvider(hc, pc.BaseURL, pc.APIKey))
		default:
			return nil, fmt.Errorf("unknown provider %q", pc.Name)
		}
	}
	if len(providers) == 0 {
		return nil, errors.New("no price provider configured")
	}
	return providers, nil
}

func proxyTransport(proxyURL string) *http.Transport {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return transport
}

// clip keeps bars dated within [start, end] and stamps symbol/source.
func clip(bars []model.PriceBar, symbol, source string, start, end time.Time, now time.Time) []model.PriceBar {
	out := bars[:0]
	for _, b := range bars {
		if b.Date.Before(start) || b.Date.After(end) {
			continue
		}
		b.Symbol = symbol
		b.Source = source
		b.LastUpdated = now
		out = append(out, b)
	}
	return out
}
