package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPClient is the shared provider transport: rate limited, bounded by a
// per-call timeout, retrying transient failures with exponential backoff.
type HTTPClient struct {
	provider   string
	client     *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
	maxRetries int
	logger     *zap.Logger
}

// HTTPClientOptions holds options for creating a new HTTPClient.
type HTTPClientOptions struct {
	Timeout        time.Duration
	RequestsPerSec int
	MaxRetries     int
	ProxyURL       string
}

// NewHTTPClient creates a provider transport.
func NewHTTPClient(provider string, opts HTTPClientOptions, logger *zap.Logger) *HTTPClient {
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RequestsPerSec == 0 {
		opts.RequestsPerSec = 5
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		provider:   provider,
		client:     &http.Client{Transport: proxyTransport(opts.ProxyURL)},
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.RequestsPerSec),
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		logger:     logger.Named("http").With(zap.String("provider", provider)),
	}
}

// Get performs a GET and returns the body of a 200 response. Every failure is a *ProviderError.
func (c *HTTPClient) Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body []byte
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(c.contextError(ctx, err))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(malformed(c.provider, err))
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("User-Agent", "Mozilla/5.0")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(c.contextError(ctx, err))
			}
			return &ProviderError{Provider: c.provider, Kind: KindTransient, Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &ProviderError{Provider: c.provider, Kind: KindTransient, Err: fmt.Errorf("read body: %w", err)}
		}
		if perr := classifyStatus(c.provider, resp.StatusCode, data); perr != nil {
			if perr.IsPermanent() {
				return backoff.Permanent(perr)
			}
			return perr
		}
		body = data
		return nil
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = 250 * time.Millisecond
	strategy.MaxElapsedTime = c.timeout

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying provider request", zap.Error(err), zap.Duration("wait", wait))
	}
	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(strategy, uint64(c.maxRetries)), ctx), notify)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) {
			return nil, perr
		}
		return nil, c.contextError(ctx, err)
	}
	return body, nil
}

func (c *HTTPClient) contextError(ctx context.Context, err error) *ProviderError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ProviderError{Provider: c.provider, Kind: KindTransient, Err: fmt.Errorf("timeout: %w", err)}
	}
	return &ProviderError{Provider: c.provider, Kind: KindTransient, Err: err}
}

func classifyStatus(provider string, status int, body []byte) *ProviderError {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound:
		return &ProviderError{Provider: provider, Kind: KindNotFound, Status: status, Err: fmt.Errorf("%w: %s", ErrSymbolNotFound, snippet(body))}
	case status == http.StatusTooManyRequests:
		return &ProviderError{Provider: provider, Kind: KindRateLimited, Status: status, Err: fmt.Errorf("rate limited")}
	case status >= 500:
		return &ProviderError{Provider: provider, Kind: KindTransient, Status: status, Err: fmt.Errorf("server error: %s", snippet(body))}
	default:
		return &ProviderError{Provider: provider, Kind: KindMalformed, Status: status, Err: fmt.Errorf("request rejected: %s", snippet(body))}
	}
}

func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
