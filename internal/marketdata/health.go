package marketdata

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"OutcomeSentinel/internal/collector"
	"OutcomeSentinel/internal/model"
)

// healthTracker records the outcome of every provider call.
type healthTracker struct {
	names []string
	now   func() time.Time

	mu    sync.Mutex
	state map[string]*model.ProviderHealth
}

func newHealthTracker(names []string, now func() time.Time) *healthTracker {
	state := make(map[string]*model.ProviderHealth, len(names))
	for _, n := range names {
		state[n] = &model.ProviderHealth{Name: n}
	}
	return &healthTracker{names: names, now: now, state: state}
}

func (t *healthTracker) observe(name string, latency time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.state[name]
	if !ok {
		h = &model.ProviderHealth{Name: name}
		t.state[name] = h
	}
	now := t.now()
	h.CheckedAt = now
	h.Latency = latency
	// An unknown symbol still proves the provider answered.
	if err == nil || collector.IsNotFound(err) {
		h.Reachable = true
		h.ConsecutiveFailures = 0
		h.LastSuccess = &now
		if err == nil {
			h.LastError = ""
		}
		return
	}
	h.Reachable = false
	h.ConsecutiveFailures++
	h.LastError = err.Error()
}

func (t *healthTracker) snapshot() []model.ProviderHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]model.ProviderHealth, 0, len(t.names))
	for _, n := range t.names {
		h := *t.state[n]
		if h.LastSuccess != nil {
			ts := *h.LastSuccess
			h.LastSuccess = &ts
		}
		out = append(out, h)
	}
	return out
}

// Health returns the last observed state of every provider.
func (c *Client) Health() []model.ProviderHealth {
	return c.health.snapshot()
}

// HealthCheck issues a minimal request to every provider in parallel and
// returns their updated health.
func (c *Client) HealthCheck(ctx context.Context) []model.ProviderHealth {
	today := model.DateOf(c.opts.Now())
	start := today.AddDate(0, 0, -5)

	var g errgroup.Group
	for _, p := range c.providers {
		g.Go(func() error {
			started := time.Now()
			_, err := p.FetchRange(ctx, c.opts.ProbeSymbol, start, today)
			latency := time.Since(started)
			c.health.observe(p.Name(), latency, err)
			if err != nil {
				c.logger.Warn("provider health check failed", zap.String("provider", p.Name()), zap.Error(err))
			} else {
				c.logger.Info("provider healthy", zap.String("provider", p.Name()), zap.Duration("latency", latency))
			}
			return nil
		})
	}
	_ = g.Wait()
	return c.Health()
}
