package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PredictionCompleted announces that a prediction finished analysis and
// named the given symbols.
type PredictionCompleted struct {
	PredictionID int64     `json:"prediction_id"`
	Symbols      []string  `json:"symbols"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Handler reacts to a completed prediction.
type Handler func(ctx context.Context, evt PredictionCompleted) error

// Bus delivers PredictionCompleted events to subscribers.
type Bus interface {
	Publish(ctx context.Context, evt PredictionCompleted) error
	Subscribe(h Handler)
}

// LocalBus dispatches events synchronously in the publishing goroutine.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *zap.Logger
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus(logger *zap.Logger) *LocalBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBus{logger: logger.Named("events")}
}

func (b *LocalBus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish runs every handler. A failing handler does not stop the others;
// their errors are joined.
func (b *LocalBus) Publish(ctx context.Context, evt PredictionCompleted) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			b.logger.Warn("event handler failed",
				zap.Int64("prediction_id", evt.PredictionID),
				zap.Strings("symbols", evt.Symbols),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
