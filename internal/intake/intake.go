package intake

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"OutcomeSentinel/internal/events"
	"OutcomeSentinel/internal/model"
)

// PredictionStore persists predictions handed over by the analyzer.
type PredictionStore interface {
	SavePrediction(ctx context.Context, p *model.Prediction) error
}

// Intake records predictions and announces completed ones. It stays fast:
// price work happens in the subscribers.
type Intake struct {
	store  PredictionStore
	bus    events.Bus
	logger *zap.Logger
}

// New creates an Intake that publishes to bus; a nil bus only persists.
func New(store PredictionStore, bus events.Bus, logger *zap.Logger) *Intake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{store: store, bus: bus, logger: logger.Named("intake")}
}

// Accept saves p and publishes PredictionCompleted when it is eligible for
// outcome tracking. It reports whether an event was published. Only a
// persistence failure is returned as an error.
func (i *Intake) Accept(ctx context.Context, p model.Prediction) (bool, error) {
	if p.ID <= 0 {
		return false, fmt.Errorf("prediction id must be positive, got %d", p.ID)
	}
	if p.CreatedAt.IsZero() {
		return false, fmt.Errorf("prediction %d: created_at is required", p.ID)
	}
	p.Normalize()
	if err := i.store.SavePrediction(ctx, &p); err != nil {
		return false, fmt.Errorf("save prediction %d: %w", p.ID, err)
	}
	if !p.Eligible() || i.bus == nil {
		return false, nil
	}

	evt := events.PredictionCompleted{
		PredictionID: p.ID,
		Symbols:      append([]string(nil), p.Assets...),
		CompletedAt:  p.CreatedAt,
	}
	if err := i.bus.Publish(ctx, evt); err != nil {
		i.logger.Warn("prediction saved but event handling failed",
			zap.Int64("prediction_id", p.ID), zap.Error(err))
	}
	return true, nil
}

// DecodeLines reads one JSON prediction per line. Blank lines are skipped.
func DecodeLines(r io.Reader) ([]model.Prediction, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var out []model.Prediction
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var p model.Prediction
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read predictions: %w", err)
	}
	return out, nil
}
