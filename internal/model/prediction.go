package model

import (
	"strings"
	"time"
)

// Sentiment is the directional view a prediction takes on one asset.
type Sentiment string

const (
	Bullish Sentiment = "bullish"
	Bearish Sentiment = "bearish"
	Neutral Sentiment = "neutral"
)

// ParseSentiment normalizes a sentiment label. Anything unrecognized is neutral.
func ParseSentiment(s string) Sentiment {
	switch Sentiment(strings.ToLower(strings.TrimSpace(s))) {
	case Bullish:
		return Bullish
	case Bearish:
		return Bearish
	default:
		return Neutral
	}
}

// AnalysisCompleted is the only analysis status eligible for outcome work.
const AnalysisCompleted = "completed"

// Prediction is produced upstream by the language-model analysis step.
type Prediction struct {
	ID               int64                `json:"id"`
	CreatedAt        time.Time            `json:"created_at"`
	AnalysisStatus   string               `json:"analysis_status"`
	Assets           []string             `json:"assets"`
	SentimentByAsset map[string]Sentiment `json:"sentiment_by_asset"`
	Confidence       float64              `json:"confidence"`
}

// Eligible reports whether the prediction can produce outcome rows.
func (p *Prediction) Eligible() bool {
	return p.AnalysisStatus == AnalysisCompleted && len(p.Assets) > 0
}

// SentimentFor returns the sentiment for one asset, neutral when absent.
func (p *Prediction) SentimentFor(symbol string) Sentiment {
	if s, ok := p.SentimentByAsset[NormalizeSymbol(symbol)]; ok {
		return s
	}
	return Neutral
}

// Normalize upper-cases asset symbols, drops duplicates and clamps confidence.
func (p *Prediction) Normalize() {
	seen := make(map[string]bool, len(p.Assets))
	assets := make([]string, 0, len(p.Assets))
	for _, a := range p.Assets {
		sym := NormalizeSymbol(a)
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		assets = append(assets, sym)
	}
	p.Assets = assets

	sentiments := make(map[string]Sentiment, len(p.SentimentByAsset))
	for sym, s := range p.SentimentByAsset {
		sentiments[NormalizeSymbol(sym)] = ParseSentiment(string(s))
	}
	p.SentimentByAsset = sentiments

	if p.Confidence < 0 {
		p.Confidence = 0
	}
	if p.Confidence > 1 {
		p.Confidence = 1
	}
	p.AnalysisStatus = strings.ToLower(strings.TrimSpace(p.AnalysisStatus))
}
