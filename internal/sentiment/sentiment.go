// Package sentiment pulls aggregated social sentiment ratios from the
// CryptoOracle API. Sentiment is advisory input for the analysis prompt;
// any failure degrades to a neutral reading instead of blocking a cycle.
package sentiment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Reading is one aggregated sentiment sample.
type Reading struct {
	Positive float64 // fraction of positive mentions, 0..1
	Negative float64
	Net      float64 // Positive - Negative
	Neutral  bool    // true when this is the fallback, not real data
}

// Config holds API parameters.
type Config struct {
	BaseURL       string
	APIKey        string
	LookbackHours int
	Timeframe     string
	Timeout       time.Duration
}

// Client fetches sentiment readings.
type Client struct {
	cfg  Config
	rest *resty.Client
}

// NewClient creates a sentiment client with sane defaults (6h lookback,
// 1h timeframe, 10s timeout).
func NewClient(cfg Config) *Client {
	if cfg.LookbackHours <= 0 {
		cfg.LookbackHours = 6
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = "1h"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, rest: resty.New().SetTimeout(cfg.Timeout)}
}

// apiResponse mirrors the provider's payload. The positive and negative
// ratios are published under opaque metric codes.
type apiResponse struct {
	Data map[string][]struct {
		Value float64 `json:"value"`
	} `json:"data"`
}

const (
	positiveMetric = "CO-A-02-01"
	negativeMetric = "CO-A-02-02"
)

// Fetch returns the latest sentiment reading for the symbol. On any error
// it logs and returns a neutral reading.
func (c *Client) Fetch(ctx context.Context, symbol string) Reading {
	out := &apiResponse{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("X-API-Key", c.cfg.APIKey).
		SetQueryParams(map[string]string{
			"symbol":         symbol,
			"lookback_hours": fmt.Sprintf("%d", c.cfg.LookbackHours),
			"timeframe":      c.cfg.Timeframe,
		}).
		SetResult(out).
		Get(c.cfg.BaseURL + "/v1/sentiment")
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("sentiment fetch failed")
		return NeutralReading()
	}
	if resp.StatusCode() != 200 {
		log.Warn().Int("status", resp.StatusCode()).Str("symbol", symbol).Msg("sentiment fetch rejected")
		return NeutralReading()
	}

	pos, okPos := latest(out, positiveMetric)
	neg, okNeg := latest(out, negativeMetric)
	if !okPos || !okNeg {
		log.Warn().Str("symbol", symbol).Msg("sentiment response missing metrics")
		return NeutralReading()
	}

	return Reading{Positive: pos, Negative: neg, Net: pos - neg}
}

// NeutralReading is the fallback when no real data is available.
func NeutralReading() Reading {
	return Reading{Neutral: true}
}

func latest(r *apiResponse, metric string) (float64, bool) {
	series, ok := r.Data[metric]
	if !ok || len(series) == 0 {
		return 0, false
	}
	return series[len(series)-1].Value, true
}

// Display renders the reading as a one-line summary for prompts and
// notifications.
func (r Reading) Display() string {
	if r.Neutral {
		return "neutral (no data)"
	}
	label := "neutral"
	switch {
	case r.Net > 0.15:
		label = "bullish"
	case r.Net < -0.15:
		label = "bearish"
	}
	return fmt.Sprintf("%s (pos %.0f%%, neg %.0f%%, net %+.0f%%)",
		label, r.Positive*100, r.Negative*100, r.Net*100)
}
