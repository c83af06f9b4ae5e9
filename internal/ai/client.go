// Package ai generates trading signals through an OpenAI-compatible chat
// completions API. The model response is treated as fallible and
// non-deterministic: it is parsed into a strictly validated Signal record,
// with an explicit HOLD fallback whenever the call or the parse fails.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"deepseek-bot/internal/indicators"
	"deepseek-bot/internal/protect"
)

// Action is the direction recommended by the model.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Signal is the validated model output.
type Signal struct {
	Action        Action
	Confidence    protect.Confidence
	Reason        string
	StopLossPct   float64 // optional, 0 when the model gave none
	TakeProfitPct float64
	Fallback      bool // true when this is the safe default, not a model answer
}

// Request carries the market context included in the analysis prompt.
type Request struct {
	Symbol    string
	Price     float64
	Change24h float64
	Technical indicators.Snapshot
	Sentiment string // pre-formatted sentiment line, may be empty
}

// Config holds the API parameters.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxRetries  int
	Timeout     time.Duration
}

// Client calls the chat completions endpoint.
type Client struct {
	cfg  Config
	rest *resty.Client
}

// NewClient creates a signal client. Timeout defaults to 30s.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepseek.com"
	}
	if cfg.Model == "" {
		cfg.Model = "deepseek-chat"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	r := resty.New().SetTimeout(cfg.Timeout)
	return &Client{cfg: cfg, rest: r}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// signalWire is the JSON shape the model is asked to produce.
type signalWire struct {
	Signal     string  `json:"signal"`
	Confidence string  `json:"confidence"`
	Reason     string  `json:"reason"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

// Analyze requests a trading signal for the given market context. It never
// returns an error for model misbehavior: any failure yields the fallback
// signal so the decision cycle always has a well-formed input.
func (c *Client) Analyze(ctx context.Context, req Request) Signal {
	attempts := c.cfg.MaxRetries + 1
	for i := 0; i < attempts; i++ {
		sig, err := c.analyzeOnce(ctx, req)
		if err == nil {
			return sig
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("signal request failed")
		if ctx.Err() != nil {
			break
		}
	}
	return FallbackSignal("model unavailable")
}

func (c *Client) analyzeOnce(ctx context.Context, req Request) (Signal, error) {
	body := chatRequest{
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(req)},
		},
	}

	out := &chatResponse{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetAuthToken(c.cfg.APIKey).
		SetBody(body).
		SetResult(out).
		Post(c.cfg.BaseURL + "/chat/completions")
	if err != nil {
		return Signal{}, fmt.Errorf("ai: request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return Signal{}, fmt.Errorf("ai: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(out.Choices) == 0 {
		return Signal{}, fmt.Errorf("ai: empty response")
	}

	sig, ok := ParseSignal(out.Choices[0].Message.Content)
	if !ok {
		return Signal{}, fmt.Errorf("ai: unparseable signal content")
	}
	return sig, nil
}

// ParseSignal decodes and validates the model content. It tolerates a JSON
// object wrapped in markdown fences or surrounding prose.
func ParseSignal(content string) (Signal, bool) {
	raw := extractJSON(content)
	if raw == "" {
		return Signal{}, false
	}

	var w signalWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Signal{}, false
	}

	action := Action(strings.ToUpper(strings.TrimSpace(w.Signal)))
	switch action {
	case ActionBuy, ActionSell, ActionHold:
	default:
		return Signal{}, false
	}

	conf, ok := protect.ParseConfidence(strings.ToUpper(strings.TrimSpace(w.Confidence)))
	if !ok {
		return Signal{}, false
	}

	return Signal{
		Action:        action,
		Confidence:    conf,
		Reason:        w.Reason,
		StopLossPct:   w.StopLoss,
		TakeProfitPct: w.TakeProfit,
	}, true
}

// FallbackSignal is the safe default used whenever the model cannot be
// trusted: hold, lowest confidence.
func FallbackSignal(reason string) Signal {
	return Signal{
		Action:     ActionHold,
		Confidence: protect.Low,
		Reason:     reason,
		Fallback:   true,
	}
}

// extractJSON returns the first top-level JSON object in content.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

const systemPrompt = `You are a cryptocurrency futures trading analyst. ` +
	`Respond with a single JSON object: {"signal":"BUY|SELL|HOLD",` +
	`"confidence":"HIGH|MEDIUM|LOW","reason":"...","stop_loss":0.0,` +
	`"take_profit":0.0}. No other text.`

func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instrument: %s\nPrice: %.2f\n24h change: %.2f%%\n", req.Symbol, req.Price, req.Change24h)
	t := req.Technical
	fmt.Fprintf(&b, "SMA5/20/50: %.2f / %.2f / %.2f\n", t.SMA5, t.SMA20, t.SMA50)
	fmt.Fprintf(&b, "RSI: %.1f\nMACD: %.4f (signal %.4f)\n", t.RSI, t.MACD, t.MACDSignal)
	fmt.Fprintf(&b, "Bollinger: %.2f / %.2f / %.2f\n", t.BBUpper, t.BBMiddle, t.BBLower)
	fmt.Fprintf(&b, "Support: %.2f Resistance: %.2f\nTrend: %s\n", t.Support, t.Resistance, t.Trend)
	if req.Sentiment != "" {
		fmt.Fprintf(&b, "Sentiment: %s\n", req.Sentiment)
	}
	return b.String()
}
