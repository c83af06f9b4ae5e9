package protect

import (
	"math"

	"github.com/rs/zerolog/log"
)

// SizerConfig holds the position-sizing knobs. All multipliers are plain
// scalars supplied by configuration.
type SizerConfig struct {
	BaseUSD          float64
	MinNotional      float64
	MaxPositionRatio float64
	MinTradeAmount   float64
	QtyPrecision     int // decimal places of the instrument quantity step

	ConfidenceMult map[Confidence]float64
	TrendMult      float64
	RSIUpper       float64
	RSILower       float64
	RSIMult        float64
}

// SizeInput carries the per-decision inputs to Quantity.
type SizeInput struct {
	Equity      float64
	Price       float64
	Confidence  Confidence
	StrongTrend bool    // trend classified strong in either direction
	RSI         float64 // 0..100
}

// Quantity computes an order quantity whose notional value satisfies the
// exchange minimum even after rounding to the instrument precision.
//
// The suggested USD amount is scaled by confidence, trend and RSI
// multipliers, hard-capped by MaxPositionRatio of equity and floored at
// MinNotional before conversion to base units. After rounding, the notional
// is re-checked: rounding down can silently break the floor established
// before conversion, so the quantity is ceiled back to the smallest
// precision increment that restores it.
func (c SizerConfig) Quantity(in SizeInput) (float64, error) {
	if in.Price <= 0 {
		return 0, ErrInvalidPrice
	}

	confMult := 1.0
	if m, ok := c.ConfidenceMult[in.Confidence]; ok {
		confMult = m
	}

	trendMult := 1.0
	if in.StrongTrend && c.TrendMult > 0 {
		trendMult = c.TrendMult
	}

	rsiMult := 1.0
	if c.RSIMult > 0 && (in.RSI > c.RSIUpper || in.RSI < c.RSILower) {
		rsiMult = c.RSIMult
	}

	usd := c.BaseUSD * confMult * trendMult * rsiMult
	if cap := in.Equity * c.MaxPositionRatio; usd > cap {
		usd = cap
	}
	if usd < c.MinNotional {
		usd = c.MinNotional
	}

	qty := usd / in.Price
	if qty < c.MinTradeAmount {
		qty = c.MinTradeAmount
	}

	scale := math.Pow10(c.QtyPrecision)
	qty = math.Round(qty*scale) / scale

	// Rounding-safety correction: rounding down may drop the notional
	// below the exchange floor, which the venue rejects.
	if qty*in.Price < c.MinNotional {
		qty = math.Ceil(c.MinNotional/in.Price*scale) / scale
		log.Debug().
			Float64("price", in.Price).
			Float64("qty", qty).
			Msg("quantity ceiled to restore minimum notional")
	}

	if qty <= 0 || qty*in.Price < c.MinNotional {
		return 0, ErrNotionalBelowMin
	}

	log.Info().
		Float64("base_usd", c.BaseUSD).
		Float64("conf_mult", confMult).
		Float64("trend_mult", trendMult).
		Float64("rsi_mult", rsiMult).
		Float64("usd", usd).
		Float64("qty", qty).
		Msg("position sized")

	return qty, nil
}
