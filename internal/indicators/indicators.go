// Package indicators maintains the technical state driving the trading
// decisions: moving averages, RSI, MACD, Bollinger bands, a trend
// classification and support/resistance levels derived from recent bars.
package indicators

import (
	"math"
	"time"
)

// Bar is one OHLCV candle.
type Bar struct {
	Symbol string    `json:"symbol"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Ts     time.Time `json:"ts"`
}

// Trend classifies the prevailing market direction.
type Trend string

const (
	TrendStrongUp   Trend = "STRONG_UP"
	TrendStrongDown Trend = "STRONG_DOWN"
	TrendRanging    Trend = "RANGING"
)

// Strong reports whether the trend is strong in either direction.
func (t Trend) Strong() bool {
	return t == TrendStrongUp || t == TrendStrongDown
}

// Snapshot is the indicator state after the latest bar.
type Snapshot struct {
	Price      float64
	SMA5       float64
	SMA20      float64
	SMA50      float64
	RSI        float64
	MACD       float64
	MACDSignal float64
	BBUpper    float64
	BBMiddle   float64
	BBLower    float64
	VWAP       float64
	Support    float64
	Resistance float64
	Trend      Trend
	Ready      bool
}

const (
	rsiPeriod  = 14
	bbPeriod   = 20
	bbStd      = 2.0
	vwapWindow = 20
	srWindow   = 20  // bars scanned for support/resistance
	maxBars    = 200 // retained history
	warmupBars = 50  // longest SMA period
)

// Manager consumes bars and exposes the derived snapshot. Not safe for
// concurrent use; the engine feeds it from its single event loop.
type Manager struct {
	bars []Bar

	emaFast   ema
	emaSlow   ema
	emaSignal ema

	prevClose float64
	avgGain   float64
	avgLoss   float64
	rsiCount  int
}

// NewManager creates an empty indicator manager with MACD(12,26,9).
func NewManager() *Manager {
	return &Manager{
		emaFast:   ema{period: 12},
		emaSlow:   ema{period: 26},
		emaSignal: ema{period: 9},
	}
}

// Update feeds one bar into every indicator.
func (m *Manager) Update(bar Bar) {
	m.bars = append(m.bars, bar)
	if len(m.bars) > maxBars {
		m.bars = m.bars[len(m.bars)-maxBars:]
	}

	m.emaFast.update(bar.Close)
	m.emaSlow.update(bar.Close)
	m.emaSignal.update(m.emaFast.value - m.emaSlow.value)

	m.updateRSI(bar.Close)
}

// BarCount returns the number of bars consumed (bounded by retention).
func (m *Manager) BarCount() int { return len(m.bars) }

// RecentBars returns up to n most recent bars, newest last.
func (m *Manager) RecentBars(n int) []Bar {
	if n > len(m.bars) {
		n = len(m.bars)
	}
	out := make([]Bar, n)
	copy(out, m.bars[len(m.bars)-n:])
	return out
}

// Snapshot computes the current indicator state. Ready is false until
// enough bars arrived to fill the longest moving average.
func (m *Manager) Snapshot() Snapshot {
	if len(m.bars) == 0 {
		return Snapshot{Trend: TrendRanging}
	}

	price := m.bars[len(m.bars)-1].Close
	s := Snapshot{
		Price:      price,
		SMA5:       m.sma(5),
		SMA20:      m.sma(20),
		SMA50:      m.sma(50),
		RSI:        m.rsi(),
		MACD:       m.emaFast.value - m.emaSlow.value,
		MACDSignal: m.emaSignal.value,
		Ready:      len(m.bars) >= warmupBars,
	}

	s.BBMiddle = m.sma(bbPeriod)
	std := m.closeStd(bbPeriod, s.BBMiddle)
	s.BBUpper = s.BBMiddle + bbStd*std
	s.BBLower = s.BBMiddle - bbStd*std

	s.VWAP = m.vwap()
	s.Support, s.Resistance = m.supportResistance()
	s.Trend = classifyTrend(price, s.SMA5, s.SMA20, s.SMA50)
	return s
}

func classifyTrend(price, sma5, sma20, sma50 float64) Trend {
	if sma50 == 0 {
		return TrendRanging
	}
	switch {
	case price > sma5 && sma5 > sma20 && sma20 > sma50:
		return TrendStrongUp
	case price < sma5 && sma5 < sma20 && sma20 < sma50:
		return TrendStrongDown
	default:
		return TrendRanging
	}
}

func (m *Manager) sma(period int) float64 {
	if len(m.bars) < period || period == 0 {
		return 0
	}
	sum := 0.0
	for _, b := range m.bars[len(m.bars)-period:] {
		sum += b.Close
	}
	return sum / float64(period)
}

func (m *Manager) closeStd(period int, mean float64) float64 {
	if len(m.bars) < period || mean == 0 {
		return 0
	}
	variance := 0.0
	for _, b := range m.bars[len(m.bars)-period:] {
		d := b.Close - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(period))
}

// vwap is the volume-weighted average of the typical price over the recent
// window. Falls back to the last close when the window carried no volume.
func (m *Manager) vwap() float64 {
	n := vwapWindow
	if n > len(m.bars) {
		n = len(m.bars)
	}
	pv, vol := 0.0, 0.0
	for _, b := range m.bars[len(m.bars)-n:] {
		typical := (b.High + b.Low + b.Close) / 3
		pv += typical * b.Volume
		vol += b.Volume
	}
	if vol == 0 {
		return m.bars[len(m.bars)-1].Close
	}
	return pv / vol
}

// supportResistance takes the lowest low and highest high of the recent
// window as the nearest structural levels.
func (m *Manager) supportResistance() (support, resistance float64) {
	n := srWindow
	if n > len(m.bars) {
		n = len(m.bars)
	}
	if n == 0 {
		return 0, 0
	}
	window := m.bars[len(m.bars)-n:]
	support = window[0].Low
	resistance = window[0].High
	for _, b := range window[1:] {
		if b.Low < support {
			support = b.Low
		}
		if b.High > resistance {
			resistance = b.High
		}
	}
	return support, resistance
}

// updateRSI maintains Wilder-smoothed average gain/loss.
func (m *Manager) updateRSI(close float64) {
	if m.rsiCount == 0 {
		m.prevClose = close
		m.rsiCount++
		return
	}

	change := close - m.prevClose
	m.prevClose = close
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	if m.rsiCount <= rsiPeriod {
		// Seed with plain averages over the first period.
		m.avgGain += gain / rsiPeriod
		m.avgLoss += loss / rsiPeriod
	} else {
		m.avgGain = (m.avgGain*(rsiPeriod-1) + gain) / rsiPeriod
		m.avgLoss = (m.avgLoss*(rsiPeriod-1) + loss) / rsiPeriod
	}
	m.rsiCount++
}

func (m *Manager) rsi() float64 {
	if m.rsiCount <= rsiPeriod {
		return 50 // neutral until warmed up
	}
	if m.avgLoss == 0 {
		if m.avgGain == 0 {
			return 50 // no movement at all
		}
		return 100
	}
	rs := m.avgGain / m.avgLoss
	return 100 - 100/(1+rs)
}

// ema is an incremental exponential moving average seeded by its first
// input.
type ema struct {
	period int
	value  float64
	primed bool
}

func (e *ema) update(v float64) {
	if !e.primed {
		e.value = v
		e.primed = true
		return
	}
	k := 2.0 / float64(e.period+1)
	e.value = v*k + e.value*(1-k)
}
