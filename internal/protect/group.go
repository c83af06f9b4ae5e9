// Package protect implements the position-protection core: minimum-notional
// safe position sizing, stop-loss/take-profit planning, the OCO group
// registry with durable persistence, the trailing-stop ratchet and the
// orphan-order sweeper.
package protect

import (
	"fmt"
	"time"
)

// Side is the direction of the protected position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Confidence is the strength of a trade signal.
type Confidence string

const (
	Low    Confidence = "LOW"
	Medium Confidence = "MEDIUM"
	High   Confidence = "HIGH"
)

// ParseConfidence validates a raw confidence string, defaulting to Low.
func ParseConfidence(s string) (Confidence, bool) {
	switch Confidence(s) {
	case Low, Medium, High:
		return Confidence(s), true
	}
	return Low, false
}

// GroupStatus is the lifecycle state of a protection group. Transitions are
// monotonic: once a group leaves StatusActive it never returns.
type GroupStatus string

const (
	StatusActive     GroupStatus = "ACTIVE"
	StatusStopFilled GroupStatus = "STOP_FILLED"
	StatusTPFilled   GroupStatus = "TP_FILLED"
)

// Group links one position's exit orders so the fill of any leg cancels the
// rest. The stop order id and price are mutable (replaced by the trailing
// engine); everything else is fixed at creation.
type Group struct {
	GroupID          string            `json:"group_id"`
	Symbol           string            `json:"symbol"`
	EntrySide        Side              `json:"entry_side"`
	EntryPrice       float64           `json:"entry_price"`
	Quantity         float64           `json:"quantity"`
	StopOrderID      string            `json:"stop_order_id"`
	StopPrice        float64           `json:"stop_price"`
	TakeProfitIDs    []string          `json:"take_profit_ids"`
	TakeProfitPrices []float64         `json:"take_profit_prices"`
	Status           GroupStatus       `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	FilledAt         time.Time         `json:"filled_at,omitempty"`
	FilledOrderID    string            `json:"filled_order_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// NewGroupID derives a unique group id from the position's identity and
// creation time.
func NewGroupID(symbol string, side Side, t time.Time) string {
	return fmt.Sprintf("%s-%s-%d", symbol, side, t.UnixNano())
}

// Resolved reports whether either leg already filled.
func (g *Group) Resolved() bool {
	return g.Status != StatusActive
}

// HasOrder reports whether orderID is one of the group's legs.
func (g *Group) HasOrder(orderID string) bool {
	if orderID == g.StopOrderID {
		return true
	}
	for _, id := range g.TakeProfitIDs {
		if id == orderID {
			return true
		}
	}
	return false
}

func (g *Group) clone() *Group {
	c := *g
	c.TakeProfitIDs = append([]string(nil), g.TakeProfitIDs...)
	c.TakeProfitPrices = append([]float64(nil), g.TakeProfitPrices...)
	if g.Metadata != nil {
		c.Metadata = make(map[string]string, len(g.Metadata))
		for k, v := range g.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
