package binance

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKlineEventToBar(t *testing.T) {
	t.Parallel()
	raw := `{"e":"kline","s":"BTCUSDT","k":{"t":1700000000000,"o":"90000.0","h":"90100.5","l":"89900.0","c":"90050.1","v":"12.5","x":true}}`

	var ev klineEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	require.Equal(t, "kline", ev.Event)
	require.True(t, ev.Kline.Final)

	bar, err := ev.toBar()
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", bar.Symbol)
	assert.Equal(t, 90050.1, bar.Close)
	assert.Equal(t, 90100.5, bar.High)
	assert.Equal(t, int64(1700000000000), bar.Ts.UnixMilli())
}

func TestKlineEventRejectsBadValues(t *testing.T) {
	t.Parallel()
	ev := klineEvent{Symbol: "BTCUSDT"}
	ev.Kline.Open = "not-a-number"
	ev.Kline.High = "1"
	ev.Kline.Low = "1"
	ev.Kline.Close = "1"
	ev.Kline.Volume = "1"
	_, err := ev.toBar()
	assert.Error(t, err)

	ev.Kline.Open = "1"
	ev.Kline.Close = "0"
	_, err = ev.toBar()
	assert.Error(t, err)
}

func TestOrderUpdateEventParsing(t *testing.T) {
	t.Parallel()
	raw := `{"e":"ORDER_TRADE_UPDATE","o":{"s":"BTCUSDT","S":"SELL","X":"FILLED","i":8886774,"ap":"88911.0","z":"0.002"}}`

	var ev orderUpdateEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, "ORDER_TRADE_UPDATE", ev.Event)
	assert.Equal(t, "FILLED", ev.Order.Status)
	assert.Equal(t, int64(8886774), ev.Order.OrderID)
	assert.Equal(t, "88911.0", ev.Order.AvgPrice)
}
