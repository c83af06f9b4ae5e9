// Package binance implements the venue interface against the Binance
// USDT-margined futures REST and WebSocket APIs.
package binance

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"deepseek-bot/internal/venue"
)

// Binance error code for cancel/query of an order it no longer knows.
const codeUnknownOrder = -2011

type Client struct {
	key, secret, base string
	rest              *resty.Client
}

func NewREST(key, secret, base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	return &Client{key, secret, base, r}
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type orderResp struct {
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
	apiError
}

// signedParams appends timestamp and signature to the given values.
func (c *Client) signedParams(v url.Values) string {
	v.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	payload := v.Encode()
	return payload + "&signature=" + Sign(c.secret, payload)
}

func (c *Client) submit(ctx context.Context, v url.Values) (string, error) {
	// Tag every order so it can be correlated in venue logs.
	v.Set("newClientOrderId", "dst-"+uuid.New().String())

	resp := &orderResp{}
	httpResp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.key).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signedParams(v)).
		SetResult(resp).
		SetError(resp).
		Post(c.base + "/fapi/v1/order")
	if err != nil {
		return "", fmt.Errorf("binance: submit order: %w", err)
	}
	if httpResp.StatusCode() != 200 || resp.Code != 0 {
		return "", fmt.Errorf("binance: order rejected: %d %s", resp.Code, resp.Msg)
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

func sideParam(side venue.Side) string {
	if side == venue.Buy {
		return "BUY"
	}
	return "SELL"
}

func qtyParam(qty float64) string {
	return strconv.FormatFloat(qty, 'f', -1, 64)
}

// SubmitMarket places a market order and returns the venue order id.
func (c *Client) SubmitMarket(ctx context.Context, symbol string, side venue.Side, qty float64, reduceOnly bool) (string, error) {
	v := url.Values{}
	v.Set("symbol", symbol)
	v.Set("side", sideParam(side))
	v.Set("type", "MARKET")
	v.Set("quantity", qtyParam(qty))
	if reduceOnly {
		v.Set("reduceOnly", "true")
	}
	return c.submit(ctx, v)
}

// SubmitStopMarket places a stop-market order triggered at triggerPrice.
func (c *Client) SubmitStopMarket(ctx context.Context, symbol string, side venue.Side, qty, triggerPrice float64, reduceOnly bool) (string, error) {
	v := url.Values{}
	v.Set("symbol", symbol)
	v.Set("side", sideParam(side))
	v.Set("type", "STOP_MARKET")
	v.Set("quantity", qtyParam(qty))
	v.Set("stopPrice", qtyParam(triggerPrice))
	if reduceOnly {
		v.Set("reduceOnly", "true")
	}
	return c.submit(ctx, v)
}

// SubmitLimit places a GTC limit order.
func (c *Client) SubmitLimit(ctx context.Context, symbol string, side venue.Side, qty, price float64, reduceOnly bool) (string, error) {
	v := url.Values{}
	v.Set("symbol", symbol)
	v.Set("side", sideParam(side))
	v.Set("type", "LIMIT")
	v.Set("timeInForce", "GTC")
	v.Set("quantity", qtyParam(qty))
	v.Set("price", qtyParam(price))
	if reduceOnly {
		v.Set("reduceOnly", "true")
	}
	return c.submit(ctx, v)
}

// Cancel cancels the order. An order the venue no longer knows maps to
// venue.ErrOrderNotFound so callers can treat it as already resolved.
func (c *Client) Cancel(ctx context.Context, symbol, orderID string) error {
	v := url.Values{}
	v.Set("symbol", symbol)
	v.Set("orderId", orderID)

	resp := &orderResp{}
	httpResp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.key).
		SetQueryString(c.signedParams(v)).
		SetResult(resp).
		SetError(resp).
		Delete(c.base + "/fapi/v1/order")
	if err != nil {
		return fmt.Errorf("binance: cancel order %s: %w", orderID, err)
	}
	if resp.Code == codeUnknownOrder {
		return venue.ErrOrderNotFound
	}
	if httpResp.StatusCode() != 200 || resp.Code != 0 {
		return fmt.Errorf("binance: cancel rejected: %d %s", resp.Code, resp.Msg)
	}
	return nil
}

type openOrder struct {
	OrderID    int64  `json:"orderId"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Type       string `json:"type"`
	OrigQty    string `json:"origQty"`
	Price      string `json:"price"`
	StopPrice  string `json:"stopPrice"`
	ReduceOnly bool   `json:"reduceOnly"`
}

// OpenOrders lists the resting orders for a symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]venue.Order, error) {
	v := url.Values{}
	v.Set("symbol", symbol)

	var raw []openOrder
	httpResp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.key).
		SetQueryString(c.signedParams(v)).
		SetResult(&raw).
		Get(c.base + "/fapi/v1/openOrders")
	if err != nil {
		return nil, fmt.Errorf("binance: open orders: %w", err)
	}
	if httpResp.StatusCode() != 200 {
		return nil, fmt.Errorf("binance: open orders: status %d: %s", httpResp.StatusCode(), httpResp.String())
	}

	orders := make([]venue.Order, 0, len(raw))
	for _, o := range raw {
		qty, _ := strconv.ParseFloat(o.OrigQty, 64)
		price, _ := strconv.ParseFloat(o.Price, 64)
		trigger, _ := strconv.ParseFloat(o.StopPrice, 64)
		orders = append(orders, venue.Order{
			ID:           strconv.FormatInt(o.OrderID, 10),
			Symbol:       o.Symbol,
			Side:         parseSide(o.Side),
			Type:         parseOrderType(o.Type),
			Qty:          qty,
			Price:        price,
			TriggerPrice: trigger,
			ReduceOnly:   o.ReduceOnly,
		})
	}
	return orders, nil
}

type positionRisk struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
}

// Position returns the signed position for the symbol (zero when flat).
func (c *Client) Position(ctx context.Context, symbol string) (venue.Position, error) {
	v := url.Values{}
	v.Set("symbol", symbol)

	var raw []positionRisk
	httpResp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.key).
		SetQueryString(c.signedParams(v)).
		SetResult(&raw).
		Get(c.base + "/fapi/v2/positionRisk")
	if err != nil {
		return venue.Position{}, fmt.Errorf("binance: position: %w", err)
	}
	if httpResp.StatusCode() != 200 {
		return venue.Position{}, fmt.Errorf("binance: position: status %d: %s", httpResp.StatusCode(), httpResp.String())
	}

	for _, p := range raw {
		if p.Symbol != symbol {
			continue
		}
		qty, _ := strconv.ParseFloat(p.PositionAmt, 64)
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		return venue.Position{Symbol: symbol, Qty: qty, EntryPrice: entry}, nil
	}
	return venue.Position{Symbol: symbol}, nil
}

type balanceEntry struct {
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

// Equity returns the USDT wallet balance.
func (c *Client) Equity(ctx context.Context) (float64, error) {
	var raw []balanceEntry
	httpResp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.key).
		SetQueryString(c.signedParams(url.Values{})).
		SetResult(&raw).
		Get(c.base + "/fapi/v2/balance")
	if err != nil {
		return 0, fmt.Errorf("binance: balance: %w", err)
	}
	if httpResp.StatusCode() != 200 {
		return 0, fmt.Errorf("binance: balance: status %d: %s", httpResp.StatusCode(), httpResp.String())
	}

	for _, b := range raw {
		if b.Asset == "USDT" {
			bal, err := strconv.ParseFloat(b.Balance, 64)
			if err != nil {
				return 0, fmt.Errorf("binance: parse balance %q: %w", b.Balance, err)
			}
			return bal, nil
		}
	}
	return 0, fmt.Errorf("binance: no USDT balance entry")
}

// ListenKey opens a user data stream and returns its key. The key must be
// kept alive with KeepAliveListenKey.
func (c *Client) ListenKey(ctx context.Context) (string, error) {
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	httpResp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.key).
		SetResult(&out).
		Post(c.base + "/fapi/v1/listenKey")
	if err != nil {
		return "", fmt.Errorf("binance: listen key: %w", err)
	}
	if httpResp.StatusCode() != 200 || out.ListenKey == "" {
		return "", fmt.Errorf("binance: listen key: status %d: %s", httpResp.StatusCode(), httpResp.String())
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends the user data stream validity.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	httpResp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.key).
		Put(c.base + "/fapi/v1/listenKey")
	if err != nil {
		return fmt.Errorf("binance: keepalive listen key: %w", err)
	}
	if httpResp.StatusCode() != 200 {
		return fmt.Errorf("binance: keepalive listen key: status %d", httpResp.StatusCode())
	}
	return nil
}

// Kline is one candle from the public market endpoint.
type Kline struct {
	OpenTime                    int64
	Open, High, Low, Close, Vol float64
	CloseTime                   int64
}

// GetKlines fetches historical candles for indicator warmup.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	var raw [][]any
	httpResp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&raw).
		Get(c.base + "/fapi/v1/klines")
	if err != nil {
		return nil, fmt.Errorf("binance: klines: %w", err)
	}
	if httpResp.StatusCode() != 200 {
		return nil, fmt.Errorf("binance: klines: status %d: %s", httpResp.StatusCode(), httpResp.String())
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		k := Kline{}
		k.OpenTime = int64(asFloat(row[0]))
		k.Open = parseFloatField(row[1])
		k.High = parseFloatField(row[2])
		k.Low = parseFloatField(row[3])
		k.Close = parseFloatField(row[4])
		k.Vol = parseFloatField(row[5])
		k.CloseTime = int64(asFloat(row[6]))
		klines = append(klines, k)
	}
	return klines, nil
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func parseFloatField(v any) float64 {
	s, ok := v.(string)
	if !ok {
		return asFloat(v)
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseSide(s string) venue.Side {
	if strings.EqualFold(s, "BUY") {
		return venue.Buy
	}
	return venue.Sell
}

func parseOrderType(s string) venue.OrderType {
	switch s {
	case "STOP_MARKET":
		return venue.StopMarket
	case "LIMIT":
		return venue.Limit
	default:
		return venue.Market
	}
}
