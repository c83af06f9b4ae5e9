package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"deepseek-bot/internal/indicators"
	"deepseek-bot/internal/venue"
)

type WS struct{ url string }

func NewWS(u string) WS { return WS{u} }

// StreamBars subscribes to kline channels for the given symbols and emits
// one Bar per closed candle. It reconnects with exponential backoff until
// the context is cancelled.
func (w WS) StreamBars(ctx context.Context, symbols []string, interval string, bars chan<- indicators.Bar, errors chan<- error) error {
	return w.reconnectLoop(ctx, errors, func() error {
		return w.streamBarsOnce(ctx, symbols, interval, bars)
	})
}

// StreamFills consumes the user data stream identified by listenKey and
// emits a Fill for every fully filled order.
func (w WS) StreamFills(ctx context.Context, listenKey string, fills chan<- venue.Fill, errors chan<- error) error {
	return w.reconnectLoop(ctx, errors, func() error {
		return w.streamFillsOnce(ctx, listenKey, fills)
	})
}

func (w WS) reconnectLoop(ctx context.Context, errors chan<- error, connect func() error) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := connect(); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn().Err(err).Dur("backoff", backoff).Msg("WebSocket connection failed, reconnecting")
				select {
				case errors <- fmt.Errorf("ws reconnect: %w", err):
				default:
				}

				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}

				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = time.Second
		}
	}
}

func (w WS) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	conn.SetReadLimit(512 * 1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	// The server pings periodically; answering keeps the read deadline fresh.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})
	return conn, nil
}

type klineEvent struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Kline  struct {
		Open   string `json:"o"`
		High   string `json:"h"`
		Low    string `json:"l"`
		Close  string `json:"c"`
		Volume string `json:"v"`
		Start  int64  `json:"t"`
		Final  bool   `json:"x"`
	} `json:"k"`
}

func (w WS) streamBarsOnce(ctx context.Context, symbols []string, interval string, bars chan<- indicators.Bar) error {
	conn, err := w.dial(ctx, w.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, strings.ToLower(s)+"@kline_"+interval)
	}
	log.Info().Strs("streams", params).Msg("Subscribing to kline channels")

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(map[string]any{"method": "SUBSCRIBE", "params": params, "id": 1}); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message failed: %w", err)
		}

		var ev klineEvent
		if err := json.Unmarshal(msg, &ev); err != nil || ev.Event != "kline" {
			continue
		}
		if !ev.Kline.Final {
			continue
		}

		bar, err := ev.toBar()
		if err != nil {
			log.Debug().Err(err).Str("symbol", ev.Symbol).Msg("failed to parse kline")
			continue
		}
		select {
		case bars <- bar:
		default:
			log.Warn().Str("symbol", bar.Symbol).Msg("bar channel full, dropping message")
		}
	}
}

func (ev klineEvent) toBar() (indicators.Bar, error) {
	open, err1 := strconv.ParseFloat(ev.Kline.Open, 64)
	high, err2 := strconv.ParseFloat(ev.Kline.High, 64)
	low, err3 := strconv.ParseFloat(ev.Kline.Low, 64)
	closeP, err4 := strconv.ParseFloat(ev.Kline.Close, 64)
	vol, err5 := strconv.ParseFloat(ev.Kline.Volume, 64)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return indicators.Bar{}, fmt.Errorf("invalid kline field: %w", err)
		}
	}
	if closeP <= 0 || high < low {
		return indicators.Bar{}, fmt.Errorf("invalid kline values: close=%f high=%f low=%f", closeP, high, low)
	}
	return indicators.Bar{
		Symbol: ev.Symbol,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  closeP,
		Volume: vol,
		Ts:     time.UnixMilli(ev.Kline.Start),
	}, nil
}

type orderUpdateEvent struct {
	Event string `json:"e"`
	Order struct {
		Symbol    string `json:"s"`
		Side      string `json:"S"`
		Status    string `json:"X"`
		OrderID   int64  `json:"i"`
		AvgPrice  string `json:"ap"`
		FilledQty string `json:"z"`
	} `json:"o"`
}

func (w WS) streamFillsOnce(ctx context.Context, listenKey string, fills chan<- venue.Fill) error {
	conn, err := w.dial(ctx, w.url+"/"+listenKey)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Info().Msg("User data stream connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message failed: %w", err)
		}

		var ev orderUpdateEvent
		if err := json.Unmarshal(msg, &ev); err != nil || ev.Event != "ORDER_TRADE_UPDATE" {
			continue
		}
		if ev.Order.Status != "FILLED" {
			continue
		}

		price, _ := strconv.ParseFloat(ev.Order.AvgPrice, 64)
		qty, _ := strconv.ParseFloat(ev.Order.FilledQty, 64)
		fill := venue.Fill{
			OrderID: strconv.FormatInt(ev.Order.OrderID, 10),
			Symbol:  ev.Order.Symbol,
			Side:    parseSide(ev.Order.Side),
			Qty:     qty,
			Price:   price,
			Ts:      time.Now(),
		}

		select {
		case fills <- fill:
			log.Debug().Str("order_id", fill.OrderID).Str("symbol", fill.Symbol).Msg("fill received")
		default:
			log.Warn().Str("order_id", fill.OrderID).Msg("fill channel full, dropping message")
		}
	}
}
