package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"deepseek-bot/internal/ai"
	"deepseek-bot/internal/cfg"
	"deepseek-bot/internal/engine"
	"deepseek-bot/internal/indicators"
	"deepseek-bot/internal/metrics"
	"deepseek-bot/internal/notify"
	"deepseek-bot/internal/protect"
	"deepseek-bot/internal/redisstore"
	"deepseek-bot/internal/sentiment"
	"deepseek-bot/internal/storage"
	"deepseek-bot/internal/venue/binance"
)

const klineInterval = "1m"

func main() {
	// Optional .env for local development; ignore when absent.
	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	startMetricsServer(ctx, c.MetricsPort)

	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	registry := initializeRegistry(ctx, c, m)

	rest := binance.NewREST(c.Key, c.Secret, c.BaseURL, c.RESTTimeout)
	notifier := notify.NewTelegram(notify.Config{Token: c.Telegram.Token, ChatID: c.Telegram.ChatID})

	eng := engine.New(engine.Config{
		Symbols:          c.Symbols,
		DryRun:           c.DryRun,
		AnalysisInterval: c.AnalysisInterval,
		SweepInterval:    c.SweepInterval,
		Sizer:            c.Sizer,
		Planner:          c.Planner,
	}, engine.Deps{
		Exec:     rest,
		Registry: registry,
		Trailing: protect.NewTrailingEngine(c.Trailing),
		Sweeper:  protect.NewOrphanSweeper(rest),
		Signals: ai.NewClient(ai.Config{
			APIKey:      c.AI.APIKey,
			BaseURL:     c.AI.BaseURL,
			Model:       c.AI.Model,
			Temperature: c.AI.Temperature,
			MaxRetries:  c.AI.MaxRetries,
		}),
		Sentiment: sentimentProvider(c),
		Notifier:  notifier,
		History:   historyLog(store),
		Metrics:   m,
	})

	warmupIndicators(ctx, rest, eng, c.Symbols)
	eng.AdoptRecovered()

	errors := make(chan error, 32)

	var wg sync.WaitGroup
	startErrorHandler(ctx, &wg, errors, m)
	startMarketStream(ctx, &wg, c, eng, errors)
	startFillStream(ctx, &wg, c, rest, eng, errors)

	if notifier != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			notifier.Listen(ctx, eng.Commands)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()

	notifier.Send(ctx, "Trading bot started")
	waitForShutdown(ctx, cancel, &wg)
}

// initializeStorage opens the bbolt store when DATA_PATH is configured.
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
		return nil
	}
	return store
}

// historyLog avoids a typed-nil interface when storage is disabled.
func historyLog(store *storage.Store) engine.DecisionLog {
	if store == nil {
		return nil
	}
	return store
}

func sentimentProvider(c cfg.Settings) engine.SentimentProvider {
	if c.Sentiment.BaseURL == "" {
		return nil
	}
	return sentiment.NewClient(sentiment.Config{
		BaseURL:       c.Sentiment.BaseURL,
		APIKey:        c.Sentiment.APIKey,
		LookbackHours: c.Sentiment.LookbackHours,
		Timeframe:     c.Sentiment.Timeframe,
	})
}

// initializeRegistry wires the OCO registry to Redis. A connection failure
// degrades to memory-only tracking; losing persistence must never keep the
// bot from protecting positions.
func initializeRegistry(ctx context.Context, c cfg.Settings, m *metrics.Metrics) *protect.Registry {
	var groupStore protect.GroupStore
	if c.Redis.Addr != "" {
		rs, err := redisstore.New(ctx, redisstore.Config{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
		})
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, protection groups tracked in memory only")
		} else {
			groupStore = rs
		}
	}

	registry := protect.NewRegistry(groupStore, c.GroupTTL, c.ResolvedTTL)
	registry.OnStoreError(m.StoreErrors.Inc)
	if err := registry.RecoverOnStartup(ctx); err != nil {
		log.Warn().Err(err).Msg("protection group recovery failed")
	}
	return registry
}

// warmupIndicators seeds each symbol from recent history so the first
// decision cycle does not wait for live candles.
func warmupIndicators(ctx context.Context, rest *binance.Client, eng *engine.Engine, symbols []string) {
	for _, symbol := range symbols {
		klines, err := rest.GetKlines(ctx, symbol, klineInterval, 100)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("indicator warmup failed, waiting for live data")
			continue
		}
		bars := make([]indicators.Bar, 0, len(klines))
		for _, k := range klines {
			bars = append(bars, indicators.Bar{
				Symbol: symbol,
				Open:   k.Open,
				High:   k.High,
				Low:    k.Low,
				Close:  k.Close,
				Volume: k.Vol,
				Ts:     time.UnixMilli(k.OpenTime),
			})
		}
		eng.Warmup(symbol, bars)
	}
}

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(ctx context.Context, port int) {
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go func() {
			<-ctx.Done()
			if err := server.Shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to shutdown metrics server")
			}
		}()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// startMarketStream feeds closed candles into the engine.
func startMarketStream(ctx context.Context, wg *sync.WaitGroup, c cfg.Settings, eng *engine.Engine, errors chan error) {
	ws := binance.NewWS(c.WsURL)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.StreamBars(ctx, c.Symbols, klineInterval, eng.Bars, errors); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("market stream ended")
		}
	}()
}

// startFillStream maintains the user data stream and feeds fills into the
// engine. The listen key is refreshed on the venue's keepalive cadence and
// re-acquired when the stream drops.
func startFillStream(ctx context.Context, wg *sync.WaitGroup, c cfg.Settings, rest *binance.Client, eng *engine.Engine, errors chan error) {
	ws := binance.NewWS(c.WsURL)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			listenKey, err := rest.ListenKey(ctx)
			if err != nil {
				log.Error().Err(err).Msg("failed to open user data stream")
				select {
				case <-time.After(5 * time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}

			streamCtx, stopKeepalive := context.WithCancel(ctx)
			go keepAliveLoop(streamCtx, rest)

			if err := ws.StreamFills(streamCtx, listenKey, eng.Fills, errors); err != nil && err != context.Canceled {
				log.Warn().Err(err).Msg("fill stream ended, reacquiring listen key")
			}
			stopKeepalive()
		}
	}()
}

func keepAliveLoop(ctx context.Context, rest *binance.Client) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rest.KeepAliveListenKey(ctx); err != nil {
				log.Warn().Err(err).Msg("listen key keepalive failed")
			}
		}
	}
}

// startErrorHandler drains the background error channel into logs and
// metrics.
func startErrorHandler(ctx context.Context, wg *sync.WaitGroup, errors chan error, m *metrics.Metrics) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errors:
				log.Error().Err(err).Msg("background error")
				m.WSReconnects.Inc()
				m.ErrorsTotal.Inc()
			}
		}
	}()
}

// waitForShutdown waits for a signal and stops everything gracefully.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
