// Package cfg loads and validates the bot configuration from a YAML file
// with environment variable overrides for secrets and deploy-specific
// values.
package cfg

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"deepseek-bot/internal/protect"
)

type Settings struct {
	Key, Secret string
	Symbols     []string
	BaseURL     string
	WsURL       string
	DataPath    string
	DryRun      bool
	MetricsPort int
	RESTTimeout time.Duration

	AnalysisInterval time.Duration
	SweepInterval    time.Duration

	Sizer    protect.SizerConfig
	Planner  protect.PlannerConfig
	Trailing protect.TrailingConfig

	GroupTTL    time.Duration
	ResolvedTTL time.Duration

	Redis     RedisSettings
	AI        AISettings
	Sentiment SentimentSettings
	Telegram  TelegramSettings
}

type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type AISettings struct {
	APIKey      string  `yaml:"apiKey"`
	BaseURL     string  `yaml:"baseURL"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxRetries  int     `yaml:"maxRetries"`
}

type SentimentSettings struct {
	BaseURL       string `yaml:"baseURL"`
	APIKey        string `yaml:"apiKey"`
	LookbackHours int    `yaml:"lookbackHours"`
	Timeframe     string `yaml:"timeframe"`
}

type TelegramSettings struct {
	Token  string `yaml:"token"`
	ChatID string `yaml:"chatId"`
}

type LadderRung struct {
	Pct      float64 `yaml:"pct"`
	Fraction float64 `yaml:"fraction"`
}

type ConfigFile struct {
	API struct {
		Key     string `yaml:"key"`
		Secret  string `yaml:"secret"`
		BaseURL string `yaml:"baseURL"`
		WsURL   string `yaml:"wsURL"`
	} `yaml:"api"`

	Trading struct {
		Symbols          []string           `yaml:"symbols"`
		BaseUSD          float64            `yaml:"baseUSD"`
		MinNotional      float64            `yaml:"minNotional"`
		MaxPositionRatio float64            `yaml:"maxPositionRatio"`
		MinTradeAmount   float64            `yaml:"minTradeAmount"`
		QtyPrecision     int                `yaml:"qtyPrecision"`
		ConfidenceMult   map[string]float64 `yaml:"confidenceMultipliers"`
		TrendMult        float64            `yaml:"trendMultiplier"`
		RSIUpper         float64            `yaml:"rsiUpper"`
		RSILower         float64            `yaml:"rsiLower"`
		RSIMult          float64            `yaml:"rsiMultiplier"`
		DryRun           bool               `yaml:"dryRun"`
	} `yaml:"trading"`

	Protection struct {
		SLBufferPct      float64            `yaml:"slBufferPct"`
		DefaultStopPct   float64            `yaml:"defaultStopPct"`
		TPPct            map[string]float64 `yaml:"tpPctByConfidence"`
		Ladder           []LadderRung       `yaml:"ladder"`
		GroupTTLHours    int                `yaml:"groupTtlHours"`
		ResolvedTTLHours int                `yaml:"resolvedTtlHours"`
	} `yaml:"protection"`

	Trailing struct {
		ActivationPct      float64 `yaml:"activationPct"`
		DistancePct        float64 `yaml:"distancePct"`
		UpdateThresholdPct float64 `yaml:"updateThresholdPct"`
	} `yaml:"trailing"`

	Redis     RedisSettings     `yaml:"redis"`
	AI        AISettings        `yaml:"ai"`
	Sentiment SentimentSettings `yaml:"sentiment"`
	Telegram  TelegramSettings  `yaml:"telegram"`

	System struct {
		DataPath         string `yaml:"dataPath"`
		MetricsPort      int    `yaml:"metricsPort"`
		RESTTimeout      string `yaml:"restTimeout"`
		AnalysisInterval string `yaml:"analysisInterval"`
		SweepInterval    string `yaml:"sweepInterval"`
	} `yaml:"system"`
}

func Load() (Settings, error) {
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromFile(ConfigFile{})
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return loadFromFile(config)
}

// loadFromFile merges the YAML config with environment overrides and
// defaults, then validates the result. A zero ConfigFile yields a pure
// env/default configuration.
func loadFromFile(config ConfigFile) (Settings, error) {
	key := getEnvOrDefault("BINANCE_API_KEY", config.API.Key)
	secret := getEnvOrDefault("BINANCE_SECRET_KEY", config.API.Secret)

	settings := Settings{
		Key:         key,
		Secret:      secret,
		Symbols:     getSymbolsFromEnvOrConfig(config.Trading.Symbols),
		BaseURL:     getEnvOrDefault("BASE_URL", defaultStr(config.API.BaseURL, "https://fapi.binance.com")),
		WsURL:       getEnvOrDefault("WS_URL", defaultStr(config.API.WsURL, "wss://fstream.binance.com/ws")),
		DataPath:    getEnvOrDefault("DATA_PATH", config.System.DataPath),
		DryRun:      getBoolFromEnvOrConfig("DRY_RUN", config.Trading.DryRun),
		MetricsPort: defaultInt(config.System.MetricsPort, 8080),
		RESTTimeout: parseDurationOrDefault(config.System.RESTTimeout, 5*time.Second),

		AnalysisInterval: parseDurationOrDefault(config.System.AnalysisInterval, time.Minute),
		SweepInterval:    parseDurationOrDefault(config.System.SweepInterval, 5*time.Minute),

		Sizer: protect.SizerConfig{
			BaseUSD:          defaultFloat(config.Trading.BaseUSD, 100),
			MinNotional:      defaultFloat(config.Trading.MinNotional, 100),
			MaxPositionRatio: defaultFloat(config.Trading.MaxPositionRatio, 0.10),
			MinTradeAmount:   defaultFloat(config.Trading.MinTradeAmount, 0.001),
			QtyPrecision:     defaultInt(config.Trading.QtyPrecision, 3),
			ConfidenceMult:   confidenceMap(config.Trading.ConfidenceMult),
			TrendMult:        defaultFloat(config.Trading.TrendMult, 1.2),
			RSIUpper:         defaultFloat(config.Trading.RSIUpper, 75),
			RSILower:         defaultFloat(config.Trading.RSILower, 25),
			RSIMult:          defaultFloat(config.Trading.RSIMult, 0.7),
		},
		Planner: protect.PlannerConfig{
			SLBufferPct:    defaultFloat(config.Protection.SLBufferPct, 0.001),
			DefaultStopPct: defaultFloat(config.Protection.DefaultStopPct, 0.02),
			TPPct:          tpMap(config.Protection.TPPct),
			Ladder:         ladderRungs(config.Protection.Ladder),
		},
		Trailing: protect.TrailingConfig{
			ActivationPct:      defaultFloat(config.Trailing.ActivationPct, 0.01),
			DistancePct:        defaultFloat(config.Trailing.DistancePct, 0.005),
			UpdateThresholdPct: defaultFloat(config.Trailing.UpdateThresholdPct, 0.001),
		},

		GroupTTL:    time.Duration(defaultInt(config.Protection.GroupTTLHours, 24)) * time.Hour,
		ResolvedTTL: time.Duration(defaultInt(config.Protection.ResolvedTTLHours, 1)) * time.Hour,

		Redis:     config.Redis,
		AI:        config.AI,
		Sentiment: config.Sentiment,
		Telegram:  config.Telegram,
	}

	// Secrets always prefer the environment.
	settings.Redis.Addr = getEnvOrDefault("REDIS_ADDR", settings.Redis.Addr)
	settings.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", settings.Redis.Password)
	settings.AI.APIKey = getEnvOrDefault("DEEPSEEK_API_KEY", settings.AI.APIKey)
	settings.Sentiment.APIKey = getEnvOrDefault("SENTIMENT_API_KEY", settings.Sentiment.APIKey)
	settings.Telegram.Token = getEnvOrDefault("TELEGRAM_BOT_TOKEN", settings.Telegram.Token)
	settings.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", settings.Telegram.ChatID)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func confidenceMap(m map[string]float64) map[protect.Confidence]float64 {
	out := map[protect.Confidence]float64{
		protect.High:   1.5,
		protect.Medium: 1.0,
		protect.Low:    0.5,
	}
	for k, v := range m {
		if c, ok := protect.ParseConfidence(strings.ToUpper(k)); ok {
			out[c] = v
		}
	}
	return out
}

func tpMap(m map[string]float64) map[protect.Confidence]float64 {
	out := map[protect.Confidence]float64{
		protect.High:   0.03,
		protect.Medium: 0.02,
		protect.Low:    0.01,
	}
	for k, v := range m {
		if c, ok := protect.ParseConfidence(strings.ToUpper(k)); ok {
			out[c] = v
		}
	}
	return out
}

func ladderRungs(rungs []LadderRung) []protect.TPRung {
	out := make([]protect.TPRung, 0, len(rungs))
	for _, r := range rungs {
		out = append(out, protect.TPRung{Pct: r.Pct, Fraction: r.Fraction})
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getBoolFromEnvOrConfig(key string, configValue bool) bool {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseBool(env); err == nil {
			return val
		}
	}
	return configValue
}

func getSymbolsFromEnvOrConfig(configSymbols []string) []string {
	if env := os.Getenv("SYMBOLS"); env != "" {
		return strings.Split(env, ",")
	}
	if len(configSymbols) > 0 {
		return configSymbols
	}
	return []string{"BTCUSDT"}
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func defaultFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func parseDurationOrDefault(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// validateSettings performs comprehensive validation of configuration values.
func validateSettings(settings *Settings) error {
	if settings.Key == "" || settings.Secret == "" {
		return fmt.Errorf("API key and secret are required")
	}
	if len(settings.Symbols) == 0 {
		return fmt.Errorf("at least one trading symbol must be specified")
	}
	if settings.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	if settings.WsURL == "" {
		return fmt.Errorf("WebSocket URL cannot be empty")
	}

	if settings.RESTTimeout < time.Second || settings.RESTTimeout > time.Minute {
		return fmt.Errorf("REST timeout must be between 1s and 1m, got %v", settings.RESTTimeout)
	}
	if settings.AnalysisInterval < 10*time.Second || settings.AnalysisInterval > time.Hour {
		return fmt.Errorf("analysis interval must be between 10s and 1h, got %v", settings.AnalysisInterval)
	}
	if settings.MetricsPort < 1024 || settings.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", settings.MetricsPort)
	}

	s := settings.Sizer
	if s.BaseUSD <= 0 {
		return fmt.Errorf("base order size must be positive, got %f", s.BaseUSD)
	}
	if s.MinNotional <= 0 {
		return fmt.Errorf("minimum notional must be positive, got %f", s.MinNotional)
	}
	if s.MaxPositionRatio <= 0 || s.MaxPositionRatio > 0.5 {
		return fmt.Errorf("max position ratio must be between 0 and 0.5 (50%%), got %f", s.MaxPositionRatio)
	}
	if s.QtyPrecision < 0 || s.QtyPrecision > 8 {
		return fmt.Errorf("quantity precision must be between 0 and 8, got %d", s.QtyPrecision)
	}
	if s.RSILower >= s.RSIUpper {
		return fmt.Errorf("RSI lower bound %f must be below upper bound %f", s.RSILower, s.RSIUpper)
	}
	for conf, mult := range s.ConfidenceMult {
		if mult <= 0 || mult > 5 {
			return fmt.Errorf("confidence multiplier for %s must be between 0 and 5, got %f", conf, mult)
		}
	}

	p := settings.Planner
	if p.SLBufferPct < 0 || p.SLBufferPct > 0.1 {
		return fmt.Errorf("stop-loss buffer must be between 0 and 0.1 (10%%), got %f", p.SLBufferPct)
	}
	if p.DefaultStopPct <= 0 || p.DefaultStopPct > 0.2 {
		return fmt.Errorf("default stop distance must be between 0 and 0.2 (20%%), got %f", p.DefaultStopPct)
	}
	for conf, pct := range p.TPPct {
		if pct <= 0 || pct > 0.5 {
			return fmt.Errorf("take-profit pct for %s must be between 0 and 0.5, got %f", conf, pct)
		}
	}
	if len(p.Ladder) > 0 {
		sum := 0.0
		for i, r := range p.Ladder {
			if r.Pct <= 0 || r.Fraction <= 0 {
				return fmt.Errorf("ladder rung %d must have positive pct and fraction", i)
			}
			sum += r.Fraction
		}
		if math.Abs(sum-1.0) > 1e-9 {
			return fmt.Errorf("ladder fractions must sum to 1, got %f", sum)
		}
	}

	tr := settings.Trailing
	if tr.ActivationPct <= 0 || tr.ActivationPct > 0.5 {
		return fmt.Errorf("trailing activation must be between 0 and 0.5, got %f", tr.ActivationPct)
	}
	if tr.DistancePct <= 0 || tr.DistancePct >= tr.ActivationPct*10 {
		return fmt.Errorf("trailing distance %f is out of range for activation %f", tr.DistancePct, tr.ActivationPct)
	}
	if tr.UpdateThresholdPct < 0 || tr.UpdateThresholdPct > 0.1 {
		return fmt.Errorf("trailing update threshold must be between 0 and 0.1, got %f", tr.UpdateThresholdPct)
	}

	if settings.GroupTTL < time.Hour || settings.GroupTTL > 7*24*time.Hour {
		return fmt.Errorf("group TTL must be between 1h and 7d, got %v", settings.GroupTTL)
	}
	if settings.ResolvedTTL <= 0 || settings.ResolvedTTL > settings.GroupTTL {
		return fmt.Errorf("resolved TTL must be positive and not exceed the group TTL, got %v", settings.ResolvedTTL)
	}

	return nil
}
