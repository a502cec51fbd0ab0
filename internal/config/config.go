// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/jainabhishek-dev/nifty-options-trader-sub000/internal/util"
)

// Defaults applied when the corresponding key is unset.
const (
	// defaultATMStrikeStep is the NIFTY strike spacing in rupees.
	defaultATMStrikeStep = 50
	// defaultTickIntervalSeconds drives the orchestrator loop.
	defaultTickIntervalSeconds = 1
	// defaultForceExitTime is when intraday positions are swept (IST).
	defaultForceExitTime = "15:05"
	// defaultTradingStart / defaultTradingEnd are the NSE session bounds (IST).
	defaultTradingStart = "09:15"
	defaultTradingEnd   = "15:30"
	// defaultLotSize is the NIFTY contract lot used when the instrument
	// master does not carry one.
	defaultLotSize = 75
	// defaultATRPeriod / defaultATRMultiplier parameterize the scalping
	// Supertrend when unset.
	defaultATRPeriod     = 3
	defaultATRMultiplier = 1.0
	// tradingGraceMinutes widens the local-clock session window on both
	// sides to tolerate clock skew against the exchange.
	tradingGraceMinutes = 2
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Store       StoreConfig       `yaml:"store"`
	Trading     TradingConfig     `yaml:"trading"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	API         APIConfig         `yaml:"api"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	APIKey      string `yaml:"api_key"`
	APISecret   string `yaml:"api_secret"`
	RedirectURL string `yaml:"redirect_url"`
	// TokenFile is where the daily access token is persisted between runs.
	TokenFile string `yaml:"token_file"`
	// BaseURL overrides the broker endpoint; used by tests and sandboxes.
	BaseURL string `yaml:"base_url"`
	// Simulated swaps the real broker for the built-in simulator. Requires
	// paper mode; no credentials are needed.
	Simulated bool `yaml:"simulated"`
}

// StoreConfig defines the persistence backend. When URL is set the engine
// talks to the remote REST store; otherwise Path selects a local JSON file.
type StoreConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Path   string `yaml:"path"`
}

// TradingConfig defines capital and risk limits.
type TradingConfig struct {
	PaperCapital    float64 `yaml:"paper_capital"`
	MaxDailyLoss    float64 `yaml:"max_daily_loss"`
	MaxPositions    int     `yaml:"max_positions"`
	CapitalPerTrade float64 `yaml:"capital_per_trade"`
	MaxPositionSize float64 `yaml:"max_position_size"`
	// MaxDailyTrades caps entry orders per IST day; 0 disables the cap.
	MaxDailyTrades int `yaml:"max_daily_trades"`
	ATMStrikeStep  int `yaml:"atm_strike_step"`
	DefaultLotSize int `yaml:"default_lot_size"`
	// SlippageBps is applied against the trader on both entries and exits.
	SlippageBps float64 `yaml:"slippage_bps"`
	FeePerOrder float64 `yaml:"fee_per_order"`
}

// ScheduleConfig defines the orchestrator cadence and session window.
type ScheduleConfig struct {
	TickIntervalSeconds int    `yaml:"tick_interval_seconds"`
	ForceExitTime       string `yaml:"force_exit_time"` // "HH:MM" IST
	TradingStart        string `yaml:"trading_start"`   // "HH:MM" IST
	TradingEnd          string `yaml:"trading_end"`     // "HH:MM" IST
	// MarketHolidays are exchange holidays as "YYYY-MM-DD" IST dates. They
	// close the session and advance weekly expiry selection.
	MarketHolidays []string `yaml:"market_holidays"`
}

// StrategyConfig groups per-strategy parameter blocks.
type StrategyConfig struct {
	Scalping ScalpingConfig `yaml:"scalping"`
}

// ScalpingConfig defines the Supertrend scalping strategy parameters.
// Percent values are percent units: 30 means 30%.
type ScalpingConfig struct {
	Enabled               bool    `yaml:"enabled"`
	IntervalMinutes       int     `yaml:"interval_minutes"`
	TargetProfitPercent   float64 `yaml:"target_profit_percent"`
	StopLossPercent       float64 `yaml:"stop_loss_percent"`
	TimeStopMinutes       int     `yaml:"time_stop_minutes"`
	SignalCooldownSeconds int     `yaml:"signal_cooldown_seconds"` // 0 disables
	ATRPeriod             int     `yaml:"atr_period"`
	ATRMultiplier         float64 `yaml:"atr_multiplier"`
}

// APIConfig defines the HTTP status/control server settings.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	AuthToken  string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets deployment environment variables win over file
// values. Credentials are usually injected this way rather than written
// into config.yaml.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("TRADING_MODE"); v != "" {
		c.Environment.Mode = v
	}
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		c.Broker.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		c.Broker.APISecret = v
	}
	if v := os.Getenv("KITE_REDIRECT_URL"); v != "" {
		c.Broker.RedirectURL = v
	}
	if v := os.Getenv("STORE_URL"); v != "" {
		c.Store.URL = v
	}
	if v := os.Getenv("STORE_API_KEY"); v != "" {
		c.Store.APIKey = v
	}
	if v := os.Getenv("PLATFORM_PASSWORD"); v != "" {
		c.API.AuthToken = v
	}
	if v := os.Getenv("FORCE_EXIT_TIME"); v != "" {
		c.Schedule.ForceExitTime = v
	}
	if v := os.Getenv("PAPER_CAPITAL"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("PAPER_CAPITAL: %w", err)
		}
		c.Trading.PaperCapital = f
	}
	if v := os.Getenv("MAX_DAILY_LOSS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MAX_DAILY_LOSS: %w", err)
		}
		c.Trading.MaxDailyLoss = f
	}
	if v := os.Getenv("MAX_POSITIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_POSITIONS: %w", err)
		}
		c.Trading.MaxPositions = n
	}
	if v := os.Getenv("CAPITAL_PER_TRADE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CAPITAL_PER_TRADE: %w", err)
		}
		c.Trading.CapitalPerTrade = f
	}
	if v := os.Getenv("TICK_INTERVAL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TICK_INTERVAL_SECONDS: %w", err)
		}
		c.Schedule.TickIntervalSeconds = n
	}
	return nil
}

// normalize fills defaults for unset keys and canonicalizes the mode.
func (c *Config) normalize() {
	c.Environment.Mode = strings.ToLower(strings.TrimSpace(c.Environment.Mode))
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.TokenFile == "" {
		c.Broker.TokenFile = ".kite_token"
	}
	if c.Trading.ATMStrikeStep == 0 {
		c.Trading.ATMStrikeStep = defaultATMStrikeStep
	}
	if c.Trading.DefaultLotSize == 0 {
		c.Trading.DefaultLotSize = defaultLotSize
	}
	if c.Schedule.TickIntervalSeconds == 0 {
		c.Schedule.TickIntervalSeconds = defaultTickIntervalSeconds
	}
	if c.Schedule.ForceExitTime == "" {
		c.Schedule.ForceExitTime = defaultForceExitTime
	}
	if c.Schedule.TradingStart == "" {
		c.Schedule.TradingStart = defaultTradingStart
	}
	if c.Schedule.TradingEnd == "" {
		c.Schedule.TradingEnd = defaultTradingEnd
	}
	if c.Strategy.Scalping.IntervalMinutes == 0 {
		c.Strategy.Scalping.IntervalMinutes = 1
	}
	if c.Strategy.Scalping.ATRPeriod == 0 {
		c.Strategy.Scalping.ATRPeriod = defaultATRPeriod
	}
	if c.Strategy.Scalping.ATRMultiplier == 0 {
		c.Strategy.Scalping.ATRMultiplier = defaultATRMultiplier
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	c.normalize()

	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	// Broker validation
	if c.Broker.Simulated && c.Environment.Mode == "live" {
		return fmt.Errorf("broker.simulated requires paper mode")
	}
	if !c.Broker.Simulated {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required")
		}
		if c.Broker.APISecret == "" {
			return fmt.Errorf("broker.api_secret is required")
		}
	}

	// Store validation
	if c.Store.URL == "" && c.Store.Path == "" {
		return fmt.Errorf("store.url or store.path is required")
	}
	if c.Store.URL != "" && c.Store.APIKey == "" {
		return fmt.Errorf("store.api_key is required when store.url is set")
	}

	// Trading validation
	if c.Trading.PaperCapital <= 0 {
		return fmt.Errorf("trading.paper_capital must be > 0")
	}
	if c.Trading.MaxDailyLoss <= 0 {
		return fmt.Errorf("trading.max_daily_loss must be > 0")
	}
	if c.Trading.MaxPositions <= 0 {
		return fmt.Errorf("trading.max_positions must be > 0")
	}
	if c.Trading.CapitalPerTrade <= 0 {
		return fmt.Errorf("trading.capital_per_trade must be > 0")
	}
	if c.Trading.CapitalPerTrade > c.Trading.PaperCapital {
		return fmt.Errorf("trading.capital_per_trade (%.2f) must be <= trading.paper_capital (%.2f)",
			c.Trading.CapitalPerTrade, c.Trading.PaperCapital)
	}
	if c.Trading.MaxPositionSize > 0 && c.Trading.MaxPositionSize < c.Trading.CapitalPerTrade {
		return fmt.Errorf("trading.max_position_size (%.2f) must be >= trading.capital_per_trade (%.2f)",
			c.Trading.MaxPositionSize, c.Trading.CapitalPerTrade)
	}
	if c.Trading.MaxDailyTrades < 0 {
		return fmt.Errorf("trading.max_daily_trades must be >= 0")
	}
	if c.Trading.ATMStrikeStep <= 0 {
		return fmt.Errorf("trading.atm_strike_step must be > 0")
	}
	if c.Trading.DefaultLotSize <= 0 {
		return fmt.Errorf("trading.default_lot_size must be > 0")
	}
	if c.Trading.SlippageBps < 0 {
		return fmt.Errorf("trading.slippage_bps must be >= 0")
	}
	if c.Trading.FeePerOrder < 0 {
		return fmt.Errorf("trading.fee_per_order must be >= 0")
	}

	// Schedule validation
	if c.Schedule.TickIntervalSeconds <= 0 {
		return fmt.Errorf("schedule.tick_interval_seconds must be > 0")
	}
	start, err := parseClock(c.Schedule.TradingStart)
	if err != nil {
		return fmt.Errorf("schedule.trading_start invalid: %w", err)
	}
	end, err := parseClock(c.Schedule.TradingEnd)
	if err != nil {
		return fmt.Errorf("schedule.trading_end invalid: %w", err)
	}
	if !start.before(end) {
		return fmt.Errorf("schedule trading window invalid: start %s must be before end %s",
			c.Schedule.TradingStart, c.Schedule.TradingEnd)
	}
	forceExit, err := parseClock(c.Schedule.ForceExitTime)
	if err != nil {
		return fmt.Errorf("schedule.force_exit_time invalid: %w", err)
	}
	if forceExit.before(start) || end.before(forceExit) {
		return fmt.Errorf("schedule.force_exit_time (%s) must fall within trading hours [%s, %s]",
			c.Schedule.ForceExitTime, c.Schedule.TradingStart, c.Schedule.TradingEnd)
	}
	for _, day := range c.Schedule.MarketHolidays {
		if _, err := time.ParseInLocation("2006-01-02", day, util.IST); err != nil {
			return fmt.Errorf("schedule.market_holidays entry %q invalid: %w", day, err)
		}
	}

	// Strategy validation
	s := c.Strategy.Scalping
	if s.IntervalMinutes <= 0 {
		return fmt.Errorf("strategy.scalping.interval_minutes must be > 0")
	}
	if s.TargetProfitPercent <= 0 {
		return fmt.Errorf("strategy.scalping.target_profit_percent must be > 0")
	}
	if s.StopLossPercent <= 0 || s.StopLossPercent >= 100 {
		return fmt.Errorf("strategy.scalping.stop_loss_percent must be in (0,100)")
	}
	if s.TimeStopMinutes <= 0 {
		return fmt.Errorf("strategy.scalping.time_stop_minutes must be > 0")
	}
	if s.SignalCooldownSeconds < 0 {
		return fmt.Errorf("strategy.scalping.signal_cooldown_seconds must be >= 0")
	}
	if s.ATRPeriod <= 0 {
		return fmt.Errorf("strategy.scalping.atr_period must be > 0")
	}
	if s.ATRMultiplier <= 0 {
		return fmt.Errorf("strategy.scalping.atr_multiplier must be > 0")
	}

	// API validation
	if c.API.Enabled && c.API.AuthToken == "" {
		return fmt.Errorf("api.auth_token is required when api.enabled is true")
	}

	return nil
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// TickInterval returns the orchestrator tick interval.
func (c *Config) TickInterval() time.Duration {
	if c.Schedule.TickIntervalSeconds <= 0 {
		return defaultTickIntervalSeconds * time.Second
	}
	return time.Duration(c.Schedule.TickIntervalSeconds) * time.Second
}

// CandleInterval returns the strategy candle interval.
func (c *Config) CandleInterval() time.Duration {
	if c.Strategy.Scalping.IntervalMinutes <= 0 {
		return time.Minute
	}
	return time.Duration(c.Strategy.Scalping.IntervalMinutes) * time.Minute
}

// ForceExitAt anchors the configured force-exit clock onto now's IST date.
func (c *Config) ForceExitAt(now time.Time) time.Time {
	clk, err := parseClock(c.Schedule.ForceExitTime)
	if err != nil {
		clk, _ = parseClock(defaultForceExitTime)
	}
	return clk.onDay(now)
}

// IsHoliday reports whether now's IST date is a configured exchange holiday.
func (c *Config) IsHoliday(now time.Time) bool {
	day := now.In(util.IST).Format("2006-01-02")
	for _, h := range c.Schedule.MarketHolidays {
		if h == day {
			return true
		}
	}
	return false
}

// IsWithinTradingHours checks the given time against the IST session window.
// A two-minute grace on both sides tolerates clock skew against the exchange.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	today := now.In(util.IST)

	// Only Monday-Friday, and never on exchange holidays
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}
	if c.IsHoliday(today) {
		return false
	}

	startClock, err1 := parseClock(c.Schedule.TradingStart)
	endClock, err2 := parseClock(c.Schedule.TradingEnd)
	if err1 != nil || err2 != nil {
		startClock, _ = parseClock(defaultTradingStart)
		endClock, _ = parseClock(defaultTradingEnd)
	}
	start := startClock.onDay(today).Add(-tradingGraceMinutes * time.Minute)
	end := endClock.onDay(today).Add(tradingGraceMinutes * time.Minute)

	return !today.Before(start) && !today.After(end)
}

// clock is a wall-clock time of day in IST.
type clock struct {
	hour, minute int
}

func (k clock) before(other clock) bool {
	return k.hour < other.hour || (k.hour == other.hour && k.minute < other.minute)
}

// onDay places the clock on the given day in IST.
func (k clock) onDay(day time.Time) time.Time {
	d := day.In(util.IST)
	return time.Date(d.Year(), d.Month(), d.Day(), k.hour, k.minute, 0, 0, util.IST)
}

func parseClock(s string) (clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return clock{}, err
	}
	return clock{hour: t.Hour(), minute: t.Minute()}, nil
}
