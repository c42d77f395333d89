// Package ops loads and watches the runtime configuration file.
package ops

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"

	"main/internal/risk"
	"main/internal/schema"
	"main/pkg/conn"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Instruments []InstrumentConfig `json:"instruments"`
	Accounts    []AccountConfig    `json:"accounts"`
	Limits      LimitsConfig       `json:"limits"`
	Agents      []AgentConfig      `json:"agents"`
	Venue       VenueConfig        `json:"venue"`
	Feed        FeedConfig         `json:"feed"`
	Exec        ExecConfig         `json:"exec"`
	Postgres    PostgresConfig     `json:"postgres"`
	MetricsAddr string             `json:"metricsAddr"`
}

// InstrumentConfig describes one tradable instrument.
type InstrumentConfig struct {
	Symbol       string `json:"symbol"`
	Mint         string `json:"mint"`
	BaseDecimals int32  `json:"baseDecimals"`
	MinUnit      int64  `json:"minUnit"`
}

// AccountConfig describes one trading account.
type AccountConfig struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

// LimitsConfig describes the versioned risk limits.
type LimitsConfig struct {
	Version              uint64 `json:"version"`
	MaxPositionSize      int64  `json:"maxPositionSize"`
	MaxAggregateNotional int64  `json:"maxAggregateNotional"`
	BaseSize             int64  `json:"baseSize"`
	MaxOrdersPerWindow   int    `json:"maxOrdersPerWindow"`
	OrderRateWindowMs    int64  `json:"orderRateWindowMs"`
	FreshnessWindowMs    int64  `json:"freshnessWindowMs"`
}

// AgentConfig describes one agent in the roster.
type AgentConfig struct {
	ID             string   `json:"id"`
	Role           string   `json:"role"`
	Strategy       string   `json:"strategy"`
	Account        string   `json:"account"`
	Instruments    []string `json:"instruments"`
	MaxSlippageBps int      `json:"maxSlippageBps"`
	SignalTTLMs    int64    `json:"signalTtlMs"`
}

// VenueConfig selects and configures the execution venue.
type VenueConfig struct {
	Mode        string `json:"mode"` // jupiter | sim
	JupiterBase string `json:"jupiterBase"`
	Commitment  string `json:"commitment"`
}

// FeedConfig selects and configures the market data feed.
type FeedConfig struct {
	Mode    string   `json:"mode"` // stream | sim
	URL     string   `json:"url"`
	Symbols []string `json:"symbols"`
	Buffer  int      `json:"buffer"`
}

// ExecConfig tunes the execution coordinator.
type ExecConfig struct {
	Workers             int   `json:"workers"`
	QueueCap            int   `json:"queueCap"`
	SubmitTimeoutMs     int64 `json:"submitTimeoutMs"`
	SettleTimeoutMs     int64 `json:"settleTimeoutMs"`
	SettlePollMs        int64 `json:"settlePollMs"`
	ReconcileDeadlineMs int64 `json:"reconcileDeadlineMs"`
	MaxAttempts         int   `json:"maxAttempts"`
}

// PostgresConfig configures the archive store connection. Credentials come
// from the environment, not the file.
type PostgresConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	SSLMode  string `json:"sslMode"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Registry    *schema.Registry
	Limits      risk.Limits
	Agents      []AgentConfig
	Venue       VenueConfig
	Feed        FeedConfig
	Exec        ExecConfig
	Postgres    PostgresConfig
	MetricsAddr string
}

// PostgresOption builds connection options, pulling credentials from env.
func (l Loaded) PostgresOption() conn.Option {
	return conn.Option{
		Host:     l.Postgres.Host,
		Port:     l.Postgres.Port,
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: l.Postgres.Database,
		SSLMode:  l.Postgres.SSLMode,
	}
}

// Load reads a JSON config file, validates it, and builds the registry.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return Loaded{}, err
	}
	limits, err := resolveLimits(cfg.Limits)
	if err != nil {
		return Loaded{}, err
	}
	if err := validateAgents(cfg.Agents, registry); err != nil {
		return Loaded{}, err
	}

	return Loaded{
		Registry:    registry,
		Limits:      limits,
		Agents:      cfg.Agents,
		Venue:       cfg.Venue,
		Feed:        cfg.Feed,
		Exec:        cfg.Exec,
		Postgres:    cfg.Postgres,
		MetricsAddr: cfg.MetricsAddr,
	}, nil
}

func buildRegistry(cfg FileConfig) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, inst := range cfg.Instruments {
		if inst.BaseDecimals < 0 {
			return nil, fmt.Errorf("instrument %s: baseDecimals must be >= 0", inst.Symbol)
		}
		if inst.MinUnit <= 0 {
			return nil, fmt.Errorf("instrument %s: minUnit must be > 0", inst.Symbol)
		}
		if _, err := reg.AddInstrument(inst.Symbol, inst.Mint, schema.Scale(inst.BaseDecimals), schema.Quantity(inst.MinUnit)); err != nil {
			return nil, err
		}
	}
	for _, acct := range cfg.Accounts {
		if _, err := reg.AddAccount(acct.Name, acct.Owner); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func resolveLimits(cfg LimitsConfig) (risk.Limits, error) {
	if cfg.MaxPositionSize <= 0 {
		return risk.Limits{}, fmt.Errorf("limits: maxPositionSize must be > 0")
	}
	if cfg.MaxAggregateNotional <= 0 {
		return risk.Limits{}, fmt.Errorf("limits: maxAggregateNotional must be > 0")
	}
	if cfg.BaseSize <= 0 {
		return risk.Limits{}, fmt.Errorf("limits: baseSize must be > 0")
	}
	freshness := time.Duration(cfg.FreshnessWindowMs) * time.Millisecond
	if freshness <= 0 {
		freshness = time.Minute
	}
	return risk.Limits{
		Version:              cfg.Version,
		UpdatedAt:            time.Now().UnixNano(),
		MaxPositionSize:      schema.Quantity(cfg.MaxPositionSize),
		MaxAggregateNotional: schema.Notional(cfg.MaxAggregateNotional),
		BaseSize:             schema.Quantity(cfg.BaseSize),
		MaxOrdersPerWindow:   cfg.MaxOrdersPerWindow,
		OrderRateWindow:      time.Duration(cfg.OrderRateWindowMs) * time.Millisecond,
		FreshnessWindow:      freshness,
	}, nil
}

func validateAgents(agents []AgentConfig, reg *schema.Registry) error {
	seen := make(map[string]bool, len(agents))
	for _, agent := range agents {
		if agent.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if seen[agent.ID] {
			return fmt.Errorf("duplicate agent id: %s", agent.ID)
		}
		seen[agent.ID] = true
		if agent.Account != "" {
			if _, ok := reg.AccountIDByName(agent.Account); !ok {
				return fmt.Errorf("agent %s: account not found: %s", agent.ID, agent.Account)
			}
		}
		for _, symbol := range agent.Instruments {
			if _, ok := reg.InstrumentIDBySymbol(symbol); !ok {
				return fmt.Errorf("agent %s: instrument not found: %s", agent.ID, symbol)
			}
		}
	}
	return nil
}

// Durations converts the exec section into coordinator timings.
func (c ExecConfig) Durations() (submit, settle, poll, reconcile time.Duration) {
	return time.Duration(c.SubmitTimeoutMs) * time.Millisecond,
		time.Duration(c.SettleTimeoutMs) * time.Millisecond,
		time.Duration(c.SettlePollMs) * time.Millisecond,
		time.Duration(c.ReconcileDeadlineMs) * time.Millisecond
}

// Watch polls the config file and invokes onReload when a change with a
// higher limits version loads cleanly. Lower or equal versions are ignored
// so a stale file cannot roll limits back.
func Watch(ctx context.Context, path string, interval time.Duration, current uint64, onReload func(Loaded)) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if !info.ModTime().After(lastMod) {
			continue
		}
		lastMod = info.ModTime()

		loaded, err := Load(path)
		if err != nil {
			logs.Errorf("reload config, err: %+v", err)
			continue
		}
		if loaded.Limits.Version <= current {
			logs.Info("ignore config reload", "version", loaded.Limits.Version, "current", current)
			continue
		}
		current = loaded.Limits.Version
		logs.Info("config reloaded", "version", current)
		onReload(loaded)
	}
}
