// Package tuner applies risk-driven configuration changes to modules and
// keeps an audit trail of every adjustment. The active per-module
// configuration survives restarts through a badger-backed snapshot.
package tuner

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/normanking/synapse/internal/bus"
	"github.com/normanking/synapse/internal/logging"
	"github.com/normanking/synapse/internal/telemetry"
)

// configSnapshotKey is the badger key holding the active module configs.
const configSnapshotKey = "pmal_module_configs"

// Mode is a module's operating posture.
type Mode string

const (
	ModeSafe       Mode = "safe"
	ModeBalanced   Mode = "balanced"
	ModeAggressive Mode = "aggressive"
)

// ModuleConfig is one module's active tuning knobs.
type ModuleConfig struct {
	Mode             Mode          `json:"mode"`
	ConcurrencyLimit int           `json:"concurrency_limit"`
	Timeout          time.Duration `json:"timeout"`
	RetryStrategy    string        `json:"retry_strategy"`
	RateLimit        int           `json:"rate_limit"`
}

// DefaultConfig is the balanced posture every module starts from.
func DefaultConfig() ModuleConfig {
	return ModuleConfig{
		Mode:             ModeBalanced,
		ConcurrencyLimit: 8,
		Timeout:          30 * time.Second,
		RetryStrategy:    "fixed",
		RateLimit:        60,
	}
}

// Adjustment is one audit-trail record of a configuration swap.
type Adjustment struct {
	Module    string       `json:"module"`
	Before    ModuleConfig `json:"before"`
	After     ModuleConfig `json:"after"`
	Reason    string       `json:"reason"`
	Timestamp time.Time    `json:"timestamp"`
}

// Stats aggregates the tuning history.
type Stats struct {
	TotalAdjustments int     `json:"total_adjustments"`
	DistinctModules  int     `json:"distinct_modules"`
	Last24Hours      int     `json:"last_24_hours"`
	AvgPerModule     float64 `json:"avg_per_module"`
}

// Tuner holds the per-module active configuration and the adjustment log.
type Tuner struct {
	mu      sync.Mutex
	configs map[string]ModuleConfig
	history []Adjustment

	db  *badger.DB
	bus *bus.Bus
	log zerolog.Logger
}

// Options configures a Tuner.
type Options struct {
	// Path is the badger directory for config persistence. Empty means
	// in-memory only.
	Path string
	Bus  *bus.Bus
}

// New creates a tuner, restoring any persisted module configs. Persistence
// is best-effort: a broken badger store degrades to memory-only operation.
func New(opts Options) (*Tuner, error) {
	t := &Tuner{
		configs: make(map[string]ModuleConfig),
		bus:     opts.Bus,
		log:     logging.WithComponent("tuner"),
	}

	badgerOpts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.Path == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		t.log.Warn().Err(err).Msg("config persistence unavailable, running in memory")
	} else {
		t.db = db
		t.restore()
	}
	return t, nil
}

// Close releases the persistence handle.
func (t *Tuner) Close() error {
	if t.db == nil {
		return nil
	}
	return t.db.Close()
}

// ModuleName implements registry.Module.
func (t *Tuner) ModuleName() string { return "adaptive tuner" }

// GetConfig returns the module's active configuration, defaulting to
// balanced for modules never adjusted.
func (t *Tuner) GetConfig(module string) ModuleConfig {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cfg, ok := t.configs[module]; ok {
		return cfg
	}
	return DefaultConfig()
}

// Adapt applies a risk-driven configuration change. It is a no-op returning
// nil unless probability exceeds 0.8 or the risk tier is critical; otherwise
// it swaps in the tier-derived configuration and records the adjustment.
func (t *Tuner) Adapt(ctx context.Context, module, risk string, probability float64) *Adjustment {
	risk = strings.ToLower(risk)
	if probability <= 0.8 && risk != "critical" {
		return nil
	}

	after := configFor(risk, probability)
	reason := "risk " + risk

	t.mu.Lock()
	before, ok := t.configs[module]
	if !ok {
		before = DefaultConfig()
	}
	t.configs[module] = after
	adj := Adjustment{
		Module:    module,
		Before:    before,
		After:     after,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	t.history = append(t.history, adj)
	t.mu.Unlock()

	t.persist()
	telemetry.TuningAdjustmentsTotal.WithLabelValues(module).Inc()
	t.publish(ctx, adj)

	t.log.Info().
		Str("module", module).
		Str("risk", risk).
		Float64("probability", probability).
		Str("mode", string(after.Mode)).
		Msg("module configuration tuned")
	return &adj
}

// configFor derives the new posture purely from the risk tier.
func configFor(risk string, probability float64) ModuleConfig {
	switch {
	case risk == "critical" || probability > 0.9:
		return ModuleConfig{
			Mode:             ModeSafe,
			ConcurrencyLimit: 2,
			Timeout:          10 * time.Second,
			RetryStrategy:    "exponential-backoff",
			RateLimit:        10,
		}
	case risk == "high" || probability > 0.8:
		return ModuleConfig{
			Mode:             ModeSafe,
			ConcurrencyLimit: 4,
			Timeout:          20 * time.Second,
			RetryStrategy:    "exponential-backoff",
			RateLimit:        30,
		}
	default:
		return ModuleConfig{
			Mode:             ModeBalanced,
			ConcurrencyLimit: 8,
			Timeout:          45 * time.Second,
			RetryStrategy:    "fixed",
			RateLimit:        90,
		}
	}
}

// Reset reverts one module to the default configuration, recording the
// reversion in the history.
func (t *Tuner) Reset(ctx context.Context, module string) {
	t.mu.Lock()
	before, ok := t.configs[module]
	if !ok {
		t.mu.Unlock()
		return
	}
	after := DefaultConfig()
	delete(t.configs, module)
	adj := Adjustment{
		Module:    module,
		Before:    before,
		After:     after,
		Reason:    "manual reset",
		Timestamp: time.Now().UTC(),
	}
	t.history = append(t.history, adj)
	t.mu.Unlock()

	t.persist()
	t.publish(ctx, adj)
}

// ResetAll reverts every adjusted module to defaults.
func (t *Tuner) ResetAll(ctx context.Context) {
	t.mu.Lock()
	modules := make([]string, 0, len(t.configs))
	for module := range t.configs {
		modules = append(modules, module)
	}
	t.mu.Unlock()

	for _, module := range modules {
		t.Reset(ctx, module)
	}
}

// History returns a copy of the full adjustment log, oldest first.
func (t *Tuner) History() []Adjustment {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Adjustment, len(t.history))
	copy(out, t.history)
	return out
}

// GetStats aggregates the adjustment history.
func (t *Tuner) GetStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{TotalAdjustments: len(t.history)}
	modules := make(map[string]struct{})
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	for _, adj := range t.history {
		modules[adj.Module] = struct{}{}
		if adj.Timestamp.After(cutoff) {
			stats.Last24Hours++
		}
	}
	stats.DistinctModules = len(modules)
	if stats.DistinctModules > 0 {
		stats.AvgPerModule = float64(stats.TotalAdjustments) / float64(stats.DistinctModules)
	}
	return stats
}

func (t *Tuner) publish(ctx context.Context, adj Adjustment) {
	if t.bus == nil {
		return
	}
	_ = t.bus.Publish(ctx, bus.EventConfigTuned, adj, bus.PublishOptions{})
}

// persist snapshots the active configs to badger. Best-effort only.
func (t *Tuner) persist() {
	if t.db == nil {
		return
	}

	t.mu.Lock()
	data, err := json.Marshal(t.configs)
	t.mu.Unlock()
	if err != nil {
		t.log.Warn().Err(err).Msg("failed to encode config snapshot")
		return
	}

	err = t.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(configSnapshotKey), data)
	})
	if err != nil {
		t.log.Warn().Err(err).Msg("failed to persist config snapshot")
	}
}

// restore loads the persisted config snapshot, if any.
func (t *Tuner) restore() {
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(configSnapshotKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			configs := make(map[string]ModuleConfig)
			if err := json.Unmarshal(val, &configs); err != nil {
				return err
			}
			t.mu.Lock()
			t.configs = configs
			t.mu.Unlock()
			return nil
		})
	})
	if err != nil && err != badger.ErrKeyNotFound {
		t.log.Warn().Err(err).Msg("failed to restore config snapshot")
	}
}
