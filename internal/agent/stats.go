// Package agent holds the agent configuration and agent-level runtime
// services.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tunguard/tunguard/internal/connpolicy"
)

// DefaultStatsInterval is the default interval between decision summaries.
const DefaultStatsInterval = 5 * time.Minute

// StatsConfig holds the configuration for the stats reporter.
type StatsConfig struct {
	// Interval is the summary log interval.
	// Default: 5m
	Interval time.Duration `yaml:"interval"`

	// Disabled turns the periodic summary off.
	Disabled bool `yaml:"disabled"`
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *StatsConfig) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = DefaultStatsInterval
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *StatsConfig) Validate() error {
	if c.Interval < time.Second {
		return errors.New("agent: stats config: Interval must be at least 1s")
	}
	return nil
}

// StatsSource returns cumulative decision counters.
type StatsSource interface {
	Stats() []connpolicy.RulesetCount
}

// StatsReporter periodically logs how many connections were decided and
// blocked since the previous report.
type StatsReporter struct {
	cfg    StatsConfig
	src    StatsSource
	logger *slog.Logger

	prev map[string]uint64
}

// NewStatsReporter creates a new StatsReporter. Config defaults are applied
// automatically.
func NewStatsReporter(cfg StatsConfig, src StatsSource, logger *slog.Logger) *StatsReporter {
	cfg.ApplyDefaults()
	return &StatsReporter{
		cfg:    cfg,
		src:    src,
		logger: logger.With("component", "stats"),
		prev:   make(map[string]uint64),
	}
}

// Run logs a summary at the configured interval until ctx is cancelled,
// then logs a final one. Run always returns nil.
func (r *StatsReporter) Run(ctx context.Context) error {
	if r.cfg.Disabled {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.report()
			return nil
		case <-ticker.C:
			r.report()
		}
	}
}

// report logs the counter deltas since the previous report. Nothing is
// logged when no connection was decided.
func (r *StatsReporter) report() (decided, blocked uint64) {
	var top string
	var topCount uint64
	for _, c := range r.src.Stats() {
		key := string(c.Ruleset)
		delta := c.Count - r.prev[key]
		r.prev[key] = c.Count
		decided += delta
		if c.Blocked {
			blocked += delta
			if delta > topCount {
				top, topCount = key, delta
			}
		}
	}
	if decided == 0 {
		return 0, 0
	}
	r.logger.Info("decision summary",
		"decided", decided,
		"blocked", blocked,
		"top_block_ruleset", top,
		"top_block_count", topCount,
	)
	return decided, blocked
}
