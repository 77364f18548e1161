// Package aggregator maintains the per-member latency state and computes
// end-to-end latency summaries over constraint sequences.
package aggregator

import (
	"flag"

	"github.com/pkg/errors"
)

// SmoothingPolicy selects how a member's latency estimate is derived from
// its retained samples.
type SmoothingPolicy string

const (
	// SmoothingLatest uses the most recent sample as-is.
	SmoothingLatest SmoothingPolicy = "latest"
	// SmoothingEWMA maintains an exponentially weighted moving average,
	// updated incrementally as samples arrive.
	SmoothingEWMA SmoothingPolicy = "ewma"
	// SmoothingWindowMean averages all samples in the retained window.
	SmoothingWindowMean SmoothingPolicy = "window-mean"
)

type Config struct {
	Smoothing  SmoothingPolicy `yaml:"smoothing"`
	WindowSize int             `yaml:"window_size"`
	EWMAAlpha  float64         `yaml:"ewma_alpha"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar((*string)(&cfg.Smoothing), "qos.latency-smoothing", string(SmoothingLatest), "How to derive a member's latency estimate from its samples. One of: latest, ewma, window-mean.")
	f.IntVar(&cfg.WindowSize, "qos.latency-window-size", 16, "Number of recent samples retained per member.")
	f.Float64Var(&cfg.EWMAAlpha, "qos.latency-ewma-alpha", 0.3, "Weight of the newest sample when -qos.latency-smoothing=ewma. Must be in (0, 1].")
}

func (cfg *Config) Validate() error {
	switch cfg.Smoothing {
	case SmoothingLatest, SmoothingEWMA, SmoothingWindowMean:
	case "":
		cfg.Smoothing = SmoothingLatest
	default:
		return errors.Errorf("unknown latency smoothing policy %q", cfg.Smoothing)
	}
	if cfg.WindowSize < 1 {
		return errors.Errorf("latency window size must be at least 1, got %d", cfg.WindowSize)
	}
	if cfg.EWMAAlpha <= 0 || cfg.EWMAAlpha > 1 {
		return errors.Errorf("ewma alpha must be in (0, 1], got %v", cfg.EWMAAlpha)
	}
	return nil
}
