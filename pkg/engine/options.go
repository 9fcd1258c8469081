package engine

import (
	"github.com/KevoDB/kvs/pkg/common/log"
	"github.com/KevoDB/kvs/pkg/config"
	"github.com/KevoDB/kvs/pkg/stats"
	"github.com/KevoDB/kvs/pkg/telemetry"
)

// Option configures an Engine at open time
type Option func(*options)

type options struct {
	cfg       *config.Config
	logger    log.Logger
	telemetry telemetry.Telemetry
	stats     stats.Collector
}

// WithConfig sets the engine configuration. The directory passed to Open
// overrides cfg.Dir.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger used by the engine and its components
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTelemetry enables OpenTelemetry metrics and spans
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) {
		o.telemetry = tel
	}
}

// WithStats sets the statistics collector
func WithStats(collector stats.Collector) Option {
	return func(o *options) {
		o.stats = collector
	}
}
