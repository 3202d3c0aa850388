package sandbox

import (
	"time"

	"github.com/inoerp/js-sandbox/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option configures a Session at construction.
type Option func(*options)

type options struct {
	config   Config
	logger   *zap.Logger
	natives  []NativeFunction
	metrics  *metrics.Metrics
	filename string
}

func defaultOptions() options {
	return options{
		config: DefaultConfig(),
		logger: zap.NewNop(),
	}
}

// WithConfig replaces the session configuration. Options applied after it
// still take effect.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithLogger sets the session logger. Without it sessions log nothing.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTimeout sets the call timeout. It counts as the session's one
// timeout, so a later SetTimeout fails with ErrTimeoutSet.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.config.Timeout = d
	}
}

// WithNativeFunction registers fn before any script source runs.
func WithNativeFunction(fn NativeFunction) Option {
	return func(o *options) {
		o.natives = append(o.natives, fn)
	}
}

// WithMetrics records call metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithFilename sets the name the engine reports for evaluated source in
// error stacks.
func WithFilename(name string) Option {
	return func(o *options) {
		o.filename = name
	}
}

// Metrics records Prometheus call metrics for sessions created with
// WithMetrics.
type Metrics = metrics.Metrics

// NewMetrics registers the sandbox collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return metrics.New(reg)
}
