// Package observability provides Prometheus metrics and OpenTelemetry tracing
// for codeagent runs.
// All components are optional and nil-safe: when disabled, wrappers
// skip recording with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/codeagent/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Any field may be nil when that feature is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup

	pushURL string
	jobName string
	logger  *slog.Logger
}

// New creates an Observability instance from config.
// Returns nil when the config is nil.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	obs := &Observability{logger: logger}

	if cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
		obs.pushURL = cfg.Metrics.PushURL
		obs.jobName = cfg.Metrics.JobName
	}

	if cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(&cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	return obs, nil
}

// Shutdown pushes collected metrics when a Pushgateway is configured and
// flushes pending spans. Failures are logged, never returned: a run's
// outcome does not depend on its telemetry.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Metrics != nil && o.pushURL != "" {
		if err := o.Metrics.Push(ctx, o.pushURL, o.jobName); err != nil {
			o.logger.WarnContext(ctx, "metrics push failed",
				slog.String("url", o.pushURL),
				slog.String("error", err.Error()),
			)
		}
	}
	if o.Tracer != nil {
		if err := o.Tracer.Shutdown(ctx); err != nil {
			o.logger.WarnContext(ctx, "tracer shutdown failed", slog.String("error", err.Error()))
		}
	}
}

// TracerOrNil returns the OTel tracer or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// MetricsOrNil returns the collector or nil if metrics are disabled.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}
