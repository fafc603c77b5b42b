package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahutanu/sandbooks.space-sub000/internal/sandbox"
)

// InstrumentedProvider wraps a sandbox.Provider with metrics, tracing, and anomaly detection.
type InstrumentedProvider struct {
	inner   sandbox.Provider
	backend string // "process" or "docker"
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps a sandbox provider with observability.
func NewInstrumentedProvider(inner sandbox.Provider, backend string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		backend: backend,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) CreateIsolated(ctx context.Context) (*sandbox.Handle, error) {
	ctx, end := p.start(ctx, "create")
	h, err := p.inner.CreateIsolated(ctx)
	if h != nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("sandbox.id", h.ID))
	}
	end(err, "")
	return h, err
}

func (p *InstrumentedProvider) Run(ctx context.Context, h *sandbox.Handle, command string, opts sandbox.RunOptions) (*sandbox.Result, error) {
	ctx, end := p.start(ctx, "run", attribute.String("sandbox.id", handleID(h)))
	result, err := p.inner.Run(ctx, h, command, opts)

	status := ""
	if err == nil && result != nil && result.ExitCode != 0 {
		status = "nonzero_exit"
		if p.tracer != nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}
	end(err, status)
	return result, err
}

func (p *InstrumentedProvider) UpdateEnv(ctx context.Context, h *sandbox.Handle, env map[string]string) error {
	ctx, end := p.start(ctx, "update_env", attribute.String("sandbox.id", handleID(h)))
	err := p.inner.UpdateEnv(ctx, h, env)
	end(err, "")
	return err
}

func (p *InstrumentedProvider) Destroy(ctx context.Context, h *sandbox.Handle) error {
	ctx, end := p.start(ctx, "destroy", attribute.String("sandbox.id", handleID(h)))
	err := p.inner.Destroy(ctx, h)
	end(err, "")
	return err
}

// Ping forwards to the wrapped provider when it supports readiness checks.
func (p *InstrumentedProvider) Ping(ctx context.Context) error {
	if pinger, ok := p.inner.(sandbox.Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// start opens a span for op and returns a func that records the outcome.
// An empty status in the callback means "derive from err".
func (p *InstrumentedProvider) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(err error, status string)) {
	var span trace.Span
	if p.tracer != nil {
		attrs = append(attrs, attribute.String("sandbox.backend", p.backend))
		ctx, span = p.tracer.Start(ctx, "sandbox."+op, trace.WithAttributes(attrs...))
	}
	begin := time.Now()

	return ctx, func(err error, status string) {
		duration := time.Since(begin).Seconds()
		if status == "" {
			status = "success"
		}
		if err != nil {
			status = "error"
			if span != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
		}
		if span != nil {
			span.End()
		}

		if p.metrics != nil {
			p.metrics.SandboxOpsTotal.WithLabelValues(p.backend, op, status).Inc()
			p.metrics.SandboxOpDuration.WithLabelValues(p.backend, op).Observe(duration)
		}

		if p.anomaly != nil {
			key := "sandbox_" + p.backend + "_" + op
			if err != nil {
				p.anomaly.RecordError(key)
			} else {
				p.anomaly.RecordSuccess(key)
			}
		}
	}
}

func handleID(h *sandbox.Handle) string {
	if h == nil {
		return ""
	}
	return h.ID
}

var (
	_ sandbox.Provider = (*InstrumentedProvider)(nil)
	_ sandbox.Pinger   = (*InstrumentedProvider)(nil)
)
