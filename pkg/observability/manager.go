package observability

import (
	"context"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Manager owns the tracer provider and the metrics recorder for the
// process. Construct it once and inject the Recorder where needed.
type Manager struct {
	tracerProvider trace.TracerProvider
	recorder       Recorder
	config         Config
	mu             sync.RWMutex
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		config: cfg,
	}
}

func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := InitGlobalTracer(ctx, m.config.Tracing)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	if m.config.Metrics.Enabled {
		recorder, err := NewPromRecorder(m.config.Metrics)
		if err != nil {
			return err
		}
		m.recorder = recorder
	} else {
		m.recorder = NoopRecorder{}
	}

	return nil
}

func (m *Manager) GetTracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tracerProvider == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return m.tracerProvider.Tracer(name)
}

func (m *Manager) GetRecorder() Recorder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.recorder == nil {
		return NoopRecorder{}
	}
	return m.recorder
}

// MetricsHandler returns the handler for the metrics scrape route.
func (m *Manager) MetricsHandler() http.Handler {
	return m.GetRecorder().Handler()
}

func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if spt, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return spt.Shutdown(ctx)
	}
	return nil
}
