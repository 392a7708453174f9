package core

import (
	"context"
	"time"

	"persistcore/pkg/domain"
)

// Clock provides the current time for commit stamps and cache capture times.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// Logger is the minimal key/value logger used by the engine.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MetricsRecorder observes the outcome and latency of engine operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// TraceSpan is ended once per traced operation.
type TraceSpan interface {
	End(err error)
}

// Tracer starts spans around server operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// QueryTuner adjusts a query copy before its plan hash is computed, for
// example to add fetch paths learned from profiling.
type QueryTuner func(q *Query)

// TxLogLevel controls per-transaction persist logging.
type TxLogLevel int

const (
	TxLogNone TxLogLevel = iota
	// TxLogSummary logs one line per executed persist request.
	TxLogSummary
	// TxLogStatement also logs every statement sent to the executor.
	TxLogStatement
)

// ParseTxLogLevel maps a configuration string to a level.
func ParseTxLogLevel(s string) TxLogLevel {
	switch s {
	case "summary":
		return TxLogSummary
	case "statement", "sql":
		return TxLogStatement
	}
	return TxLogNone
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger overrides the server logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMetricsRecorder installs a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(t Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithCache installs the shared query result cache.
func WithCache(c domain.CacheStore) Option {
	return func(s *Server) { s.cache = c }
}

// WithBroadcaster installs the committed-event broadcaster.
func WithBroadcaster(b domain.Broadcaster) Option {
	return func(s *Server) { s.broadcaster = b }
}

// WithRules installs the pre-persist rules engine.
func WithRules(e *domain.RulesEngine) Option {
	return func(s *Server) { s.rules = e }
}

// WithBatching enables statement batching for new transactions.
func WithBatching(enabled bool, size int) Option {
	return func(s *Server) {
		s.batchDefault = enabled
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithTxLogLevel sets the default log level for new transactions.
func WithTxLogLevel(level TxLogLevel) Option {
	return func(s *Server) { s.txLogLevel = level }
}

// WithTuner installs a query tuner.
func WithTuner(t QueryTuner) Option {
	return func(s *Server) { s.tuner = t }
}

// WithName names the server; committed events carry it as their source.
func WithName(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.name = name
		}
	}
}

// TxOption customizes a transaction started with BeginTransaction.
type TxOption func(*txConfig)

type txConfig struct {
	explicit  bool
	readOnly  bool
	isolation domain.Isolation
	batch     *bool
	batchSize int
	label     string
}

// TxIsolation requests an isolation level.
func TxIsolation(iso domain.Isolation) TxOption {
	return func(c *txConfig) { c.isolation = iso }
}

// TxReadOnly marks the transaction read-only.
func TxReadOnly() TxOption { return func(c *txConfig) { c.readOnly = true } }

// TxBatch turns batching on with the given size, or off when size is 0.
func TxBatch(size int) TxOption {
	return func(c *txConfig) {
		on := size > 0
		c.batch = &on
		c.batchSize = size
	}
}

// TxLabel attaches a label used in logs.
func TxLabel(label string) TxOption { return func(c *txConfig) { c.label = label } }

func scopeConfig(scope domain.TxScope) txConfig {
	return txConfig{
		explicit:  true,
		readOnly:  scope.ReadOnly,
		isolation: scope.Isolation,
		batch:     scope.Batch,
		batchSize: scope.BatchSize,
		label:     scope.Label,
	}
}
