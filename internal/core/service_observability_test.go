package core

import (
	"bytes"
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rackcore/pkg/domain"
)

type captureAuditRecorder struct {
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) has(op string, status AuditStatus, predicate func(AuditEntry) bool) bool {
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			if predicate == nil || predicate(entry) {
				return true
			}
		}
	}
	return false
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type captureTracer struct {
	ended map[string][]error
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	return ctx, spanFunc(func(err error) {
		if c.ended == nil {
			c.ended = make(map[string][]error)
		}
		c.ended[op] = append(c.ended[op], err)
	})
}

type spanFunc func(error)

func (f spanFunc) End(err error) { f(err) }

type logLine struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu    sync.Mutex
	lines []logLine
}

func (l *captureLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{level: level, msg: msg, args: args})
}

func (l *captureLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

func (l *captureLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if line.level == level && line.msg == msg {
			return true
		}
	}
	return false
}

func TestServiceObservabilityHooks(t *testing.T) {
	ctx := context.Background()
	audit := &captureAuditRecorder{}
	metrics := &captureMetricsRecorder{}
	tracer := &captureTracer{}
	logger := &captureLogger{}
	svc := newTestService(t,
		WithAuditRecorder(audit),
		WithMetricsRecorder(metrics),
		WithTracer(tracer),
		WithLogger(logger),
	)

	rack := mustCreate(t, svc, "rack1", "basicrack")
	assert.True(t, audit.has("create_entity", AuditStatusSuccess, func(e AuditEntry) bool {
		return e.EntityID == rack.ID && e.Action == ActionCreate && e.ID != ""
	}))
	assert.True(t, metrics.has("create_entity", true))
	assert.True(t, logger.has("debug", "operation completed"))

	_, err := svc.Create(ctx, "rack1", "basicrack")
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.True(t, audit.has("create_entity", AuditStatusError, func(e AuditEntry) bool {
		return strings.Contains(e.Error, "already exists")
	}))
	assert.True(t, metrics.has("create_entity", false))
	require.Len(t, tracer.ended["create_entity"], 2)
	assert.Error(t, tracer.ended["create_entity"][1])
	assert.True(t, logger.has("warn", "operation rejected"))

	_, err = svc.Contents(ctx, rack)
	require.NoError(t, err)
	assert.True(t, metrics.has("contents", true))
	assert.False(t, audit.has("contents", AuditStatusSuccess, nil), "reads are not audited")
}

func TestServiceClockStampsAuditAndEntities(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.FixedZone("cest", 2*3600))
	audit := &captureAuditRecorder{}
	svc := newTestService(t, WithClock(ClockFunc(func() time.Time { return fixed })), WithAuditRecorder(audit))

	e := mustCreate(t, svc, "s1", "basicserver")
	assert.True(t, e.CreatedAt.Equal(fixed))
	assert.Equal(t, time.UTC, e.CreatedAt.Location())
	require.NotEmpty(t, audit.entries)
	assert.True(t, audit.entries[0].Timestamp.Equal(fixed))
}

func TestClockFuncNil(t *testing.T) {
	got := ClockFunc(nil).Now()
	assert.False(t, got.IsZero())
	assert.Equal(t, time.UTC, got.Location())
}

func TestNilOptionsKeepDefaults(t *testing.T) {
	svc := newTestService(t, WithLogger(nil), WithTracer(nil), WithMetricsRecorder(nil), WithAuditRecorder(nil))
	mustCreate(t, svc, "s1", "basicserver")
	assert.NoError(t, svc.Flush(context.Background()))
	assert.NoError(t, svc.Close())
}

func TestExpvarMetricsRecorder(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	other := NewExpvarMetricsRecorder("")
	assert.NotEqual(t, rec.Name(), other.Name())

	svc := newTestService(t, WithMetricsRecorder(rec))
	mustCreate(t, svc, "s1", "basicserver")
	_, err := svc.GetByName(context.Background(), "missing")
	require.Error(t, err)
	rec.Observe(context.Background(), "", true, time.Second)

	snap := rec.Snapshot()
	assert.EqualValues(t, 1, snap.Results["create_entity"][statusSuccess])
	assert.EqualValues(t, 1, snap.Results["get_by_name"][statusError])
	assert.NotContains(t, snap.Results, "")

	published := expvar.Get(rec.Name())
	require.NotNil(t, published)
	var decoded ExpvarMetricsSnapshot
	require.NoError(t, json.Unmarshal([]byte(published.String()), &decoded))
	assert.Contains(t, decoded.Results, "create_entity")
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	require.NoError(t, err)

	svc := newTestService(t, WithMetricsRecorder(rec))
	mustCreate(t, svc, "s1", "basicserver")
	_, err = svc.Create(context.Background(), "s1", "basicserver")
	require.Error(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(rec.operations.WithLabelValues("create_entity", statusSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(rec.operations.WithLabelValues("create_entity", statusError)), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(rec.durations))

	again, err := NewPrometheusMetricsRecorder(reg)
	require.NoError(t, err)
	again.Observe(context.Background(), "create_entity", true, time.Millisecond)
	assert.InDelta(t, 2, testutil.ToFloat64(rec.operations.WithLabelValues("create_entity", statusSuccess)), 0)

	expected := `
# HELP rackcore_service_operations_total Service operations by outcome.
# TYPE rackcore_service_operations_total counter
rackcore_service_operations_total{operation="create_entity",status="error"} 1
rackcore_service_operations_total{operation="create_entity",status="success"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "rackcore_service_operations_total"))
}

func TestJSONTracerWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	svc := newTestService(t, WithTracer(tracer))
	mustCreate(t, svc, "s1", "basicserver")
	_, err := svc.GetByName(context.Background(), "nope")
	require.Error(t, err)

	entries := tracer.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "create_entity", entries[0].Operation)
	assert.Equal(t, statusSuccess, entries[0].Status)
	assert.Equal(t, statusError, entries[1].Status)
	assert.NotEmpty(t, entries[1].Error)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var decoded JSONTraceEntry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &decoded))
	assert.Equal(t, "get_by_name", decoded.Operation)

	quiet := NewJSONTracer(nil)
	_, span := quiet.Start(context.Background(), "noop")
	span.End(nil)
	assert.Len(t, quiet.Entries(), 1)
}

func TestLogAuditRecorderWritesSlog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc := newTestService(t, WithAuditRecorder(NewLogAuditRecorder(logger)))

	mustCreate(t, svc, "s1", "basicserver")
	_, err := svc.Create(context.Background(), "s1", "basicserver")
	require.Error(t, err)

	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)
	assert.Equal(t, "INFO", records[0]["level"])
	assert.Equal(t, "create_entity", records[0]["operation"])
	assert.Equal(t, "WARN", records[1]["level"])
	assert.Contains(t, records[1]["error"], "already exists")

	NewLogAuditRecorder(nil).Record(context.Background(), AuditEntry{Operation: "noop"})
}
