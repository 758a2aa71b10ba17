package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type subject struct {
	calls  []string
	failed bool
}

func (s *subject) HasErrors() bool { return s.failed }

func record(name string) func(context.Context, *subject) {
	return func(_ context.Context, s *subject) { s.calls = append(s.calls, name) }
}

func TestPipeline_OrdersByPriority(t *testing.T) {
	p := New[*subject]("test")
	p.Add(Stage[*subject]{Name: "execute", Priority: Execute, Run: record("execute")})
	p.Add(Stage[*subject]{Name: "init", Priority: Initialization, Run: record("init")})
	p.Add(Stage[*subject]{Name: "filter", Priority: AfterExecute, Run: record("filter")})
	p.Add(Stage[*subject]{Name: "before", Priority: BeforeExecute, Run: record("before")})
	p.Add(Stage[*subject]{Name: "before2", Priority: BeforeExecute, Run: record("before2")})

	assert.Equal(t, []string{"init", "before", "before2", "execute", "filter"}, p.Stages())

	s := &subject{}
	out := p.Run(context.Background(), s)
	assert.Equal(t, p.Stages(), s.calls)
	assert.Equal(t, p.Stages(), out.Executed)
	assert.Empty(t, out.Skipped)
	assert.Empty(t, out.FailedAt)
}

func TestPipeline_ShortCircuits(t *testing.T) {
	p := New[*subject]("test")
	p.Add(Stage[*subject]{Name: "init", Priority: Initialization, Run: record("init")})
	p.Add(Stage[*subject]{Name: "fail", Priority: AfterInitialization, Run: func(_ context.Context, s *subject) {
		s.calls = append(s.calls, "fail")
		s.failed = true
	}})
	p.Add(Stage[*subject]{Name: "execute", Priority: Execute, Run: record("execute")})
	p.Add(Stage[*subject]{Name: "filter", Priority: AfterExecute, Run: record("filter")})

	s := &subject{}
	out := p.Run(context.Background(), s)
	assert.Equal(t, []string{"init", "fail"}, s.calls)
	assert.Equal(t, []string{"execute", "filter"}, out.Skipped)
	assert.Equal(t, "fail", out.FailedAt)
}

func TestPipeline_PreFailedSubjectRunsNothing(t *testing.T) {
	p := New[*subject]("test")
	p.Add(Stage[*subject]{Name: "init", Priority: Initialization, Run: record("init")})

	s := &subject{failed: true}
	out := p.Run(context.Background(), s)
	assert.Empty(t, s.calls)
	assert.Equal(t, []string{"init"}, out.Skipped)
}

func TestPipeline_Telemetry(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	p := New[*subject]("remotecontact", WithTracer(tp.Tracer("test")), WithMeter(mp.Meter("test")))
	p.Add(Stage[*subject]{Name: "init", Priority: Initialization, Run: func(_ context.Context, s *subject) { s.failed = true }})
	p.Add(Stage[*subject]{Name: "execute", Priority: Execute, Run: record("execute")})

	p.Run(context.Background(), &subject{})

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"remotecontact", "remotecontact.init"}, names)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)
	m := rm.ScopeMetrics[0].Metrics[0]
	assert.Equal(t, "remotetools.pipeline.errors", m.Name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)
}
