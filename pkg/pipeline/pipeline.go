// Package pipeline runs named, prioritized stages over a shared request.
// Stages run from the highest priority down; once a request records an
// error every later stage is skipped.
package pipeline

import (
	"context"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Standard stage priorities.
const (
	BeforeInitialization = 2250
	Initialization       = 2000
	AfterInitialization  = 1750
	BeforeExecute        = 500
	Execute              = 0
	AfterExecute         = -500
)

// Subject is the state a pipeline operates on.
type Subject interface {
	HasErrors() bool
}

// Stage is one step of a pipeline.
type Stage[T Subject] struct {
	Name     string
	Priority int
	Run      func(ctx context.Context, subject T)
}

// Outcome lists which stages ran and which were skipped.
type Outcome struct {
	Executed []string
	Skipped  []string
	// FailedAt is the stage that recorded the first error, "" if none did.
	FailedAt string
}

// Pipeline is an ordered list of stages.
type Pipeline[T Subject] struct {
	name     string
	stages   []Stage[T]
	tracer   trace.Tracer
	failures metric.Int64Counter
	logger   *slog.Logger
}

type settings struct {
	tracer trace.Tracer
	meter  metric.Meter
	logger *slog.Logger
}

// Option configures a pipeline.
type Option func(*settings)

// WithTracer sets the tracer used for stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *settings) { s.tracer = t }
}

// WithMeter sets the meter used for the error counter.
func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an empty pipeline. name prefixes span names.
func New[T Subject](name string, opts ...Option) *Pipeline[T] {
	s := settings{
		tracer: otel.Tracer("remotetools"),
		meter:  otel.Meter("remotetools"),
		logger: slog.Default().With("component", "pipeline", "pipeline", name),
	}
	for _, opt := range opts {
		opt(&s)
	}

	failures, err := s.meter.Int64Counter("remotetools.pipeline.errors",
		metric.WithDescription("Pipeline stages that recorded an error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		s.logger.Warn("pipeline error counter unavailable", "error", err)
	}

	return &Pipeline[T]{
		name:     name,
		tracer:   s.tracer,
		failures: failures,
		logger:   s.logger,
	}
}

// Add inserts a stage. Stages of equal priority keep insertion order.
func (p *Pipeline[T]) Add(stage Stage[T]) *Pipeline[T] {
	p.stages = append(p.stages, stage)
	sort.SliceStable(p.stages, func(i, j int) bool {
		return p.stages[i].Priority > p.stages[j].Priority
	})
	return p
}

// Stages returns the stage names in execution order.
func (p *Pipeline[T]) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Run executes the stages against subject.
func (p *Pipeline[T]) Run(ctx context.Context, subject T) Outcome {
	ctx, span := p.tracer.Start(ctx, p.name)
	defer span.End()

	var out Outcome
	for _, stage := range p.stages {
		if subject.HasErrors() {
			out.Skipped = append(out.Skipped, stage.Name)
			continue
		}

		stageCtx, stageSpan := p.tracer.Start(ctx, p.name+"."+stage.Name,
			trace.WithAttributes(attribute.Int("stage.priority", stage.Priority)))
		stage.Run(stageCtx, subject)
		out.Executed = append(out.Executed, stage.Name)

		if subject.HasErrors() {
			out.FailedAt = stage.Name
			stageSpan.SetStatus(codes.Error, "stage recorded an error")
			if p.failures != nil {
				p.failures.Add(ctx, 1, metric.WithAttributes(
					attribute.String("pipeline", p.name),
					attribute.String("stage", stage.Name),
				))
			}
			p.logger.DebugContext(ctx, "stage failed", "stage", stage.Name)
		}
		stageSpan.End()
	}

	if len(out.Skipped) > 0 {
		span.SetAttributes(attribute.StringSlice("skipped", out.Skipped))
	}
	if out.FailedAt != "" {
		span.SetStatus(codes.Error, "failed at "+out.FailedAt)
	}
	return out
}
