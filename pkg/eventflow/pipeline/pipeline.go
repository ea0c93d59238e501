// Package pipeline runs events through an ordered list of processing stages.
//
// A new Pipeline starts with three built-in stages: transform, validate and
// enrich. User stages are appended after them. Each executed stage is
// recorded in Metadata.Stages together with its duration in Metadata.Timings.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
)

// Built-in stage names.
const (
	StageTransform = "transform"
	StageValidate  = "validate"
	StageEnrich    = "enrich"
)

// StageFunc transforms an event. Returning an error fails the stage.
type StageFunc func(ctx context.Context, evt event.Event) (event.Event, error)

// Condition decides whether a stage runs for an event.
type Condition func(evt event.Event) bool

// ErrorPolicy controls what happens when a stage fails.
type ErrorPolicy string

const (
	// ErrorHalt stops the pipeline and returns the error.
	ErrorHalt ErrorPolicy = "halt"
	// ErrorContinue records the failure in Metadata.Errors and moves on
	// with the event as it was before the failed stage.
	ErrorContinue ErrorPolicy = "continue"
)

func (p ErrorPolicy) valid() bool {
	return p == ErrorHalt || p == ErrorContinue
}

// Stage is a named processing step.
type Stage struct {
	Name      string
	Fn        StageFunc
	Condition Condition
	Parallel  bool
	Policy    ErrorPolicy // empty uses the pipeline policy
}

// StageOption configures a stage.
type StageOption func(*Stage)

// WithCondition runs the stage only when cond returns true.
func WithCondition(cond Condition) StageOption {
	return func(s *Stage) {
		s.Condition = cond
	}
}

// WithParallel marks the stage as parallel. Consecutive parallel stages run
// concurrently on copies of the same input; their results are merged in
// registration order, later stages winning on key conflicts.
func WithParallel() StageOption {
	return func(s *Stage) {
		s.Parallel = true
	}
}

// WithErrorPolicy overrides the pipeline error policy for one stage.
func WithErrorPolicy(p ErrorPolicy) StageOption {
	return func(s *Stage) {
		s.Policy = p
	}
}

// BatchOptions configures ProcessBatch.
type BatchOptions struct {
	Parallel bool
	// Concurrency caps parallel workers; 0 means one per event.
	Concurrency int
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	mu     sync.RWMutex
	stages []Stage
	policy ErrorPolicy

	transformer *Transformer
	validator   *Validator
	enricher    *Enricher

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithSpanManager sets the span manager.
func WithSpanManager(s observability.SpanManager) Option {
	return func(p *Pipeline) {
		p.spans = s
	}
}

// WithErrorHandling sets the initial error policy.
func WithErrorHandling(policy ErrorPolicy) Option {
	return func(p *Pipeline) {
		p.policy = policy
	}
}

// New creates a pipeline with the built-in stages installed.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		policy:      ErrorHalt,
		transformer: NewTransformer(),
		validator:   NewValidator(),
		enricher:    NewEnricher(),
		logger:      slog.New(slog.DiscardHandler),
		metrics:     observability.NoopMetrics{},
		spans:       observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if !p.policy.valid() {
		p.policy = ErrorHalt
	}

	p.stages = []Stage{
		{Name: StageTransform, Fn: p.transformer.Transform},
		{Name: StageValidate, Fn: p.validator.Stage},
		{Name: StageEnrich, Fn: p.enricher.Enrich},
	}
	return p
}

// Transformer returns the built-in transform stage for configuration.
func (p *Pipeline) Transformer() *Transformer { return p.transformer }

// Validator returns the built-in validate stage for configuration.
func (p *Pipeline) Validator() *Validator { return p.validator }

// Enricher returns the built-in enrich stage for configuration.
func (p *Pipeline) Enricher() *Enricher { return p.enricher }

// AddStage appends a user stage.
func (p *Pipeline) AddStage(name string, fn StageFunc, opts ...StageOption) error {
	if name == "" {
		return eferrors.Configuration("pipeline", "stage", "name must not be empty")
	}
	if fn == nil {
		return eferrors.Configuration("pipeline", "stage", "function must not be nil")
	}

	st := Stage{Name: name, Fn: fn}
	for _, opt := range opts {
		opt(&st)
	}
	if st.Policy != "" && !st.Policy.valid() {
		return eferrors.Configuration("pipeline", "errorPolicy", fmt.Sprintf("unknown policy %q", st.Policy))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.stages {
		if existing.Name == name {
			return eferrors.Configuration("pipeline", "stage", fmt.Sprintf("duplicate stage %q", name))
		}
	}
	p.stages = append(p.stages, st)
	return nil
}

// RemoveStage removes a user stage. Built-in stages cannot be removed.
func (p *Pipeline) RemoveStage(name string) bool {
	if name == StageTransform || name == StageValidate || name == StageEnrich {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, st := range p.stages {
		if st.Name == name {
			p.stages = append(p.stages[:i:i], p.stages[i+1:]...)
			return true
		}
	}
	return false
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.stages))
	for i, st := range p.stages {
		names[i] = st.Name
	}
	return names
}

// SetErrorHandling sets the pipeline error policy.
func (p *Pipeline) SetErrorHandling(policy ErrorPolicy) error {
	if !policy.valid() {
		return eferrors.Configuration("pipeline", "errorPolicy", fmt.Sprintf("unknown policy %q", policy))
	}
	p.mu.Lock()
	p.policy = policy
	p.mu.Unlock()
	return nil
}

// ErrorHandling returns the pipeline error policy.
func (p *Pipeline) ErrorHandling() ErrorPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.policy
}

// Process runs evt through every stage. Under ErrorHalt the first failing
// stage aborts processing with a *errors.StageError.
func (p *Pipeline) Process(ctx context.Context, evt event.Event) (event.Event, error) {
	p.mu.RLock()
	stages := append([]Stage(nil), p.stages...)
	policy := p.policy
	p.mu.RUnlock()

	current := evt.Clone()
	for i := 0; i < len(stages); {
		if err := ctx.Err(); err != nil {
			return current, err
		}

		if !stages[i].Parallel {
			next, err := p.runStage(ctx, stages[i], policy, current)
			if err != nil {
				return current, err
			}
			current = next
			i++
			continue
		}

		j := i
		for j < len(stages) && stages[j].Parallel {
			j++
		}
		next, err := p.runParallel(ctx, stages[i:j], policy, current)
		if err != nil {
			return current, err
		}
		current = next
		i = j
	}
	return current, nil
}

// runStage executes one stage. A failure under the continue policy returns
// the input event with the failure recorded and a nil error.
func (p *Pipeline) runStage(ctx context.Context, st Stage, policy ErrorPolicy, in event.Event) (event.Event, error) {
	if st.Condition != nil && !st.Condition(in) {
		return in, nil
	}

	stageCtx, span := p.spans.StartStageSpan(ctx, st.Name)
	start := time.Now()
	out, err := invoke(stageCtx, st.Fn, in)
	elapsed := time.Since(start)
	p.spans.EndSpanWithError(span, err)
	p.metrics.RecordStage(ctx, st.Name, elapsed, err)

	if err != nil {
		observability.LogStageError(p.logger, st.Name, err)
		if st.Policy != "" {
			policy = st.Policy
		}
		if policy == ErrorHalt {
			return in, &eferrors.StageError{Stage: st.Name, Err: err}
		}
		out = in
		out.Metadata.Errors = append(out.Metadata.Errors, stageFailure(st.Name, err))
	}

	record(&out, st.Name, elapsed)
	return out, nil
}

func (p *Pipeline) runParallel(ctx context.Context, group []Stage, policy ErrorPolicy, in event.Event) (event.Event, error) {
	results := make([]event.Event, len(group))
	errs := make([]error, len(group))

	g, gctx := errgroup.WithContext(ctx)
	for i, st := range group {
		g.Go(func() error {
			// Each stage records into its own copy; merge collects the names.
			res, err := p.runStage(gctx, st, policy, in.Clone())
			results[i] = res
			errs[i] = err
			return err
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return in, err
		}
	}
	if err := ctx.Err(); err != nil {
		return in, err
	}
	return merge(in, results), nil
}

// ProcessBatch processes events and returns results in input order.
// Sequential processing stops at the first error; parallel processing
// cancels outstanding work on the first error.
func (p *Pipeline) ProcessBatch(ctx context.Context, events []event.Event, opts BatchOptions) ([]event.Event, error) {
	out := make([]event.Event, len(events))

	if !opts.Parallel {
		for i, evt := range events {
			res, err := p.Process(ctx, evt)
			if err != nil {
				return out[:i], err
			}
			out[i] = res
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}
	for i, evt := range events {
		g.Go(func() error {
			res, err := p.Process(gctx, evt)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func invoke(ctx context.Context, fn StageFunc, evt event.Event) (out event.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &eferrors.PanicError{Value: r}
		}
	}()
	return fn(ctx, evt)
}

func record(evt *event.Event, stage string, elapsed time.Duration) {
	evt.Metadata.Stages = append(evt.Metadata.Stages, stage)
	if evt.Metadata.Timings == nil {
		evt.Metadata.Timings = make(map[string]time.Duration)
	}
	evt.Metadata.Timings[stage] = elapsed
}

func stageFailure(stage string, err error) event.StageError {
	var valErr *eferrors.ValidationError
	return event.StageError{
		Stage:      stage,
		Message:    err.Error(),
		Validation: errors.As(err, &valErr),
	}
}

// merge folds parallel stage results into base in order.
func merge(base event.Event, results []event.Event) event.Event {
	out := base.Clone()
	baseStages := len(base.Metadata.Stages)
	baseErrors := len(base.Metadata.Errors)

	for _, r := range results {
		if r.Type != base.Type {
			out.Type = r.Type
		}
		if !r.Timestamp.Equal(base.Timestamp) {
			out.Timestamp = r.Timestamp
		}
		if r.CorrelationID != base.CorrelationID {
			out.CorrelationID = r.CorrelationID
		}
		for k, v := range r.Data {
			out.Data[k] = v
		}
		if len(r.Related) > 0 {
			if out.Related == nil {
				out.Related = make(map[string]any)
			}
			for k, v := range r.Related {
				out.Related[k] = v
			}
		}
		if r.User != nil {
			out.User = r.User
		}
		if r.Environment != nil {
			out.Environment = r.Environment
		}
		if r.Geo != nil {
			out.Geo = r.Geo
		}
		if len(r.Metadata.Attributes) > 0 {
			if out.Metadata.Attributes == nil {
				out.Metadata.Attributes = make(map[string]any)
			}
			for k, v := range r.Metadata.Attributes {
				out.Metadata.Attributes[k] = v
			}
		}
		if len(r.Metadata.Stages) > baseStages {
			out.Metadata.Stages = append(out.Metadata.Stages, r.Metadata.Stages[baseStages:]...)
		}
		if len(r.Metadata.Errors) > baseErrors {
			out.Metadata.Errors = append(out.Metadata.Errors, r.Metadata.Errors[baseErrors:]...)
		}
		for k, v := range r.Metadata.Timings {
			if out.Metadata.Timings == nil {
				out.Metadata.Timings = make(map[string]time.Duration)
			}
			out.Metadata.Timings[k] = v
		}
	}
	return out
}
