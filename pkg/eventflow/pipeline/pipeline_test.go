package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/pipeline"
)

func raw(eventType string, data map[string]any) event.Event {
	return event.FromRaw(event.Raw{"type": eventType, "data": data})
}

func setAttr(key string, value any) pipeline.StageFunc {
	return func(_ context.Context, e event.Event) (event.Event, error) {
		return e.WithAttribute(key, value), nil
	}
}

func TestPipeline_DefaultStages(t *testing.T) {
	p := pipeline.New()
	assert.Equal(t, []string{"transform", "validate", "enrich"}, p.Stages())

	out, err := p.Process(context.Background(), raw("widget.clicked", map[string]any{"widgetId": "w1"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"transform", "validate", "enrich"}, out.Metadata.Stages)
	assert.Contains(t, out.Metadata.Timings, "validate")
	assert.NotEmpty(t, out.CorrelationID)
	assert.False(t, out.Timestamp.IsZero())
	assert.Equal(t, pipeline.DefaultProcessor, out.Metadata.Processor)
}

func TestPipeline_CustomStage(t *testing.T) {
	p := pipeline.New()
	require.NoError(t, p.AddStage("custom", setAttr("customField", "added")))

	out, err := p.Process(context.Background(), raw("test", nil))
	require.NoError(t, err)
	assert.Equal(t, "added", out.Metadata.Attributes["customField"])
	assert.Equal(t, "custom", out.Metadata.Stages[len(out.Metadata.Stages)-1])
}

func TestPipeline_AddStageInvalid(t *testing.T) {
	p := pipeline.New()
	assert.Error(t, p.AddStage("", setAttr("a", 1)))
	assert.Error(t, p.AddStage("x", nil))
	assert.Error(t, p.AddStage("validate", setAttr("a", 1)))
	assert.Error(t, p.AddStage("y", setAttr("a", 1), pipeline.WithErrorPolicy("retry")))
	assert.Error(t, p.SetErrorHandling("explode"))
}

func TestPipeline_Condition(t *testing.T) {
	p := pipeline.New()
	require.NoError(t, p.AddStage("skip-me", setAttr("skipped", false),
		pipeline.WithCondition(func(e event.Event) bool { return e.Type == "skip.trigger" }),
	))

	out1, err := p.Process(context.Background(), raw("test", nil))
	require.NoError(t, err)
	assert.NotContains(t, out1.Metadata.Attributes, "skipped")
	assert.NotContains(t, out1.Metadata.Stages, "skip-me")

	out2, err := p.Process(context.Background(), raw("skip.trigger", nil))
	require.NoError(t, err)
	assert.Equal(t, false, out2.Metadata.Attributes["skipped"])
}

func failing(msg string) pipeline.StageFunc {
	return func(context.Context, event.Event) (event.Event, error) {
		return event.Event{}, errors.New(msg)
	}
}

func TestPipeline_HaltOnError(t *testing.T) {
	p := pipeline.New()
	require.NoError(t, p.AddStage("error-stage", failing("Processing error")))
	require.NoError(t, p.AddStage("after-error", setAttr("reachedHere", true)))

	_, err := p.Process(context.Background(), raw("test", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Processing error")

	var stageErr *eferrors.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, "error-stage", stageErr.Stage)
}

func TestPipeline_ContinueOnError(t *testing.T) {
	p := pipeline.New()
	require.NoError(t, p.SetErrorHandling(pipeline.ErrorContinue))
	require.NoError(t, p.AddStage("error-stage", failing("Processing error")))
	require.NoError(t, p.AddStage("after-error", setAttr("reachedHere", true)))

	out, err := p.Process(context.Background(), raw("test", nil))
	require.NoError(t, err)
	assert.Equal(t, true, out.Metadata.Attributes["reachedHere"])
	require.Len(t, out.Metadata.Errors, 1)
	assert.Equal(t, "error-stage", out.Metadata.Errors[0].Stage)
	assert.Equal(t, "test", out.Type, "failed stage output is discarded")
}

func TestPipeline_StageErrorPolicyOverride(t *testing.T) {
	p := pipeline.New()
	require.NoError(t, p.AddStage("optional", failing("meh"), pipeline.WithErrorPolicy(pipeline.ErrorContinue)))
	require.NoError(t, p.AddStage("after", setAttr("after", true)))

	out, err := p.Process(context.Background(), raw("test", nil))
	require.NoError(t, err)
	assert.Equal(t, true, out.Metadata.Attributes["after"])
}

func TestPipeline_ValidationFailure(t *testing.T) {
	t.Run("halt returns the validation error", func(t *testing.T) {
		p := pipeline.New()
		_, err := p.Process(context.Background(), raw("invalid format with spaces", nil))

		var valErr *eferrors.ValidationError
		require.True(t, errors.As(err, &valErr))
		assert.True(t, valErr.Has(pipeline.ProblemTypeFormat))
	})

	t.Run("continue flags the event", func(t *testing.T) {
		p := pipeline.New(pipeline.WithErrorHandling(pipeline.ErrorContinue))
		out, err := p.Process(context.Background(), raw("invalid format with spaces", nil))
		require.NoError(t, err)
		assert.True(t, out.Metadata.HasValidationError())
	})
}

func TestPipeline_PanicRecovered(t *testing.T) {
	p := pipeline.New()
	require.NoError(t, p.AddStage("boom", func(context.Context, event.Event) (event.Event, error) {
		panic("kaboom")
	}))

	_, err := p.Process(context.Background(), raw("test", nil))
	var panicErr *eferrors.PanicError
	require.True(t, errors.As(err, &panicErr))
	assert.Equal(t, "kaboom", panicErr.Value)
}

func TestPipeline_Timings(t *testing.T) {
	p := pipeline.New()
	require.NoError(t, p.AddStage("slow-stage", func(_ context.Context, e event.Event) (event.Event, error) {
		time.Sleep(50 * time.Millisecond)
		return e, nil
	}))

	out, err := p.Process(context.Background(), raw("test", nil))
	require.NoError(t, err)
	assert.Greater(t, out.Metadata.Timings["slow-stage"], 40*time.Millisecond)
}

func TestPipeline_ParallelStages(t *testing.T) {
	p := pipeline.New()

	var mu sync.Mutex
	running, peak := 0, 0
	track := func(key string) pipeline.StageFunc {
		return func(_ context.Context, e event.Event) (event.Event, error) {
			mu.Lock()
			running++
			peak = max(peak, running)
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			e.Data[key] = true
			return e.WithAttribute("winner", key), nil
		}
	}

	require.NoError(t, p.AddStage("a", track("a"), pipeline.WithParallel()))
	require.NoError(t, p.AddStage("b", track("b"), pipeline.WithParallel()))
	require.NoError(t, p.AddStage("after", setAttr("after", true)))

	out, err := p.Process(context.Background(), raw("test", nil))
	require.NoError(t, err)

	assert.Equal(t, 2, peak, "parallel stages overlap")
	assert.Equal(t, true, out.Data["a"])
	assert.Equal(t, true, out.Data["b"])
	assert.Equal(t, "b", out.Metadata.Attributes["winner"], "later stage wins on conflicts")
	assert.Equal(t, []string{"transform", "validate", "enrich", "a", "b", "after"}, out.Metadata.Stages)
}

func TestPipeline_ParallelStageHalts(t *testing.T) {
	p := pipeline.New()
	require.NoError(t, p.AddStage("ok", setAttr("ok", true), pipeline.WithParallel()))
	require.NoError(t, p.AddStage("bad", failing("parallel failure"), pipeline.WithParallel()))

	_, err := p.Process(context.Background(), raw("test", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parallel failure")
}

func TestPipeline_ProcessBatchParallel(t *testing.T) {
	p := pipeline.New()
	require.NoError(t, p.AddStage("slow", func(_ context.Context, e event.Event) (event.Event, error) {
		time.Sleep(20 * time.Millisecond)
		return e, nil
	}))

	events := make([]event.Event, 10)
	for i := range events {
		events[i] = raw("test", map[string]any{"id": i})
	}

	start := time.Now()
	out, err := p.ProcessBatch(context.Background(), events, pipeline.BatchOptions{Parallel: true})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	require.Len(t, out, 10)
	for i, evt := range out {
		assert.Equal(t, i, evt.Data["id"], "results keep input order")
	}
}

func TestPipeline_ProcessBatchSequential(t *testing.T) {
	p := pipeline.New()
	var order []any
	require.NoError(t, p.AddStage("track-order", func(_ context.Context, e event.Event) (event.Event, error) {
		order = append(order, e.Data["id"])
		return e, nil
	}))

	events := []event.Event{
		raw("test", map[string]any{"id": 1}),
		raw("test", map[string]any{"id": 2}),
		raw("test", map[string]any{"id": 3}),
	}
	_, err := p.ProcessBatch(context.Background(), events, pipeline.BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, order)
}

func TestPipeline_ProcessBatchError(t *testing.T) {
	p := pipeline.New()
	events := []event.Event{raw("ok", nil), raw("bad type", nil), raw("ok", nil)}

	out, err := p.ProcessBatch(context.Background(), events, pipeline.BatchOptions{})
	assert.Error(t, err)
	assert.Len(t, out, 1)

	_, err = p.ProcessBatch(context.Background(), events, pipeline.BatchOptions{Parallel: true, Concurrency: 2})
	assert.Error(t, err)
}

func TestPipeline_RemoveStage(t *testing.T) {
	p := pipeline.New()
	require.NoError(t, p.AddStage("custom", setAttr("a", 1)))

	assert.False(t, p.RemoveStage("validate"))
	assert.True(t, p.RemoveStage("custom"))
	assert.False(t, p.RemoveStage("custom"))
	assert.Equal(t, []string{"transform", "validate", "enrich"}, p.Stages())
}

func TestPipeline_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pipeline.New().Process(ctx, raw("test", nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPipeline_Accessors(t *testing.T) {
	p := pipeline.New()
	assert.NotNil(t, p.Transformer())
	assert.NotNil(t, p.Validator())
	assert.NotNil(t, p.Enricher())
	assert.Equal(t, pipeline.ErrorHalt, p.ErrorHandling())
}
