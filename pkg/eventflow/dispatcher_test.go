package eventflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/filter"
	"github.com/randalmurphal/eventflow/pkg/eventflow/pipeline"
	"github.com/randalmurphal/eventflow/pkg/eventflow/strategy"
	"github.com/randalmurphal/eventflow/pkg/eventflow/subscription"
	"github.com/randalmurphal/eventflow/pkg/eventflow/transport"
)

func TestDispatch_DeliversToSubscriber(t *testing.T) {
	d := New()
	s := &sink{}
	_, err := d.Subscribe("widget.clicked", s)
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))

	require.Equal(t, 1, s.count())
	got := s.all()[0]
	assert.Equal(t, "widget.clicked", got.Type)
	assert.Equal(t, "w1", got.Data["widgetId"])
	assert.Equal(t, 1, d.Queue().Size())
}

func TestDispatch_PatternSubscriptions(t *testing.T) {
	d := New()
	widgets, states, all := &sink{}, &sink{}, &sink{}
	_, _ = d.Subscribe("widget.*", widgets)
	_, _ = d.Subscribe("state.*", states)
	_, _ = d.Subscribe("*", all)

	require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))
	require.NoError(t, d.Dispatch(testCtx(), event.Raw{"type": "state.changed", "stateId": "s1"}))
	require.NoError(t, d.Dispatch(testCtx(), event.Raw{"type": "orb.connected", "orbId": "o1"}))

	assert.Equal(t, 1, widgets.count())
	assert.Equal(t, 1, states.count())
	assert.Equal(t, 3, all.count())
}

func TestDispatch_PriorityOrder(t *testing.T) {
	d := New()
	tracker := &orderTracker{}
	_, _ = d.Subscribe("widget.*", tracker.handler(1), subscription.WithPriority(1))
	_, _ = d.Subscribe("widget.*", tracker.handler(10), subscription.WithPriority(10))
	_, _ = d.Subscribe("widget.*", tracker.handler(5), subscription.WithPriority(5))

	require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))

	assert.Equal(t, []int{10, 5, 1}, tracker.order)
}

func TestDispatch_EqualPriorityKeepsRegistrationOrder(t *testing.T) {
	d := New()
	tracker := &orderTracker{}
	for i := range 5 {
		_, _ = d.Subscribe("widget.*", tracker.handler(i))
	}
	require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, tracker.order)
}

func TestDispatch_UnsubscribeStopsDelivery(t *testing.T) {
	d := New()
	s := &sink{}
	id, err := d.Subscribe("widget.*", s)
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))
	assert.True(t, d.Unsubscribe(id))
	require.NoError(t, d.Dispatch(testCtx(), clicked("w2")))

	assert.Equal(t, 1, s.count())
}

func TestDispatch_PauseResume(t *testing.T) {
	d := New()
	s := &sink{}
	id, _ := d.Subscribe("widget.*", s)

	require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))
	assert.Equal(t, 1, s.count())

	require.True(t, d.Pause(id))
	require.NoError(t, d.Dispatch(testCtx(), clicked("w2")))
	assert.Equal(t, 1, s.count())
	assert.Equal(t, 1, d.Registry().Count(), "paused subscription stays registered")

	require.True(t, d.Resume(id))
	require.NoError(t, d.Dispatch(testCtx(), clicked("w3")))
	assert.Equal(t, 2, s.count())
}

func TestDispatch_FilterAnd(t *testing.T) {
	d := New()
	s := &sink{}
	_, _ = d.Subscribe("widget.*", s)
	require.NoError(t, d.Filter().AddRule(filter.Rule{Field: "widgetId", Operator: filter.OpEquals, Value: "w1"}))
	require.NoError(t, d.Filter().AddRule(filter.Rule{Field: "type", Operator: filter.OpEquals, Value: "widget.clicked"}))

	require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))
	require.NoError(t, d.Dispatch(testCtx(), event.Raw{"type": "widget.hover", "widgetId": "w1"}))
	require.NoError(t, d.Dispatch(testCtx(), clicked("w2")))

	assert.Equal(t, 1, s.count())
	m := d.Metrics()
	assert.Equal(t, int64(1), m.TotalDispatched)
	assert.Equal(t, int64(2), m.Filtered)
}

func TestDispatch_FilterOr(t *testing.T) {
	d := New()
	s := &sink{}
	_, _ = d.Subscribe("widget.*", s)
	require.NoError(t, d.Filter().SetLogic(filter.LogicOr))
	require.NoError(t, d.Filter().AddRule(filter.Rule{Field: "widgetId", Operator: filter.OpEquals, Value: "w1"}))
	require.NoError(t, d.Filter().AddRule(filter.Rule{Field: "widgetId", Operator: filter.OpEquals, Value: "w2"}))

	for _, id := range []string{"w1", "w2", "w3"} {
		require.NoError(t, d.Dispatch(testCtx(), clicked(id)))
	}
	assert.Equal(t, 2, s.count())
}

func TestDispatch_FilterRegex(t *testing.T) {
	d := New()
	s := &sink{}
	_, _ = d.Subscribe("*", s)
	require.NoError(t, d.Filter().AddRule(filter.Rule{
		Field:    "type",
		Operator: filter.OpMatches,
		Value:    `^widget\.(clicked|double_clicked)$`,
	}))

	for _, typ := range []string{"widget.clicked", "widget.double_clicked", "widget.hover"} {
		require.NoError(t, d.Dispatch(testCtx(), event.Raw{"type": typ}))
	}
	assert.Equal(t, 2, s.count())
}

func TestDispatch_Throttle(t *testing.T) {
	d := New(WithFilter(filter.New(filter.WithClock(fixedClock()))))
	s := &sink{}
	_, _ = d.Subscribe("widget.mousemove", s)
	require.NoError(t, d.Filter().SetThrottle(filter.Throttle{EventType: "widget.mousemove", MaxPerSecond: 10}))

	for i := range 50 {
		require.NoError(t, d.Dispatch(testCtx(), event.Raw{"type": "widget.mousemove", "x": i * 10, "y": i * 10}))
	}

	assert.Equal(t, 10, s.count())
	assert.Equal(t, int64(40), d.Metrics().Filtered)
}

func TestDispatch_SubscriberErrorsAreIsolated(t *testing.T) {
	d := New()
	good := &sink{}
	_, _ = d.Subscribe("widget.*", failing("subscriber 1"))
	_, _ = d.Subscribe("widget.*", good)
	_, _ = d.Subscribe("widget.*", failing("subscriber 3"))

	require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))

	assert.Equal(t, 1, good.count())
	assert.Equal(t, int64(2), d.Metrics().Errors)
}

func TestDispatch_ErrorMetrics(t *testing.T) {
	d := New()
	_, _ = d.Subscribe("widget.*", failing("boom"))

	require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))
	require.NoError(t, d.Dispatch(testCtx(), clicked("w2")))

	assert.Equal(t, int64(2), d.Metrics().Errors)
}

func TestDispatch_OnError(t *testing.T) {
	d := New()
	type report struct {
		err error
		evt event.Event
	}
	var reports []report
	d.OnError(func(err error, evt event.Event) {
		reports = append(reports, report{err, evt})
	})
	id, _ := d.Subscribe("widget.*", failing("test error"))

	require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))

	require.Len(t, reports, 1)
	assert.Equal(t, "w1", reports[0].evt.Data["widgetId"])
	var subErr *eferrors.SubscriberError
	require.True(t, errors.As(reports[0].err, &subErr))
	assert.Equal(t, id, subErr.SubscriptionID)
	assert.Equal(t, "widget.clicked", subErr.EventType)
	assert.EqualError(t, subErr.Err, "test error")
}

func TestDispatch_SubscriberPanicIsRecovered(t *testing.T) {
	d := New()
	var got error
	d.OnError(func(err error, _ event.Event) { got = err })
	good := &sink{}
	_, _ = d.Subscribe("widget.*", event.HandlerFunc(func(context.Context, event.Event) error {
		panic("kaboom")
	}), subscription.WithPriority(1))
	_, _ = d.Subscribe("widget.*", good)

	require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))

	assert.Equal(t, 1, good.count())
	var panicErr *eferrors.PanicError
	require.True(t, errors.As(got, &panicErr))
	assert.Equal(t, "kaboom", panicErr.Value)
}

func TestDispatch_OnErrorHandlerPanicDoesNotEscape(t *testing.T) {
	d := New()
	d.OnError(func(error, event.Event) { panic("observer") })
	_, _ = d.Subscribe("widget.*", failing("x"))
	assert.NotPanics(t, func() {
		_ = d.Dispatch(testCtx(), clicked("w1"))
	})
}

func TestDispatch_SubscribersGetOwnCopy(t *testing.T) {
	d := New()
	_, _ = d.Subscribe("widget.*", event.HandlerFunc(func(_ context.Context, evt event.Event) error {
		evt.Data["widgetId"] = "mutated"
		return nil
	}), subscription.WithPriority(10))
	s := &sink{}
	_, _ = d.Subscribe("widget.*", s)

	require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))
	assert.Equal(t, "w1", s.all()[0].Data["widgetId"])
}

func TestDispatch_Metrics(t *testing.T) {
	d := New()
	_, _ = d.Subscribe("widget.*", &sink{})

	require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))
	require.NoError(t, d.Dispatch(testCtx(), event.Raw{"type": "widget.hover", "widgetId": "w2"}))
	require.NoError(t, d.Dispatch(testCtx(), clicked("w3")))

	m := d.Metrics()
	assert.Equal(t, int64(3), m.TotalDispatched)
	assert.Equal(t, int64(2), m.EventsByType["widget.clicked"])
	assert.Equal(t, int64(1), m.EventsByType["widget.hover"])
	assert.Positive(t, m.AverageLatency)

	m.EventsByType["widget.clicked"] = 99
	assert.Equal(t, int64(2), d.Metrics().EventsByType["widget.clicked"], "snapshot is a copy")

	d.ResetMetrics()
	m = d.Metrics()
	assert.Zero(t, m.TotalDispatched)
	assert.Empty(t, m.EventsByType)
	assert.Zero(t, m.AverageLatency)
}

func TestDispatch_NormalizesType(t *testing.T) {
	d := New()
	s := &sink{}
	_, _ = d.Subscribe("widget.clicked", s)

	for _, typ := range []string{"WidgetClicked", "widget_clicked", "WIDGET.CLICKED"} {
		require.NoError(t, d.Dispatch(testCtx(), event.Raw{"type": typ}))
	}
	assert.Equal(t, 3, s.count())
}

func TestDispatch_CorrelationID(t *testing.T) {
	d := New()
	s := &sink{}
	_, _ = d.Subscribe("*", s)

	require.NoError(t, d.Dispatch(testCtx(), event.Raw{"type": "a.b", "correlationId": "corr-123"}))
	require.NoError(t, d.Dispatch(testCtx(), event.Raw{"type": "a.b"}))

	got := s.all()
	assert.Equal(t, "corr-123", got[0].CorrelationID)
	assert.NotEmpty(t, got[1].CorrelationID)
	assert.False(t, got[1].Timestamp.IsZero())
	assert.Equal(t, []string{"transform", "validate", "enrich"}, got[0].Metadata.Stages)
}

func TestDispatch_ValidationFailureHalt(t *testing.T) {
	d := New()
	require.NoError(t, d.Pipeline().Validator().SetBlacklist([]string{"debug.*"}))
	s := &sink{}
	_, _ = d.Subscribe("*", s)
	var reported error
	d.OnError(func(err error, _ event.Event) { reported = err })

	err := d.Dispatch(testCtx(), event.Raw{"type": "debug.trace"})

	var valErr *eferrors.ValidationError
	require.True(t, errors.As(err, &valErr))
	assert.True(t, valErr.Has(pipeline.ProblemBlacklisted))
	assert.ErrorAs(t, reported, &valErr)
	assert.Zero(t, s.count())
	assert.Equal(t, int64(1), d.Metrics().Dropped)
	assert.Zero(t, d.Metrics().TotalDispatched)
}

func TestDispatch_ValidationFailureContinue(t *testing.T) {
	d := New()
	require.NoError(t, d.Pipeline().SetErrorHandling(pipeline.ErrorContinue))
	require.NoError(t, d.Pipeline().Validator().SetBlacklist([]string{"debug.*"}))
	s := &sink{}
	_, _ = d.Subscribe("*", s)
	var reported []error
	d.OnError(func(err error, _ event.Event) { reported = append(reported, err) })

	require.NoError(t, d.Dispatch(testCtx(), event.Raw{"type": "debug.trace"}))

	require.Len(t, reported, 1)
	var valErr *eferrors.ValidationError
	require.True(t, errors.As(reported[0], &valErr))
	assert.True(t, valErr.Has(pipeline.ProblemBlacklisted))
	assert.Zero(t, s.count())
	assert.Equal(t, int64(1), d.Metrics().Dropped)
}

func TestDispatch_StageErrorHalt(t *testing.T) {
	d := New()
	boom := errors.New("stage failed")
	require.NoError(t, d.Pipeline().AddStage("explode", func(context.Context, event.Event) (event.Event, error) {
		return event.Event{}, boom
	}))
	s := &sink{}
	_, _ = d.Subscribe("*", s)

	err := d.Dispatch(testCtx(), event.Raw{"type": "a.b"})

	assert.ErrorIs(t, err, boom)
	var stageErr *eferrors.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, "explode", stageErr.Stage)
	assert.Zero(t, s.count())
}

func TestDispatch_StageErrorContinue(t *testing.T) {
	d := New()
	require.NoError(t, d.Pipeline().SetErrorHandling(pipeline.ErrorContinue))
	require.NoError(t, d.Pipeline().AddStage("explode", func(context.Context, event.Event) (event.Event, error) {
		return event.Event{}, errors.New("stage failed")
	}))
	s := &sink{}
	_, _ = d.Subscribe("*", s)

	require.NoError(t, d.Dispatch(testCtx(), event.Raw{"type": "a.b"}))

	require.Equal(t, 1, s.count())
	errs := s.all()[0].Metadata.Errors
	require.Len(t, errs, 1)
	assert.Equal(t, "explode", errs[0].Stage)
}

func TestDispatch_StrategyAssignment(t *testing.T) {
	d := New()
	require.NoError(t, d.Strategy().Register("order.*", "orders"))
	require.NoError(t, d.Strategy().SetPartitioning(strategy.PartitionHash, strategy.PartitionConfig{Key: "customerId"}))
	s := &sink{}
	_, _ = d.Subscribe("*", s)

	require.NoError(t, d.Dispatch(testCtx(), event.Raw{"type": "order.created", "customerId": "c-1"}))
	require.NoError(t, d.Dispatch(testCtx(), event.Raw{"type": "order.updated", "customerId": "c-1"}))
	require.NoError(t, d.Dispatch(testCtx(), event.Raw{"type": "user.login"}))

	got := s.all()
	assert.Equal(t, "orders", got[0].Metadata.AssignedProcessor)
	assert.GreaterOrEqual(t, got[0].Metadata.Partition, 0)
	assert.Less(t, got[0].Metadata.Partition, strategy.DefaultPartitions)
	assert.Equal(t, got[0].Metadata.Partition, got[1].Metadata.Partition)
	assert.Empty(t, got[2].Metadata.AssignedProcessor)
	assert.Equal(t, strategy.NoPartition, got[2].Metadata.Partition)
}

func TestDispatch_StrategyConditionPanicIsReported(t *testing.T) {
	d := New()
	require.NoError(t, d.Strategy().Register("widget.*", "broken", strategy.WithPriority(10),
		strategy.WithCondition(func(event.Event) bool { panic("boom") })))
	require.NoError(t, d.Strategy().Register("widget.*", "widgets"))
	var reported []error
	d.OnError(func(err error, _ event.Event) { reported = append(reported, err) })
	s := &sink{}
	_, _ = d.Subscribe("widget.*", s)

	require.NotPanics(t, func() {
		require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))
	})

	require.Equal(t, 1, s.count())
	assert.Equal(t, "widgets", s.all()[0].Metadata.AssignedProcessor)
	require.Len(t, reported, 1)
	var panicErr *eferrors.PanicError
	require.True(t, errors.As(reported[0], &panicErr))
	assert.Equal(t, "boom", panicErr.Value)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Strategy().Register("state.*", "states")
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("strategy registration blocked after a panicking condition")
	}
}

func TestDispatch_StopPropagation(t *testing.T) {
	d := New()
	var reported []error
	d.OnError(func(err error, _ event.Event) { reported = append(reported, err) })
	tracker := &orderTracker{}
	_, _ = d.Subscribe("widget.*", tracker.handler(1), subscription.WithPriority(1))
	_, _ = d.Subscribe("widget.clicked", event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		_ = tracker.handler(10).Handle(ctx, evt)
		return ErrStopPropagation
	}), subscription.WithPriority(10))

	require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))
	require.NoError(t, d.Dispatch(testCtx(), event.Raw{"type": "widget.hovered"}))

	assert.Equal(t, []int{10, 1}, tracker.order)
	assert.Empty(t, reported)
	m := d.Metrics()
	assert.Zero(t, m.Errors)
	assert.Equal(t, int64(2), m.TotalDispatched)
}

func TestDispatch_StopPropagationStillRoutes(t *testing.T) {
	rec := transport.NewRecorder()
	d := New(WithTransport(rec))
	_, _ = d.AddRoute("widget.*", "http://analytics")
	_, _ = d.Subscribe("widget.*", event.HandlerFunc(func(context.Context, event.Event) error {
		return ErrStopPropagation
	}))

	require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))

	assert.Len(t, rec.Delivered("http://analytics"), 1)
}

func TestDispatch_CancelledContext(t *testing.T) {
	d := New()
	s := &sink{}
	_, _ = d.Subscribe("*", s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Dispatch(ctx, event.Raw{"type": "a.b"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.count())
}

func TestBatchDispatch_Sequential(t *testing.T) {
	d := New()
	tracker := &orderTracker{}
	_, _ = d.Subscribe("widget.*", event.HandlerFunc(func(_ context.Context, evt event.Event) error {
		n := map[string]int{"w1": 1, "w2": 2, "w3": 3}[evt.Data["widgetId"].(string)]
		return tracker.handler(n).Handle(context.Background(), evt)
	}))

	require.NoError(t, d.BatchDispatch(testCtx(), []event.Raw{clicked("w1"), clicked("w2"), clicked("w3")}))

	assert.Equal(t, []int{1, 2, 3}, tracker.order)
	assert.Equal(t, 3, d.Queue().Size())
}

func TestBatchDispatch_Parallel(t *testing.T) {
	d := New()
	var delivered atomic.Int64
	_, _ = d.Subscribe("widget.*", event.HandlerFunc(func(context.Context, event.Event) error {
		delivered.Add(1)
		return nil
	}))

	raws := make([]event.Raw, 100)
	for i := range raws {
		raws[i] = clicked("w")
	}
	require.NoError(t, d.BatchDispatch(testCtx(), raws, WithParallelBatch(), WithBatchConcurrency(8)))

	assert.Equal(t, int64(100), delivered.Load())
	assert.Equal(t, int64(100), d.Metrics().TotalDispatched)
}

func TestBatchDispatch_JoinsErrors(t *testing.T) {
	d := New()
	require.NoError(t, d.Pipeline().Validator().SetBlacklist([]string{"bad.*"}))
	s := &sink{}
	_, _ = d.Subscribe("*", s)

	err := d.BatchDispatch(testCtx(), []event.Raw{{"type": "ok.one"}, {"type": "bad.one"}, {"type": "ok.two"}})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "event 1")
	assert.Equal(t, 2, s.count())
}

func TestClose(t *testing.T) {
	d := New()
	require.NoError(t, d.Close(testCtx()))
	require.NoError(t, d.Close(testCtx()))
	assert.ErrorIs(t, d.Dispatch(testCtx(), clicked("w1")), ErrClosed)
}

func TestClose_SubscriberMayDispatchWhileClosing(t *testing.T) {
	d := New()
	closed := make(chan error, 1)
	var nested error
	_, _ = d.Subscribe("widget.*", event.HandlerFunc(func(ctx context.Context, _ event.Event) error {
		go func() { closed <- d.Close(context.Background()) }()
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if nested = d.Dispatch(ctx, event.Raw{"type": "audit.logged"}); errors.Is(nested, ErrClosed) {
				return nil
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	}))

	require.NoError(t, d.Dispatch(testCtx(), clicked("w1")))

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not finish")
	}
	assert.ErrorIs(t, nested, ErrClosed)
}
