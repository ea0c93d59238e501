// Package eventflow is an in-process event dispatch and routing engine.
//
// Producers hand raw events to a Dispatcher. Each event runs through a
// processing pipeline (transform, validate, enrich, then user stages), is
// checked against a rule filter and per-type throttle, is delivered to every
// matching subscriber in priority order, and is handed to every matching
// routed target through a Transport.
//
// # Quick Start
//
//	d := eventflow.New(eventflow.WithTransport(transport.NewHTTP()))
//	defer d.Close(context.Background())
//
//	d.SubscribeFunc("widget.*", func(ctx context.Context, evt event.Event) error {
//		fmt.Println(evt.Type, evt.Data["widgetId"])
//		return nil
//	}, subscription.WithPriority(10))
//
//	d.AddRoute("widget.*", "http://analytics/events", route.WithRetries(2))
//
//	err := d.Dispatch(ctx, event.Raw{"type": "WidgetClicked", "widgetId": "w1"})
//
// # Delivery Guarantees
//
// Subscribers of one event run sequentially, highest priority first, ties in
// registration order. A subscriber that fails or panics is reported through
// OnError and never prevents delivery to the others. Dispatches of different
// events may run concurrently.
//
// Routed targets are delivered independently, one goroutine per target, with
// the route's retries and per-attempt timeout. A target that still fails is
// reported through OnError and, if a dead-letter store is configured, parked
// for ReplayDeadLetters. Routing failures never fail Dispatch.
//
// # Errors
//
// Registration errors (bad pattern, rule or route) are returned by the
// registering call as *errors.ConfigurationError. Under the default halt
// policy a failing pipeline stage is returned from Dispatch; under continue
// the failure is recorded in Metadata.Errors and dispatch goes on. Events that
// fail validation are always dropped and reported through OnError.
//
// # Observability
//
// Metrics returns an in-memory snapshot. WithMetrics and WithSpanManager plug
// in OpenTelemetry recorders from the observability package; WithLogger takes
// a *slog.Logger.
package eventflow
