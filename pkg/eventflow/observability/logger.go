// Package observability provides structured logging, metrics and tracing
// for eventflow.
//
// Logging uses slog. Metrics and tracing use OpenTelemetry and fall back to
// no-op implementations when disabled. Every helper accepts a nil logger.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event context to a logger.
//
// Example:
//
//	log := EnrichLogger(logger, evt.CorrelationID, evt.Type)
//	log.Info("delivered") // includes correlation_id and event_type
func EnrichLogger(logger *slog.Logger, correlationID, eventType string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("correlation_id", correlationID),
		slog.String("event_type", eventType),
	)
}

// LogDispatch logs a completed dispatch.
func LogDispatch(logger *slog.Logger, eventType, correlationID string, subscribers, targets int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event dispatched",
		slog.String("event_type", eventType),
		slog.String("correlation_id", correlationID),
		slog.Int("subscribers", subscribers),
		slog.Int("targets", targets),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogSubscriberError logs a failing subscriber. Dispatch continues.
func LogSubscriberError(logger *slog.Logger, subscriptionID, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("subscriber failed",
		slog.String("subscription_id", subscriptionID),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogRouteFailure logs a routed delivery that exhausted its attempts.
func LogRouteFailure(logger *slog.Logger, target string, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("routed delivery failed",
		slog.String("target", target),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// LogValidationFailure logs an event dropped by validation.
func LogValidationFailure(logger *slog.Logger, eventType string, problems []string) {
	if logger == nil {
		return
	}
	logger.Info("event failed validation",
		slog.String("event_type", eventType),
		slog.Any("problems", problems),
	)
}

// LogThrottled logs an event rejected by the throttle.
func LogThrottled(logger *slog.Logger, eventType string) {
	if logger == nil {
		return
	}
	logger.Debug("event throttled",
		slog.String("event_type", eventType),
	)
}

// LogStageError logs a pipeline stage failure.
func LogStageError(logger *slog.Logger, stage string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("stage failed",
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// The returned function reports the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
