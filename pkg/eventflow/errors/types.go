package errors

import (
	"fmt"
	"strings"
)

// ValidationError reports every problem the validate stage found in an event.
type ValidationError struct {
	EventType string
	Problems  []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.EventType != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.EventType, strings.Join(e.Problems, "; "))
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Problems, "; "))
}

// Has reports whether the given problem was recorded.
func (e *ValidationError) Has(problem string) bool {
	for _, p := range e.Problems {
		if p == problem {
			return true
		}
	}
	return false
}

// SubscriberError wraps a failure raised by a subscriber callback.
type SubscriberError struct {
	SubscriptionID string
	EventType      string
	Err            error
}

// Error implements the error interface.
func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %s failed on %s: %v", e.SubscriptionID, e.EventType, e.Err)
}

// Unwrap returns the underlying error.
func (e *SubscriberError) Unwrap() error {
	return e.Err
}

// RoutingDeliveryError reports a routed target that could not be reached
// after all configured attempts.
type RoutingDeliveryError struct {
	RouteID  string
	Target   string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *RoutingDeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed after %d attempt(s): %v", e.Target, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *RoutingDeliveryError) Unwrap() error {
	return e.Err
}

// ConfigurationError indicates an invalid registration (pattern, rule, route,
// stage). It is returned synchronously by the registering call.
type ConfigurationError struct {
	Component string
	Field     string
	Message   string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: invalid %s: %s", e.Component, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Component, e.Message)
}

// Configuration creates a ConfigurationError.
func Configuration(component, field, message string) *ConfigurationError {
	return &ConfigurationError{Component: component, Field: field, Message: message}
}

// StageError wraps a failure inside a named pipeline stage.
type StageError struct {
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// HTTPError represents a non-2xx response from a routed HTTP target.
type HTTPError struct {
	StatusCode int
	Endpoint   string
	Message    string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// PanicError carries a value recovered from a panicking callback.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
