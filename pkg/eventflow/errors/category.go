// Package errors provides the error taxonomy, categorization and retry helpers
// used across eventflow.
//
// Errors fall into two handling buckets:
//   - Transient: a later attempt may succeed (timeouts, unreachable targets)
//   - Permanent: retrying will not help (bad configuration, rejected events)
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Transient marks an error as retryable.
func Transient(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryTransient, Context: context}
}

// Permanent marks an error as not retryable.
func Permanent(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryPermanent, Context: context}
}

// Categorize determines the category of an error.
//
// Explicitly categorized errors keep their category. Deadline expiry is
// transient, cancellation and the eventflow configuration/validation errors
// are permanent. Everything else defaults to transient so that transport
// failures get their configured retries.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 408, httpErr.StatusCode == 429:
			return CategoryTransient
		case httpErr.StatusCode >= 500:
			return CategoryTransient
		default:
			return CategoryPermanent
		}
	}

	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return CategoryPermanent
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return CategoryPermanent
	}

	return CategoryTransient
}

// IsRetryable reports whether an error is worth another attempt.
func IsRetryable(err error) bool {
	return err != nil && Categorize(err) == CategoryTransient
}
