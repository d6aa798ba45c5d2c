// Package validation provides the immutable outcome value of structural and semantic checks.
package validation

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/cybertec-postgresql/exchange_sync/internal/syncerr"
)

// Result is an immutable check outcome. The zero value is a valid result without warnings.
type Result struct {
	errors   []string
	warnings []string
	context  map[string]any
}

// Condition pairs a predicate outcome with the error reported when it does not hold
type Condition struct {
	OK      bool
	Message string
}

// Success returns a valid result carrying the given warnings
func Success(warnings ...string) Result {
	return Result{warnings: slices.Clone(warnings)}
}

// Failure returns a result with the given errors, warnings and context
func Failure(errs []string, warnings []string, context map[string]any) Result {
	return Result{
		errors:   slices.Clone(errs),
		warnings: slices.Clone(warnings),
		context:  maps.Clone(context),
	}
}

// WithSingleError returns a failed result with one error
func WithSingleError(e string) Result {
	return Result{errors: []string{e}}
}

// WithSingleWarning returns a valid result with one warning
func WithSingleWarning(w string) Result {
	return Result{warnings: []string{w}}
}

// FromConditions reports the message of every condition that does not hold, in order
func FromConditions(conditions []Condition) Result {
	var errs []string
	for _, c := range conditions {
		if !c.OK {
			errs = append(errs, c.Message)
		}
	}
	return Result{errors: errs}
}

// IsValid is true iff there are no errors
func (r Result) IsValid() bool {
	return len(r.errors) == 0
}

// HasWarnings reports whether any warning was recorded
func (r Result) HasWarnings() bool {
	return len(r.warnings) > 0
}

// Errors returns a copy of the error messages
func (r Result) Errors() []string {
	return slices.Clone(r.errors)
}

// Warnings returns a copy of the warning messages
func (r Result) Warnings() []string {
	return slices.Clone(r.warnings)
}

// Context returns a copy of the attached context
func (r Result) Context() map[string]any {
	return maps.Clone(r.context)
}

// ContextValue returns a single context entry
func (r Result) ContextValue(key string) (any, bool) {
	v, ok := r.context[key]
	return v, ok
}

// AddError returns a new result with e appended
func (r Result) AddError(e string) Result {
	n := r.clone()
	n.errors = append(n.errors, e)
	return n
}

// AddWarning returns a new result with w appended
func (r Result) AddWarning(w string) Result {
	n := r.clone()
	n.warnings = append(n.warnings, w)
	return n
}

// AddContext returns a new result with key set to value
func (r Result) AddContext(key string, value any) Result {
	n := r.clone()
	if n.context == nil {
		n.context = make(map[string]any, 1)
	}
	n.context[key] = value
	return n
}

// Merge combines both results. Context entries of other win on key collisions.
func (r Result) Merge(other Result) Result {
	n := r.clone()
	n.errors = append(n.errors, other.errors...)
	n.warnings = append(n.warnings, other.warnings...)
	if len(other.context) > 0 {
		if n.context == nil {
			n.context = make(map[string]any, len(other.context))
		}
		maps.Copy(n.context, other.context)
	}
	return n
}

// ErrorsContaining returns the errors that contain substr (case-sensitive)
func (r Result) ErrorsContaining(substr string) []string {
	return filter(r.errors, substr)
}

// WarningsContaining returns the warnings that contain substr (case-sensitive)
func (r Result) WarningsContaining(substr string) []string {
	return filter(r.warnings, substr)
}

// Summary renders a one-line description of the result
func (r Result) Summary() string {
	switch {
	case !r.IsValid():
		return fmt.Sprintf("Invalid: %d error(s), %d warning(s)", len(r.errors), len(r.warnings))
	case r.HasWarnings():
		return fmt.Sprintf("Valid with %d warning(s)", len(r.warnings))
	default:
		return "Valid"
	}
}

// OnSuccess calls fn when the result is valid
func (r Result) OnSuccess(fn func(Result)) Result {
	if r.IsValid() {
		fn(r)
	}
	return r
}

// OnFailure calls fn when the result is invalid
func (r Result) OnFailure(fn func(Result)) Result {
	if !r.IsValid() {
		fn(r)
	}
	return r
}

// Err converts an invalid result into a validation error
func (r Result) Err() error {
	if r.IsValid() {
		return nil
	}
	return syncerr.Validation("%s", strings.Join(r.errors, "; "))
}

func (r Result) clone() Result {
	return Result{
		errors:   slices.Clone(r.errors),
		warnings: slices.Clone(r.warnings),
		context:  maps.Clone(r.context),
	}
}

func filter(list []string, substr string) []string {
	var out []string
	for _, s := range list {
		if strings.Contains(s, substr) {
			out = append(out, s)
		}
	}
	return out
}
