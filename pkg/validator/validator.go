// Package validator provides a small fluent validation builder used to
// check engine configuration (concurrency bounds, retry budgets, export
// format discriminators) before a batch starts.
package validator

import (
	"fmt"
	"strings"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is an accumulated set of field validation failures.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 0 {
		return ""
	}
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// HasErrors reports whether any validation errors were recorded.
func (errs ValidationErrors) HasErrors() bool {
	return len(errs) > 0
}

func (errs *ValidationErrors) add(field, message string, value ...string) {
	err := ValidationError{Field: field, Message: message}
	if len(value) > 0 {
		err.Value = value[0]
	}
	*errs = append(*errs, err)
}

// Validator accumulates field validation failures across a fluent chain.
type Validator struct {
	errors ValidationErrors
}

// New creates an empty Validator.
func New() *Validator {
	return &Validator{}
}

// HasErrors reports whether any check has failed so far.
func (v *Validator) HasErrors() bool {
	return v.errors.HasErrors()
}

// Errors returns all accumulated validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

// Required validates that value is not the zero value for its type.
func (v *Validator) Required(field string, value interface{}, message ...string) *Validator {
	msg := "is required"
	if len(message) > 0 {
		msg = message[0]
	}
	if isEmpty(value) {
		v.errors.add(field, msg, fmt.Sprintf("%v", value))
	}
	return v
}

// Min validates value >= min.
func (v *Validator) Min(field string, value interface{}, min float64, message ...string) *Validator {
	msg := fmt.Sprintf("must be at least %v", min)
	if len(message) > 0 {
		msg = message[0]
	}
	val, ok := toFloat64(value)
	if !ok {
		v.errors.add(field, "must be a valid number", fmt.Sprintf("%v", value))
		return v
	}
	if val < min {
		v.errors.add(field, msg, fmt.Sprintf("%v", value))
	}
	return v
}

// Max validates value <= max.
func (v *Validator) Max(field string, value interface{}, max float64, message ...string) *Validator {
	msg := fmt.Sprintf("must not exceed %v", max)
	if len(message) > 0 {
		msg = message[0]
	}
	val, ok := toFloat64(value)
	if !ok {
		v.errors.add(field, "must be a valid number", fmt.Sprintf("%v", value))
		return v
	}
	if val > max {
		v.errors.add(field, msg, fmt.Sprintf("%v", value))
	}
	return v
}

// Range validates min <= value <= max.
func (v *Validator) Range(field string, value interface{}, min, max float64, message ...string) *Validator {
	msg := fmt.Sprintf("must be between %v and %v", min, max)
	if len(message) > 0 {
		msg = message[0]
	}
	val, ok := toFloat64(value)
	if !ok {
		v.errors.add(field, "must be a valid number", fmt.Sprintf("%v", value))
		return v
	}
	if val < min || val > max {
		v.errors.add(field, msg, fmt.Sprintf("%v", value))
	}
	return v
}

// OneOf validates that value is a member of allowed.
func (v *Validator) OneOf(field string, value string, allowed []string, message ...string) *Validator {
	msg := fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", "))
	if len(message) > 0 {
		msg = message[0]
	}
	for _, a := range allowed {
		if value == a {
			return v
		}
	}
	v.errors.add(field, msg, value)
	return v
}

// Custom validates value using an arbitrary predicate.
func (v *Validator) Custom(field string, value interface{}, fn func(interface{}) bool, message string) *Validator {
	if !fn(value) {
		v.errors.add(field, message, fmt.Sprintf("%v", value))
	}
	return v
}

func isEmpty(value interface{}) bool {
	if value == nil {
		return true
	}
	switch val := value.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	case int:
		return val == 0
	case int64:
		return val == 0
	case float64:
		return val == 0
	}
	return false
}

func toFloat64(value interface{}) (float64, bool) {
	switch val := value.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float64:
		return val, true
	case float32:
		return float64(val), true
	default:
		return 0, false
	}
}
