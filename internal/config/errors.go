package config

import (
	"errors"
	"fmt"
)

// ConfigError is a fatal configuration problem detected at load time.
// It always names the offending policy so the operator knows which config
// section to fix; startup aborts on the first one.
type ConfigError struct {
	Policy  string // policy section, e.g. "choke", or "config" for document-level problems
	Field   string // offending field, if known
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("policy %s: field %s: %s", e.Policy, e.Field, e.Message)
	}
	return fmt.Sprintf("policy %s: %s", e.Policy, e.Message)
}

// NewConfigError creates a ConfigError for the given policy and field.
func NewConfigError(policy, field, format string, args ...any) *ConfigError {
	return &ConfigError{Policy: policy, Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
