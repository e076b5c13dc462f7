package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRunNotFound              = errors.New("run not found")
	ErrPipelineNotFound         = errors.New("pipeline not found")
	ErrCredentialsNotConfigured = errors.New("no LLM provider configured")
	ErrCyclicGraph              = errors.New("pipeline graph contains a cycle")
	ErrJobNotFound              = errors.New("job not found")
	ErrUnauthorized             = errors.New("unauthorized")
)

// ConfigError is a configuration problem detected before any step runs.
// Retrying the run does not resolve it.
type ConfigError struct {
	Message string
	Err     error
}

// NewConfigError creates a configuration error
func NewConfigError(err error, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *ConfigError) Error() string {
	return e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is or wraps a ConfigError
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
