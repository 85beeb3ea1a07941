package config

import (
	"errors"
	"strings"
)

// ErrUnknownKey is returned by UpdateConfig for a dotted key with no matching field
var (
	ErrUnknownKey = errors.New("unknown configuration key")
	ErrPinnedKey  = errors.New("key is pinned by the environment profile")
)

// ConfigurationError reports a candidate configuration that failed validation.
// The previously active configuration stays in force.
type ConfigurationError struct {
	Problems []string
	Err      error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid configuration")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Problems) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Problems, "; "))
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err carries a ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
