package partitions

import "fmt"

// ConfigurationError reports decomposition parameters that cannot describe a
// valid partition. It is fatal at setup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid decomposition: " + e.Reason
	}
	return fmt.Sprintf("invalid decomposition: %s: %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
