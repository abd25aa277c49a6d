package core

import (
	"errors"
	"fmt"
)

// ErrWALCorrupted is matched by every *WALCorruptedError through errors.Is.
var ErrWALCorrupted = errors.New("write-ahead log corrupted")

// ErrConfiguration is matched by every *ConfigurationError through errors.Is.
var ErrConfiguration = errors.New("invalid configuration")

// ConfigurationError reports a setup problem that must never be retried:
// a malformed WAL file name, an unknown mutation type identifier or invalid
// constructor options.
type ConfigurationError struct {
	Message string
	Field   string // e.g., "file_name", "type_id", "max_file_size"
	Value   string // The offending value
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Message)
	}
	return fmt.Sprintf("configuration error for %s '%s': %s", e.Field, e.Value, e.Message)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// NewConfigurationError is a shorthand used by option validation.
func NewConfigurationError(field, value, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Value: value, Message: message}
}

// WALCorruptedError describes damage found before the tail of a WAL file.
// Unlike a torn tail it is never repaired automatically.
type WALCorruptedError struct {
	Path     string
	Offset   int64
	Expected string
	Found    string
	Err      error
}

func (e *WALCorruptedError) Error() string {
	msg := fmt.Sprintf("wal file %s corrupted at offset %d: expected %s, found %s", e.Path, e.Offset, e.Expected, e.Found)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *WALCorruptedError) Is(target error) bool {
	return target == ErrWALCorrupted
}

func (e *WALCorruptedError) Unwrap() error {
	return e.Err
}

// IsWALCorrupted checks if an error (or any error in its chain) is a WALCorruptedError.
func IsWALCorrupted(err error) bool {
	var corrupted *WALCorruptedError
	return errors.As(err, &corrupted)
}

// IsConfigurationError checks if an error is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var configErr *ConfigurationError
	return errors.As(err, &configErr)
}
