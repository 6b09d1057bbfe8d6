package blockstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a block (or manifest) was never committed.
	ErrNotFound = errors.New("block not found")

	// ErrCorruptBlock is returned when a stored block fails its checksum or
	// cannot be decoded. It is never papered over with zeros.
	ErrCorruptBlock = errors.New("corrupt block")

	// ErrAlreadyCommitted is returned on a second write of the same block.
	// Each block is produced by exactly one task, so this is a contract violation.
	ErrAlreadyCommitted = errors.New("block already committed")
)

// ConfigurationError reports a shape or parameter mismatch detected before
// any work is performed.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Configf builds a *ConfigurationError.
func Configf(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err is (or wraps) a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// BlockError attaches the block coordinates to an underlying error.
type BlockError struct {
	Matrix string
	ID     BlockID
	Err    error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("%s block %v: %v", e.Matrix, e.ID, e.Err)
}

func (e *BlockError) Unwrap() error { return e.Err }
