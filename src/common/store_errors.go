package common

import (
	"errors"
	"fmt"
)

// StoreErrType ...
type StoreErrType uint32

const (
	// KeyNotFound ...
	KeyNotFound StoreErrType = iota
	// InvalidKey is returned when a key violates the namespace rules.
	InvalidKey
	// Locked is returned when another process holds the writer lock.
	Locked
	// Unavailable is returned when the store cannot be opened.
	Unavailable
	// WriteFailure is returned when a write failed after all retries.
	WriteFailure
	// Closed ...
	Closed
)

// StoreErr ...
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
	cause    error
}

// NewStoreErr ...
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// WrapStoreErr creates a StoreErr that records the underlying cause.
func WrapStoreErr(dataType string, errType StoreErrType, key string, cause error) StoreErr {
	err := NewStoreErr(dataType, errType, key)
	err.cause = cause
	return err
}

// Error ...
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case InvalidKey:
		m = "Invalid Key"
	case Locked:
		m = "Locked"
	case Unavailable:
		m = "Unavailable"
	case WriteFailure:
		m = "Write Failure"
	case Closed:
		m = "Closed"
	}

	if e.cause != nil {
		return fmt.Sprintf("%s, %s, %s: %v", e.dataType, e.key, m, e.cause)
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// Type returns the StoreErrType of the error.
func (e StoreErr) Type() StoreErrType {
	return e.errType
}

// Unwrap returns the underlying cause, if any.
func (e StoreErr) Unwrap() error {
	return e.cause
}

// IsStore checks that an error is, or wraps, a StoreErr and that its code
// matches the provided StoreErr code.
func IsStore(err error, t StoreErrType) bool {
	var storeErr StoreErr
	return errors.As(err, &storeErr) && storeErr.errType == t
}
