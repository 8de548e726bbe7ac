package inventory

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidName is returned for empty or whitespace-only names before the store is touched.
	ErrInvalidName = errors.New("inventory item name must not be empty")
	// ErrStoreUnavailable marks every failure reported by the backing store.
	ErrStoreUnavailable = errors.New("inventory store unavailable")
)

// StoreError wraps a store failure with the operation that produced it.
type StoreError struct {
	Op   string
	Name string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("inventory store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("inventory store %s %q: %v", e.Op, e.Name, e.Err)
}

// Unwrap exposes both the sentinel and the driver error to errors.Is/As.
func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// storeError keeps already wrapped failures intact.
func storeError(op, name string, err error) error {
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Name: name, Err: err}
}

// IsInvalidName helps callers distinguish rejected input from infrastructure failures.
func IsInvalidName(err error) bool {
	return errors.Is(err, ErrInvalidName)
}

// IsStoreUnavailable reports whether err came from the backing store.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	return nil
}
