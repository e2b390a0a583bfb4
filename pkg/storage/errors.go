// ABOUTME: Storage error taxonomy
// ABOUTME: Driver failures surface as ErrUnavailable with cause preserved

package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable indicates the durable store could not service the
	// operation. Callers decide whether to retry; the engine never does.
	ErrUnavailable = errors.New("storage: unavailable")
)

// Wrap tags a driver error as ErrUnavailable while preserving the cause.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
