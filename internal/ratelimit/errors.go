package ratelimit

import (
	"errors"
	"fmt"

	"github.com/keithlinneman/linnemanlabs-cms/internal/xerrors"
)

var (
	// ErrQuotaExceeded is the expected outcome of a denied request, not a fault.
	ErrQuotaExceeded = errors.New("ratelimit: quota exceeded")

	// ErrStoreUnavailable marks any failure of the counter backend.
	ErrStoreUnavailable = errors.New("ratelimit: store unavailable")

	// ErrStoreFull is returned by MemoryStore when a new key would exceed its key cap.
	ErrStoreFull = fmt.Errorf("%w: key capacity reached", ErrStoreUnavailable)

	// ErrInvalidConfig is returned at construction time for unusable settings.
	ErrInvalidConfig = errors.New("ratelimit: invalid configuration")
)

// StoreError marks err as a store failure so errors.Is(err, ErrStoreUnavailable) holds.
// Store implementations outside this package use it to wrap backend errors.
func StoreError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return xerrors.Wrap(err, op)
	}
	return xerrors.EnsureTrace(fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err))
}

func invalidConfig(format string, args ...any) error {
	return xerrors.Wrapf(ErrInvalidConfig, format, args...)
}
