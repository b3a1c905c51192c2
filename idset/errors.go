package idset

import (
	"errors"
)

// Standard errors.
var (
	// ErrOutOfWindow is returned when an identifier does not fall within the
	// window of the page it was applied to.
	ErrOutOfWindow = errors.New(`idset: identifier out of window`)

	// ErrInvalidWindow is returned when a window size is not a positive
	// multiple of 64.
	ErrInvalidWindow = errors.New(`idset: invalid window size`)

	// ErrWindowMismatch is returned by bitwise operations across pages of
	// differing window sizes.
	ErrWindowMismatch = errors.New(`idset: window size mismatch`)

	// ErrForeignPage is returned when a page is returned to a factory that
	// did not allocate it, or that no longer considers it in use.
	ErrForeignPage = errors.New(`idset: page not in use by this factory`)

	// ErrInvalidOwner is returned when a page is requested for [NoOwner].
	ErrInvalidOwner = errors.New(`idset: invalid owner`)

	// ErrFactoryClosed is returned by operations on a closed factory.
	ErrFactoryClosed = errors.New(`idset: factory closed`)

	// ErrCorruptStore is returned when persisted pages cannot be decoded.
	ErrCorruptStore = errors.New(`idset: corrupt page store`)
)
