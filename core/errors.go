package core

import "errors"

// Validation failures rejected at monolog creation. Callers are expected to
// route the offending payload to a QuarantineSink rather than drop it.
var (
	// ErrUnknownProvider indicates a provider name that is not part of the
	// seeded reference data.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnknownMode indicates a mode outside the Build/Plan set.
	ErrUnknownMode = errors.New("unknown mode")

	// ErrMissingParent indicates an assistant monolog without a resolvable
	// parent. Assistant monologs always respond to something.
	ErrMissingParent = errors.New("assistant monolog requires a parent")

	// ErrEmptyContent indicates a turn without any text content.
	ErrEmptyContent = errors.New("content must not be empty")

	// ErrUnknownSession indicates a session reference that does not exist.
	ErrUnknownSession = errors.New("unknown session")
)

// IsValidation reports whether err is one of the validation failures above,
// as opposed to a store availability problem that must propagate.
func IsValidation(err error) bool {
	return errors.Is(err, ErrUnknownProvider) ||
		errors.Is(err, ErrUnknownMode) ||
		errors.Is(err, ErrMissingParent) ||
		errors.Is(err, ErrEmptyContent) ||
		errors.Is(err, ErrUnknownSession)
}
