package audit

import "errors"

var (
	// ErrInvalidInput is returned when a request payload is not the expected shape,
	// such as a before/after state that is not a JSON object.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStorageUnavailable wraps any failure of the backing store.
	ErrStorageUnavailable = errors.New("audit storage unavailable")

	// ErrAlreadyPersisted is returned when Save is given a record that already has an id.
	ErrAlreadyPersisted = errors.New("audit already persisted")
)
