package fanout

import "errors"

var (
	// ErrNotFound is returned by ObjectStore.Get for a missing object.
	ErrNotFound = errors.New("object not found")

	// ErrPermanent marks input that will never succeed on retry.
	ErrPermanent = errors.New("permanent failure")

	// ErrFleetExists is returned when a fleet with the same name already runs.
	ErrFleetExists = errors.New("fleet already exists")

	// ErrFleetNotFound is returned when the named fleet does not exist.
	ErrFleetNotFound = errors.New("fleet not found")
)
