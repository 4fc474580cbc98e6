package instance

import "errors"

var (
	// ErrAlreadyExists is returned by a registry when a record with the same
	// instance id (or external id) is already stored.
	ErrAlreadyExists = errors.New("instance: record already exists")

	// ErrInstanceExists is returned by the lifecycle manager when a launch
	// targets an instance id that is live or currently being launched.
	ErrInstanceExists = errors.New("instance: instance already exists")

	// ErrNotFound is returned by lookups and mutations on an absent instance.
	ErrNotFound = errors.New("instance: not found")

	// ErrProvisioning wraps every failure to bring an instance up.
	ErrProvisioning = errors.New("instance: provisioning failed")

	// ErrInvalidRequest is returned for create requests that fail validation.
	ErrInvalidRequest = errors.New("instance: invalid request")
)
