package storage

import "errors"

var (
	// ErrNotFound indicates no object exists for the given identifier.
	ErrNotFound = errors.New("storage: object not found")

	// ErrConflict indicates the identifier was already taken at write time.
	ErrConflict = errors.New("storage: identifier already exists")

	// ErrDecode indicates stored data that could not be decrypted, or a
	// payload that could not be decoded as an image.
	ErrDecode = errors.New("storage: cannot decode object")

	// ErrIO indicates a filesystem failure unrelated to existence.
	ErrIO = errors.New("storage: I/O failure")

	// ErrResourceExhausted indicates the identifier retry budget ran out.
	// Errors carrying it also match ErrConflict.
	ErrResourceExhausted = errors.New("storage: identifier attempts exhausted")

	// ErrTooLarge indicates an upload above the configured size limit.
	ErrTooLarge = errors.New("storage: object exceeds maximum size")

	// ErrInvalidConfig indicates an Engine configuration that cannot work.
	ErrInvalidConfig = errors.New("storage: invalid configuration")
)
