package domain

import "errors"

var (
	// ErrValidation marks a client request that cannot be converted.
	ErrValidation = errors.New("validation failed")
	// ErrRender marks a failure inside the rendering engine.
	ErrRender = errors.New("render failed")
	// ErrStorage marks a failure to persist or read a generated file.
	ErrStorage = errors.New("storage failed")
	// ErrNotFound marks a document that never existed or has expired.
	ErrNotFound = errors.New("document not found")
)
