package backend

import "errors"

// ErrBeyondEnd is returned by Memory.WriteAt for writes starting at or
// past the end of the backend.
var ErrBeyondEnd = errors.New("backend: write beyond end of device")

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("backend: closed")
