package eventkernel

import "errors"

var (
	// ErrDataDirRequired indicates Open was called without WithDataDir.
	ErrDataDirRequired = errors.New("data directory required")

	// ErrLogNotDefined indicates a lookup for a log that was never defined.
	ErrLogNotDefined = errors.New("log not defined")

	// ErrTenantRequired indicates an empty tenant name.
	ErrTenantRequired = errors.New("tenant name required")

	// ErrClosed indicates the kernel was closed.
	ErrClosed = errors.New("kernel closed")
)
