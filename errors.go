package offlinecache

import "errors"

var (
	// ErrInstall is returned when the manifest could not be pre-cached.
	ErrInstall = errors.New("install failed")
	// ErrOffline is returned when the network failed and there was
	// nothing in the cache to fall back to.
	ErrOffline = errors.New("network unavailable and nothing cached")
	// ErrNoController is returned when no cache version is active yet.
	ErrNoController = errors.New("no active cache version")
)
