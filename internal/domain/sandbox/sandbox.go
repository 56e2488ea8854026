// Package sandbox runs extension modules inside a WebAssembly runtime. Each
// loaded extension is a long-lived module instance; the host talks to it
// through a small vector ABI (ext_alloc, ext_search, ext_resolve_stream) and
// the guest talks back through the "cadence" host module.
package sandbox

import (
	"errors"
	"time"
)

// HostModuleName is the import namespace extensions link against.
const HostModuleName = "cadence"

// Guest exports every extension module must provide.
const (
	guestAlloc         = "ext_alloc"
	guestSearch        = "ext_search"
	guestResolveStream = "ext_resolve_stream"
	guestMetadata      = "ext_metadata" // optional
)

// Sandbox errors.
var (
	ErrRuntimeClosed  = errors.New("sandbox runtime closed")
	ErrInstanceClosed = errors.New("extension instance closed")
	ErrInstanceDead   = errors.New("extension instance terminated")
	ErrCallTimeout    = errors.New("extension call timed out")
	ErrMissingExport  = errors.New("module missing required export")
	ErrNoResult       = errors.New("extension returned no result")
	ErrResultTooLarge = errors.New("extension result exceeds size limit")
)

// Config bounds what extension code may consume.
type Config struct {
	// CallTimeout is the deadline for a single guest call. A call that
	// overruns it is hard-killed, leaving the instance dead until reload.
	CallTimeout time.Duration

	// LoadTimeout bounds module compilation and instantiation.
	LoadTimeout time.Duration

	// CloseTimeout bounds instance teardown.
	CloseTimeout time.Duration

	// AllowNetwork is the host-level switch for the network capability.
	// An extension gets outbound HTTP only when this is true and its
	// manifest declares the capability.
	AllowNetwork bool

	// MaxResultBytes caps the payload a guest call may return.
	MaxResultBytes uint32

	// MaxFetchBytes caps the body of an http_get performed for a guest.
	MaxFetchBytes int64
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		CallTimeout:    10 * time.Second,
		LoadTimeout:    30 * time.Second,
		CloseTimeout:   2 * time.Second,
		AllowNetwork:   true,
		MaxResultBytes: 4 << 20, // 4 MB
		MaxFetchBytes:  8 << 20, // 8 MB
	}
}

// packResult packs a guest memory region into the u64 return convention:
// pointer in the high 32 bits, byte length in the low 32.
func packResult(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// splitResult undoes packResult.
func splitResult(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}
