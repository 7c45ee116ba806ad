package server

import (
	"errors"

	"github.com/bc183/otun/internal/portpool"
)

// Sentinel errors for server-side control-channel and visitor handling.
var (
	// ErrNoPortsAvailable indicates the port allocator's range is exhausted.
	ErrNoPortsAvailable = portpool.ErrNoPortsAvailable

	// ErrBindFailed indicates the public listener failed to bind an
	// allocated port (the small TOCTOU race between probe and rebind).
	ErrBindFailed = errors.New("server: failed to bind public listener")

	// ErrPairingTimeout indicates a visitor waited longer than the pairing
	// timeout for a data channel to arrive.
	ErrPairingTimeout = errors.New("server: visitor pairing timed out")
)
