package miniserver

import "errors"

// Sentinel errors for Miniserver operations. Callers match with errors.Is.
var (
	// ErrAuthFailed indicates the Miniserver rejected the configured
	// credentials. Repeated auth failures are fatal: retrying a bad
	// password forever only locks the account.
	ErrAuthFailed = errors.New("miniserver authentication failed")

	// ErrHandshakeFailed indicates the crypto handshake could not be
	// completed (key exchange, session setup or token acquisition).
	ErrHandshakeFailed = errors.New("miniserver handshake failed")

	// ErrFrameDecode indicates a malformed binary frame header. The frame
	// is dropped and the session continues.
	ErrFrameDecode = errors.New("miniserver frame decode failed")

	// ErrNotConnected indicates a command was attempted without an
	// established session.
	ErrNotConnected = errors.New("miniserver not connected")

	// ErrKeepaliveTimeout indicates the Miniserver stopped answering
	// keepalives and the session is considered dead.
	ErrKeepaliveTimeout = errors.New("miniserver keepalive timeout")

	// ErrSyncFailed indicates the virtual-input inventory could not be
	// fetched from the Miniserver.
	ErrSyncFailed = errors.New("miniserver sync failed")
)
