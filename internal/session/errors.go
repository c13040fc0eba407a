package session

import "errors"

// Conditions reported through the public contract. Each is wrapped with
// context via fmt.Errorf("...: %w") and matched with errors.Is.
var (
	ErrAddressFormat        = errors.New("session: malformed peer address")
	ErrConnectTimeout       = errors.New("session: timed out while connecting")
	ErrCapacityExceeded     = errors.New("session: host at capacity")
	ErrPacketTooLarge       = errors.New("session: packet too large for channel")
	ErrSubstrateUnavailable = errors.New("session: substrate not available")
)

// Conditions recovered locally or describing misuse of the API.
var (
	ErrUnknownPeer       = errors.New("session: unknown peer")
	ErrUnknownConnection = errors.New("session: unknown connection id")
	ErrNotConnected      = errors.New("session: not connected")
	ErrAlreadyRunning    = errors.New("session: already running")
	ErrClosed            = errors.New("session: closed")
)
