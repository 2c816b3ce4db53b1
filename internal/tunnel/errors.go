package tunnel

import "errors"

// Handshake / dial errors (spec.md §7 "Handshake" and "Dial" kinds).
var (
	ErrInvalidServerKey = errors.New("tunnel: server key has unexpected length")
	ErrAuthFailed       = errors.New("tunnel: authentication tag mismatch")
	ErrDialFailed       = errors.New("tunnel: dial failed")
)

// Stream-open errors (spec.md §7 "StreamOpen" kind).
var (
	ErrStreamOpenTimeout  = errors.New("tunnel: stream open timed out waiting for response")
	ErrInvalidResponse    = errors.New("tunnel: malformed stream open response")
	ErrConnectionClosed   = errors.New("tunnel: connection closed")
	ErrTunnelDestroyed    = errors.New("tunnel: tunnel is destroyed")
	ErrAlreadyConnected   = errors.New("tunnel: already connected")
	ErrReaderAlreadyParked = errors.New("tunnel: stream already has a parked reader")
)

// ErrConnectionRefused wraps the remote's ERR response text (spec.md §4.3).
type ErrConnectionRefused struct {
	Text string
}

func (e *ErrConnectionRefused) Error() string {
	return "tunnel: connection refused: " + e.Text
}
