package relay

import "errors"

// Sentinel errors for the relay pipeline. Callers match with errors.Is.
var (
	// ErrMalformedDatagram indicates a UDP datagram that does not parse
	// into topic and payload. The datagram is logged and dropped.
	ErrMalformedDatagram = errors.New("malformed udp datagram")

	// ErrInvalidControlPayload indicates a control message whose payload
	// could not be decoded. The current configuration stays in effect.
	ErrInvalidControlPayload = errors.New("invalid control payload")
)
