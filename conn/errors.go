package conn

import "github.com/cockroachdb/errors"

var (
	// ErrProtocolViolation marks an inbound packet sequence that violates the
	// protocol state machine (duplicate CONNECT, ack for an unknown packet id,
	// out-of-order PUBREC/PUBREL/PUBCOMP). The caller always responds with a
	// DISCONNECT carrying a specific reason code, not this error directly.
	ErrProtocolViolation = errors.New("conn: protocol violation")

	// ErrNotAuthorized marks a refused CONNECT: failed authentication, and
	// also every other CONNACK rejection, whose reason code is in the
	// wrapping error's message.
	ErrNotAuthorized = errors.New("conn: not authorized")

	// ErrSessionTakenOver marks a connection whose client id was claimed by a
	// newer CONNECT; its loop exits without running the disconnect-session
	// cleanup, since the new connection now owns that state.
	ErrSessionTakenOver = errors.New("conn: session taken over")
)
