package broker

import "github.com/cockroachdb/errors"

var (
	// ErrSessionNotFound is returned by operations that address a session by
	// client id when no such session exists.
	ErrSessionNotFound = errors.New("broker: session not found")

	// ErrPacketIDInUse is returned by AddUncompletedMessage when the packet id
	// is already associated with an in-flight QoS 2 exchange for that client.
	ErrPacketIDInUse = errors.New("broker: packet id already has an uncompleted message")
)
