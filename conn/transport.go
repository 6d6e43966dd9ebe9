package conn

import (
	"io"
	"net"
)

// Transport is the minimal surface the connection driver needs from the
// underlying network connection: a byte stream plus its remote address.
// TCP, WebSocket and TLS-wrapped variants all satisfy this identically --
// the driver never branches on transport kind, per spec.md §1/§6.
// network.Connection satisfies this directly.
type Transport interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// ControlMessageType names the kinds of message a connection's control
// channel can carry, per spec.md §4.F.
type ControlMessageType byte

const (
	// SessionTakenOver is sent to a connection's control channel when a new
	// CONNECT for the same client id has been accepted; the recipient must
	// send DISCONNECT(SessionTakenOver) and exit without running the normal
	// disconnect-session cleanup, since the new connection now owns the
	// session.
	SessionTakenOver ControlMessageType = iota
	// Shutdown asks a connection to close gracefully, used when the process
	// stops accepting new connections.
	Shutdown
)

// ControlMessage is sent on a connection's control channel by the server
// registry (component F) or by another connection's CONNECT handler.
type ControlMessage struct {
	Type ControlMessageType
}

// Registry is the process-wide client-id -> connection mapping the
// connection driver consults on CONNECT to detect and perform session
// takeover. server.Server implements this.
type Registry interface {
	// Register installs clientID -> ctrl, returning the control channel of
	// any connection it replaced and whether one existed. The caller must
	// send a SessionTakenOver control message on the returned channel.
	Register(clientID string, ctrl chan ControlMessage) (prev chan ControlMessage, existed bool)
	// Unregister removes clientID's mapping, but only if it still points at
	// ctrl -- a connection that lost a takeover race must not clobber the
	// new holder's entry.
	Unregister(clientID string, ctrl chan ControlMessage)
}
