package server

import (
	"sync"

	"github.com/eliasyaoyc/rsmqtt/conn"
)

// registry is the process-wide client-id -> connection mapping, satisfying
// conn.Registry for every connection the server drives. A client id maps to
// exactly one live control channel at a time; a second CONNECT for the same
// id replaces the mapping and hands the caller the old channel so it can
// signal the old connection to step aside.
type registry struct {
	mu    sync.Mutex
	conns map[string]chan conn.ControlMessage
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]chan conn.ControlMessage)}
}

func (r *registry) Register(clientID string, ctrl chan conn.ControlMessage) (chan conn.ControlMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.conns[clientID]
	r.conns[clientID] = ctrl
	return prev, existed
}

func (r *registry) Unregister(clientID string, ctrl chan conn.ControlMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.conns[clientID]; ok && current == ctrl {
		delete(r.conns, clientID)
	}
}

// Count reports the number of currently registered client connections, for
// status reporting.
func (r *registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

var _ conn.Registry = (*registry)(nil)
