package broker

import (
	"time"

	"github.com/eliasyaoyc/rsmqtt/store"
)

// SessionSnapshot is the serializable slice of a session's state worth
// persisting across a broker restart: enough to tell a resuming client that
// its session is still present and to restore its subscriptions, not the
// in-memory queue or in-flight packet state, which depend on peer
// connections that no longer exist after a restart.
type SessionSnapshot struct {
	ClientID       string    `json:"client_id" cbor:"1,keyasint"`
	CreatedAt      time.Time `json:"created_at" cbor:"2,keyasint"`
	ExpiryInterval uint32    `json:"expiry_interval" cbor:"3,keyasint"`

	Filters []PersistedFilter `json:"filters" cbor:"4,keyasint"`

	WillTopic         string `json:"will_topic,omitempty" cbor:"5,keyasint,omitempty"`
	WillPayload       []byte `json:"will_payload,omitempty" cbor:"6,keyasint,omitempty"`
	WillQoS           byte   `json:"will_qos,omitempty" cbor:"7,keyasint,omitempty"`
	WillRetain        bool   `json:"will_retain,omitempty" cbor:"8,keyasint,omitempty"`
	WillDelayInterval uint32 `json:"will_delay_interval,omitempty" cbor:"9,keyasint,omitempty"`
}

// PersistedFilter is the serializable form of a FilterItem.
type PersistedFilter struct {
	Filter            string `json:"filter" cbor:"1,keyasint"`
	QoS               byte   `json:"qos" cbor:"2,keyasint"`
	NoLocal           bool   `json:"no_local" cbor:"3,keyasint"`
	RetainAsPublished bool   `json:"retain_as_published" cbor:"4,keyasint"`
	RetainHandling    byte   `json:"retain_handling" cbor:"5,keyasint"`
	ID                uint32 `json:"id,omitempty" cbor:"6,keyasint,omitempty"`
}

// SessionStore persists SessionSnapshots across restarts. It is consulted
// only at session-boundary operations (create, disconnect, expire), never on
// the publish hot path. store.MemoryStore, store.PebbleStore and
// store.RedisStore all satisfy this via store.Store's generic key-value
// shape; the caller picks one and passes it to NewStorageWithPersistence.
type SessionStore = store.Store[SessionSnapshot]
