package broker

import (
	"sync"
	"time"

	"github.com/eliasyaoyc/rsmqtt/encoding"
	"github.com/eliasyaoyc/rsmqtt/message"
)

// session is one client's live state: its outbound queue, its subscriptions,
// its in-flight QoS bookkeeping, and the will it registered at CONNECT.
// It is reached only through Storage, which holds it behind an inner lock
// distinct from Storage's own outer lock -- the two-level scheme lets one
// session's Subscribe or Publish proceed without blocking unrelated
// sessions, at the cost of never upgrading a held read lock in place (Go's
// sync.RWMutex has no upgrade primitive, unlike parking_lot's
// RwLockUpgradableReadGuard): callers that read under the outer lock and
// then need to mutate a session always take the session's own lock fresh.
type session struct {
	mu sync.Mutex

	clientID string

	createdAt      time.Time
	expiryInterval uint32

	queue  []*message.Message
	notify chan struct{}

	filters *Filters
	lastWill *message.LastWill

	// inflightPubPackets holds outbound QoS 1/2 PUBLISH packets awaiting
	// acknowledgement, oldest first; only the packet at the front may be
	// acked, and after a reconnect the whole deque is resent in order.
	inflightPubPackets []*encoding.PublishPacket

	// uncompletedMessages holds inbound QoS 2 PUBLISH payloads between
	// PUBREC and PUBREL, keyed by packet id, so a repeated PUBLISH with the
	// same id is recognized as a duplicate rather than republished.
	uncompletedMessages map[uint16]*message.Message

	lastWillTimeoutKey *timeoutKey
	removeTimeoutKey   *timeoutKey
}

func newSession(clientID string, lastWill *message.LastWill) *session {
	return &session{
		clientID:            clientID,
		createdAt:           time.Now(),
		notify:              make(chan struct{}, 1),
		filters:             NewFilters(),
		lastWill:            lastWill,
		uncompletedMessages: make(map[uint16]*message.Message),
	}
}

// snapshot returns the persistable subset of the session's state.
func (s *session) snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := SessionSnapshot{
		ClientID:       s.clientID,
		CreatedAt:      s.createdAt,
		ExpiryInterval: s.expiryInterval,
	}
	for _, item := range s.filters.Items() {
		snap.Filters = append(snap.Filters, PersistedFilter{
			Filter:            item.Filter.String(),
			QoS:               byte(item.QoS),
			NoLocal:           item.NoLocal,
			RetainAsPublished: item.RetainAsPublished,
			RetainHandling:    byte(item.RetainHandling),
			ID:                item.ID,
		})
	}
	if s.lastWill != nil {
		snap.WillTopic = s.lastWill.Topic
		snap.WillPayload = s.lastWill.Payload
		snap.WillQoS = byte(s.lastWill.QoS)
		snap.WillRetain = s.lastWill.Retain
		snap.WillDelayInterval = s.lastWill.DelayInterval
	}
	return snap
}

// restoreFilters installs filter items parsed from a loaded snapshot.
// filterItemsFromSnapshot has already dropped any that no longer parse (a
// persisted filter string should always be valid, but a restart across an
// incompatible topic-filter change must not panic).
func (s *session) restoreFilters(items []*FilterItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		s.filters.Insert(item)
	}
}

// wake signals the notify channel without blocking if a signal is already
// pending -- the receiver only needs to know "there is new work", not how
// many times it arrived.
func (s *session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *session) enqueue(msg *message.Message) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.wake()
}

func (s *session) nextMessages(limit int) []*message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.queue) {
		limit = len(s.queue)
	}
	out := make([]*message.Message, limit)
	copy(out, s.queue[:limit])
	return out
}

func (s *session) consume(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if count > len(s.queue) {
		count = len(s.queue)
	}
	s.queue = s.queue[count:]
}

func (s *session) addInflightPubPacket(pkt *encoding.PublishPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflightPubPackets = append(s.inflightPubPackets, pkt)
}

func (s *session) getInflightPubPacket(packetID uint16, remove bool) (*encoding.PublishPacket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.inflightPubPackets) == 0 || s.inflightPubPackets[0].PacketID != packetID {
		return nil, false
	}
	pkt := s.inflightPubPackets[0]
	if remove {
		s.inflightPubPackets = s.inflightPubPackets[1:]
	}
	return pkt, true
}

func (s *session) allInflightPubPackets() []*encoding.PublishPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*encoding.PublishPacket, len(s.inflightPubPackets))
	copy(out, s.inflightPubPackets)
	return out
}

func (s *session) addUncompletedMessage(packetID uint16, msg *message.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.uncompletedMessages[packetID]; exists {
		return false
	}
	s.uncompletedMessages[packetID] = msg
	return true
}

func (s *session) removeUncompletedMessage(packetID uint16) (*message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.uncompletedMessages[packetID]
	if ok {
		delete(s.uncompletedMessages, packetID)
	}
	return msg, ok
}

func (s *session) takeLastWill() *message.LastWill {
	s.mu.Lock()
	defer s.mu.Unlock()
	lw := s.lastWill
	s.lastWill = nil
	return lw
}

func (s *session) setLastWill(lw *message.LastWill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastWill = lw
}

func (s *session) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *session) queueBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.queue {
		n += len(m.Payload())
	}
	return n
}

func (s *session) filterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters.Len()
}

func (s *session) inflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflightPubPackets)
}
