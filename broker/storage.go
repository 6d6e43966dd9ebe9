// Package broker holds the broker's routing core: session storage,
// subscription matching, retained messages, shared-subscription fan-out and
// the will-delay/session-expiry timers, all addressed by client id.
//
// Storage is the single authority other packages consult to move a message
// from a publisher to its subscribers. It owns two levels of locking: an
// outer mutex guarding the session map, the retained-message map, the
// shared-subscription map and the timer sets, and an inner mutex per session
// guarding that session's queue and subscriptions. A caller that only needs
// to read or mutate one session's state takes the outer lock for read,
// looks the session up, and then operates through the session's own lock --
// unrelated sessions are never blocked on each other.
package broker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/eliasyaoyc/rsmqtt/encoding"
	"github.com/eliasyaoyc/rsmqtt/message"
	"github.com/eliasyaoyc/rsmqtt/topic"
)

// persistTimeout bounds every SessionStore call Storage makes: a slow or
// wedged backend must never stall CreateSession/DisconnectSession, since
// those sit on the CONNECT/disconnect path of every connection.
const persistTimeout = 2 * time.Second

// Metrics is a snapshot of the broker's routing-core state, exported for a
// status endpoint or periodic logging.
type Metrics struct {
	SessionCount           int
	InflightMessagesCount  int
	RetainedMessagesCount  int
	MessagesCount          int
	MessagesBytes          int
	SubscriptionsCount     int
	ClientsExpired         uint64
}

// Storage is the broker's routing core.
type Storage struct {
	mu sync.RWMutex

	sessions map[string]*session
	retained map[string]*message.Message

	// shareSubscriptions maps share group name -> client id -> that client's
	// filters within the group. A client's non-shared subscriptions live in
	// its session's own Filters instead.
	shareSubscriptions map[string]map[string]*Filters

	willTimeouts   *timeoutSet
	removeTimeouts *timeoutSet

	clientsExpired uint64

	// persist durably records session state across restarts. Nil means no
	// persistence is configured, which every call below treats as a no-op.
	persist SessionStore
}

// NewStorage returns an empty Storage with no session persistence.
func NewStorage() *Storage {
	return NewStorageWithPersistence(nil)
}

// NewStorageWithPersistence returns an empty Storage that records every
// non-clean session's state to persist at disconnect and tries to resume
// from it when a client reconnects cold (no in-memory session yet, e.g.
// after a broker restart).
func NewStorageWithPersistence(persist SessionStore) *Storage {
	return &Storage{
		sessions:           make(map[string]*session),
		retained:           make(map[string]*message.Message),
		shareSubscriptions: make(map[string]map[string]*Filters),
		willTimeouts:       newTimeoutSet(),
		removeTimeouts:     newTimeoutSet(),
		persist:            persist,
	}
}

// UpdateRetainedMessage sets or clears the retained message for topic. An
// empty payload clears it, per MQTT 3.3.1-10/11.
func (s *Storage) UpdateRetainedMessage(topicName string, msg *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.IsEmpty() {
		delete(s.retained, topicName)
		return
	}
	s.retained[topicName] = msg
}

// CreateSession creates or resumes a session for clientID. cleanStart
// discards any existing session state first. It returns whether an existing
// session was resumed and the channel the caller should select on to learn
// when new messages or control work is pending.
func (s *Storage) CreateSession(clientID string, cleanStart bool, lastWill *message.LastWill) (bool, <-chan struct{}) {
	s.mu.Lock()

	sessionPresent := false

	if !cleanStart {
		if sess, ok := s.sessions[clientID]; ok {
			sess.setLastWill(lastWill)
			s.cancelTimeoutsLocked(sess)
			sessionPresent = true
		}
	} else {
		s.removeSessionLocked(clientID)
		if s.persist != nil {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			_ = s.persist.Delete(ctx, clientID)
			cancel()
		}
	}

	var resumed *SessionSnapshot
	if !sessionPresent && !cleanStart && s.persist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if snap, err := s.persist.Load(ctx, clientID); err == nil {
			resumed = &snap
		}
		cancel()
	}

	if !sessionPresent {
		sess := newSession(clientID, lastWill)
		if resumed != nil {
			sess.createdAt = resumed.CreatedAt
			sess.expiryInterval = resumed.ExpiryInterval
			sess.restoreFilters(filterItemsFromSnapshot(resumed.Filters))
			sessionPresent = true
		}
		s.sessions[clientID] = sess
	}

	notify := s.sessions[clientID].notify
	s.mu.Unlock()
	return sessionPresent, notify
}

// filterItemsFromSnapshot parses a snapshot's persisted filters back into
// live FilterItems, skipping any filter string that no longer parses.
func filterItemsFromSnapshot(persisted []PersistedFilter) []*FilterItem {
	items := make([]*FilterItem, 0, len(persisted))
	for _, pf := range persisted {
		f, err := topic.Parse(pf.Filter)
		if err != nil {
			continue
		}
		items = append(items, &FilterItem{
			Filter:            f,
			QoS:               encoding.QoS(pf.QoS),
			NoLocal:           pf.NoLocal,
			RetainAsPublished: pf.RetainAsPublished,
			RetainHandling:    RetainHandling(pf.RetainHandling),
			ID:                pf.ID,
		})
	}
	return items
}

// cancelTimeoutsLocked cancels any pending will-delay/session-expiry timers
// for sess. Caller must hold s.mu for writing.
func (s *Storage) cancelTimeoutsLocked(sess *session) {
	sess.mu.Lock()
	willKey, removeKey := sess.lastWillTimeoutKey, sess.removeTimeoutKey
	sess.lastWillTimeoutKey, sess.removeTimeoutKey = nil, nil
	sess.mu.Unlock()

	if willKey != nil {
		s.willTimeouts.remove(*willKey)
	}
	if removeKey != nil {
		s.removeTimeouts.remove(*removeKey)
	}
}

// removeSessionLocked deletes clientID's session and every shared
// subscription it holds, and cancels its pending timers. Caller must hold
// s.mu for writing.
func (s *Storage) removeSessionLocked(clientID string) {
	if sess, ok := s.sessions[clientID]; ok {
		s.cancelTimeoutsLocked(sess)
		delete(s.sessions, clientID)
	}
	for group, clients := range s.shareSubscriptions {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(s.shareSubscriptions, group)
		}
	}
}

// ClearLastWill drops clientID's registered last will without affecting any
// other session state, used when a client disconnects with reason
// NormalDisconnection: MQTT-3.1.2-10 requires the will not be published in
// that case.
func (s *Storage) ClearLastWill(clientID string) {
	s.mu.RLock()
	sess, ok := s.sessions[clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	sess.setLastWill(nil)
}

// DisconnectSession arms the will-delay timer (if the session registered a
// will) and the session-expiry timer for clientID. Both fire from Tick.
func (s *Storage) DisconnectSession(clientID string, sessionExpiryInterval uint32) {
	s.mu.Lock()

	sess, ok := s.sessions[clientID]
	if !ok {
		s.mu.Unlock()
		return
	}

	now := time.Now()

	sess.mu.Lock()
	sess.expiryInterval = sessionExpiryInterval
	if sess.lastWill != nil {
		delay := sess.lastWill.DelayInterval
		if delay > sessionExpiryInterval {
			delay = sessionExpiryInterval
		}
		key := timeoutKey{clientID: clientID, deadline: now.Add(time.Duration(delay) * time.Second)}
		sess.lastWillTimeoutKey = &key
		s.willTimeouts.insert(key)
	}
	removeKey := timeoutKey{clientID: clientID, deadline: now.Add(time.Duration(sessionExpiryInterval) * time.Second)}
	sess.removeTimeoutKey = &removeKey
	sess.mu.Unlock()

	s.removeTimeouts.insert(removeKey)
	s.mu.Unlock()

	// A clean-started client (sessionExpiryInterval == 0) has nothing worth
	// persisting: its removeTimeout fires immediately on the next Tick.
	if s.persist != nil && sessionExpiryInterval > 0 {
		snap := sess.snapshot()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			_ = s.persist.Save(ctx, clientID, snap)
		}()
	}
}

// Tick processes due will-delay and session-expiry timers. It publishes any
// last wills whose delay elapsed and evicts any sessions whose expiry
// elapsed, incrementing the expired-client counter. Callers invoke this
// once a second.
func (s *Storage) Tick() {
	now := time.Now()

	s.mu.Lock()
	expiredWills := s.willTimeouts.popExpired(now)
	var lastWills []*message.LastWill
	for _, key := range expiredWills {
		if sess, ok := s.sessions[key.clientID]; ok {
			if lw := sess.takeLastWill(); lw != nil {
				lastWills = append(lastWills, lw)
			}
		}
	}

	expiredSessions := s.removeTimeouts.popExpired(now)
	for _, key := range expiredSessions {
		s.removeSessionLocked(key.clientID)
		s.clientsExpired++
	}
	s.mu.Unlock()

	if s.persist != nil {
		for _, key := range expiredSessions {
			clientID := key.clientID
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
				defer cancel()
				_ = s.persist.Delete(ctx, clientID)
			}()
		}
	}

	if len(lastWills) == 0 {
		return
	}

	msgs := make([]*message.Message, 0, len(lastWills))
	for _, lw := range lastWills {
		msgs = append(msgs, message.FromLastWill(lw, ""))
	}
	s.Publish(msgs...)
}

// Subscribe installs item for clientID, replacing any existing subscription
// on the same filter path. Shared subscriptions are tracked per group
// instead of on the session directly, and never replay retained messages:
// the set of matching clients is resolved fresh at publish time, so there is
// no single subscriber to replay to at subscribe time.
func (s *Storage) Subscribe(clientID string, item *FilterItem) {
	if group, ok := item.Filter.ShareName(); ok {
		s.mu.Lock()
		clients, ok := s.shareSubscriptions[group]
		if !ok {
			clients = make(map[string]*Filters)
			s.shareSubscriptions[group] = clients
		}
		filters, ok := clients[clientID]
		if !ok {
			filters = NewFilters()
			clients[clientID] = filters
		}
		filters.Insert(item)
		s.mu.Unlock()
		return
	}

	s.mu.RLock()
	sess, ok := s.sessions[clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	prev := sess.filters.Insert(item)
	isNew := prev == nil
	sess.mu.Unlock()

	publishRetain := item.RetainHandling == RetainHandlingSendAtSubscribe ||
		(item.RetainHandling == RetainHandlingSendIfNewSubscription && isNew)
	if !publishRetain {
		return
	}

	// Locks are never nested here: the outer lock is taken and released
	// before the session's own lock is taken again, so a concurrent
	// CreateSession/DisconnectSession (which nest the session lock inside the
	// outer write lock, the outer-before-inner order every path through
	// Storage uses) can never deadlock against this goroutine.
	s.mu.RLock()
	retainedSnapshot := make([]*message.Message, 0, len(s.retained))
	for _, retained := range s.retained {
		retainedSnapshot = append(retainedSnapshot, retained)
	}
	s.mu.RUnlock()

	var toQueue []*message.Message
	sess.mu.Lock()
	for _, retained := range retainedSnapshot {
		if filtered, matched := sess.filters.FilterMessage(clientID, retained); matched {
			toQueue = append(toQueue, filtered)
		}
	}
	if len(toQueue) > 0 {
		sess.queue = append(sess.queue, toQueue...)
	}
	sess.mu.Unlock()

	if len(toQueue) > 0 {
		sess.wake()
	}
}

// Unsubscribe removes filter from clientID's subscriptions (shared or
// direct), reporting whether a subscription existed.
func (s *Storage) Unsubscribe(clientID string, filter *topic.Filter) bool {
	if group, ok := filter.ShareName(); ok {
		s.mu.Lock()
		defer s.mu.Unlock()

		clients, ok := s.shareSubscriptions[group]
		if !ok {
			return false
		}
		filters, ok := clients[clientID]
		if !ok {
			return false
		}
		removed := filters.Remove(filter.Path()) != nil
		if filters.IsEmpty() {
			delete(clients, clientID)
		}
		if len(clients) == 0 {
			delete(s.shareSubscriptions, group)
		}
		return removed
	}

	s.mu.RLock()
	sess, ok := s.sessions[clientID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.filters.Remove(filter.Path()) != nil
}

// Publish delivers each message to every session whose subscriptions match
// it, and to one randomly chosen member per shared-subscription group whose
// subscriptions match it. Member selection is uniform-random rather than
// round-robin: the wire protocol requires only that exactly one member
// receive each message, not any particular order.
func (s *Storage) Publish(msgs ...*message.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type candidate struct {
		clientID string
		msg      *message.Message
	}

	for _, msg := range msgs {
		for clientID, sess := range s.sessions {
			sess.mu.Lock()
			filtered, matched := sess.filters.FilterMessage(clientID, msg)
			sess.mu.Unlock()
			if matched {
				sess.enqueue(filtered)
			}
		}

		var candidates []candidate
		for _, clients := range s.shareSubscriptions {
			candidates = candidates[:0]
			for clientID, filters := range clients {
				if filtered, matched := filters.FilterMessage(clientID, msg); matched {
					candidates = append(candidates, candidate{clientID, filtered})
				}
			}
			if len(candidates) == 0 {
				continue
			}
			pick := candidates[rand.Intn(len(candidates))]
			if sess, ok := s.sessions[pick.clientID]; ok {
				sess.enqueue(pick.msg)
			}
		}
	}
}

// NextMessages returns up to limit queued messages for clientID without
// removing them. A limit of 0 returns the entire queue.
func (s *Storage) NextMessages(clientID string, limit int) []*message.Message {
	s.mu.RLock()
	sess, ok := s.sessions[clientID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return sess.nextMessages(limit)
}

// ConsumeMessages drops up to count messages from the front of clientID's
// queue, after they have been sent.
func (s *Storage) ConsumeMessages(clientID string, count int) {
	s.mu.RLock()
	sess, ok := s.sessions[clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	sess.consume(count)
}

// AddInflightPubPacket records pkt as awaiting acknowledgement for clientID.
func (s *Storage) AddInflightPubPacket(clientID string, pkt *encoding.PublishPacket) {
	s.mu.RLock()
	sess, ok := s.sessions[clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	sess.addInflightPubPacket(pkt)
}

// GetInflightPubPacket returns the oldest in-flight packet for clientID if
// its packet id matches packetID, optionally removing it (on PUBACK/PUBCOMP).
func (s *Storage) GetInflightPubPacket(clientID string, packetID uint16, remove bool) (*encoding.PublishPacket, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[clientID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return sess.getInflightPubPacket(packetID, remove)
}

// GetAllInflightPubPackets returns every in-flight packet for clientID, in
// delivery order, for retransmission after a reconnect.
func (s *Storage) GetAllInflightPubPackets(clientID string) []*encoding.PublishPacket {
	s.mu.RLock()
	sess, ok := s.sessions[clientID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return sess.allInflightPubPackets()
}

// AddUncompletedMessage records msg as the QoS 2 payload awaiting PUBREL for
// packetID. It returns false if packetID already has an uncompleted message,
// which signals a duplicate PUBLISH that must be acked without re-publishing.
func (s *Storage) AddUncompletedMessage(clientID string, packetID uint16, msg *message.Message) bool {
	s.mu.RLock()
	sess, ok := s.sessions[clientID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return sess.addUncompletedMessage(packetID, msg)
}

// RemoveUncompletedMessage takes and returns the QoS 2 message awaiting
// PUBREL for packetID, called when the PUBREL arrives.
func (s *Storage) RemoveUncompletedMessage(clientID string, packetID uint16) (*message.Message, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[clientID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return sess.removeUncompletedMessage(packetID)
}

// Metrics returns a snapshot of the broker's current state.
func (s *Storage) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := Metrics{
		SessionCount:          len(s.sessions),
		RetainedMessagesCount: len(s.retained),
		ClientsExpired:        s.clientsExpired,
	}

	for _, msg := range s.retained {
		m.MessagesBytes += len(msg.Payload())
	}
	m.MessagesCount = len(s.retained)

	for _, sess := range s.sessions {
		m.InflightMessagesCount += sess.inflightCount()
		m.MessagesCount += sess.queueLen()
		m.MessagesBytes += sess.queueBytes()
		m.SubscriptionsCount += sess.filterCount()
	}
	for _, clients := range s.shareSubscriptions {
		for _, filters := range clients {
			m.SubscriptionsCount += filters.Len()
		}
	}

	return m
}
