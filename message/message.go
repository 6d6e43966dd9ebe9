// Package message holds the in-memory representation of an application
// message as it flows through the broker core, independent of the wire
// encoding used to receive or deliver it.
package message

import (
	"time"

	"github.com/eliasyaoyc/rsmqtt/encoding"
)

// LastWill is the will a client registers at CONNECT time, published on its
// behalf after an abnormal disconnect.
type LastWill struct {
	Topic         string
	Payload       []byte
	QoS           encoding.QoS
	Retain        bool
	Properties    encoding.Properties
	DelayInterval uint32 // seconds; will-delay-interval property
}

// Message is an application message: once constructed, its topic, QoS,
// payload and origin are immutable. Only ToPublish recomputes anything, and
// only the remaining-expiry property of the derived Publish.
type Message struct {
	topic      string
	qos        encoding.QoS
	payload    []byte
	retain     bool
	properties encoding.Properties

	originClientID string
	originUID      string

	// expiresAt is the absolute deadline derived from a
	// message-expiry-interval property at ingest time; zero means no expiry.
	expiresAt time.Time
}

// New builds a Message from its immutable fields. If properties carries a
// PropMessageExpiryInterval, the absolute deadline is derived now, once.
func New(topic string, qos encoding.QoS, payload []byte, retain bool, properties encoding.Properties) *Message {
	m := &Message{
		topic:      topic,
		qos:        qos,
		payload:    append([]byte(nil), payload...),
		retain:     retain,
		properties: properties,
	}
	if p := properties.GetProperty(encoding.PropMessageExpiryInterval); p != nil {
		if secs, ok := p.Value.(uint32); ok {
			m.expiresAt = time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return m
}

// FromPublish builds a Message from a decoded PUBLISH packet, stamping the
// publisher's client-id and authenticated user-id as origin.
func FromPublish(pkt *encoding.PublishPacket, originClientID, originUID string) *Message {
	m := New(pkt.TopicName, pkt.FixedHeader.QoS, pkt.Payload, pkt.FixedHeader.Retain, pkt.Properties)
	m.originClientID = originClientID
	m.originUID = originUID
	return m
}

// FromLastWill builds a synthetic Message from a session's stored will,
// published after the will-delay timer fires.
func FromLastWill(lw *LastWill, originClientID string) *Message {
	m := New(lw.Topic, lw.QoS, lw.Payload, lw.Retain, lw.Properties)
	m.originClientID = originClientID
	return m
}

func (m *Message) Topic() string                 { return m.topic }
func (m *Message) QoS() encoding.QoS              { return m.qos }
func (m *Message) Payload() []byte                { return m.payload }
func (m *Message) Retain() bool                   { return m.retain }
func (m *Message) Properties() encoding.Properties { return m.properties }
func (m *Message) OriginClientID() string         { return m.originClientID }
func (m *Message) OriginUID() string              { return m.originUID }
func (m *Message) IsEmpty() bool                  { return len(m.payload) == 0 }

// IsExpired reports whether the message's absolute deadline, if any, has
// passed.
func (m *Message) IsExpired() bool {
	return !m.expiresAt.IsZero() && time.Now().After(m.expiresAt)
}

// Clone returns a copy of m with its own payload and property list, used when
// Filters.FilterMessage rebuilds a per-subscriber variant (narrowed QoS,
// recomputed retain flag, attached subscription identifiers). Byte-slice
// property values, such as correlation data, are shared with m.
func (m *Message) Clone() *Message {
	c := *m
	c.payload = append([]byte(nil), m.payload...)
	c.properties = m.properties.Clone()
	return &c
}

// WithQoS returns a clone capped at qos, if qos < m.QoS().
func (m *Message) WithQoS(qos encoding.QoS) *Message {
	c := m.Clone()
	if qos < c.qos {
		c.qos = qos
	}
	return c
}

// WithRetain returns a clone with its retain flag overridden.
func (m *Message) WithRetain(retain bool) *Message {
	c := m.Clone()
	c.retain = retain
	return c
}

// WithSubscriptionIdentifiers returns a clone carrying the given
// subscription identifiers as outbound properties.
func (m *Message) WithSubscriptionIdentifiers(ids []uint32) *Message {
	c := m.Clone()
	for _, id := range ids {
		_ = c.properties.AddProperty(encoding.PropSubscriptionIdentifier, id)
	}
	return c
}

// ToPublish rebuilds an encoding.PublishPacket for a send, recomputing the
// message-expiry-interval property as the number of seconds remaining. It
// returns ok=false if the message has already expired, since no packet
// should be sent.
func (m *Message) ToPublish(packetID uint16, dup bool) (pkt *encoding.PublishPacket, ok bool) {
	if m.IsExpired() {
		return nil, false
	}

	props := m.properties.Clone()
	if !m.expiresAt.IsZero() {
		remaining := time.Until(m.expiresAt)
		if remaining < 0 {
			remaining = 0
		}
		props.SetProperty(encoding.PropMessageExpiryInterval, uint32(remaining/time.Second))
	}

	fh := encoding.FixedHeader{
		Type:   encoding.PUBLISH,
		QoS:    m.qos,
		Retain: m.retain,
		DUP:    dup,
	}
	fh.Flags = fh.BuildPublishFlags()

	return &encoding.PublishPacket{
		FixedHeader: fh,
		TopicName:   m.topic,
		PacketID:    packetID,
		Properties:  props,
		Payload:     m.payload,
	}, true
}
