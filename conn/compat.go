package conn

import (
	"io"

	"github.com/eliasyaoyc/rsmqtt/encoding"
)

// This file is the v3.1.1 compatibility seam: every MQTT 3.1.1 packet is
// converted to its v5 in-memory shape immediately on decode, and every
// outbound v5-shaped packet is converted back to the 3.1.1 wire encoding
// when protocolVersion is latched to v3.1.1 at CONNECT. This keeps the rest
// of the connection driver protocol-version-agnostic, per spec.md §4.B:
// "v5-only fields sent to a v3 peer are dropped."

func connect311ToV5(p *encoding.ConnectPacket311) *encoding.ConnectPacket {
	return &encoding.ConnectPacket{
		FixedHeader:     p.FixedHeader,
		ProtocolName:    p.ProtocolName,
		ProtocolVersion: p.ProtocolVersion,
		CleanStart:      p.CleanSession,
		WillFlag:        p.WillFlag,
		WillQoS:         p.WillQoS,
		WillRetain:      p.WillRetain,
		PasswordFlag:    p.PasswordFlag,
		UsernameFlag:    p.UsernameFlag,
		KeepAlive:       p.KeepAlive,
		ClientID:        p.ClientID,
		WillTopic:       p.WillTopic,
		WillPayload:     p.WillPayload,
		Username:        p.Username,
		Password:        p.Password,
	}
}

func publish311ToV5(p *encoding.PublishPacket311) *encoding.PublishPacket {
	return &encoding.PublishPacket{
		FixedHeader: p.FixedHeader,
		TopicName:   p.TopicName,
		PacketID:    p.PacketID,
		Payload:     p.Payload,
	}
}

func subscribe311ToV5(p *encoding.SubscribePacket311) *encoding.SubscribePacket {
	subs := make([]encoding.Subscription, len(p.Subscriptions))
	for i, s := range p.Subscriptions {
		subs[i] = encoding.Subscription{TopicFilter: s.TopicFilter, QoS: s.QoS, RetainAsPublished: true}
	}
	return &encoding.SubscribePacket{FixedHeader: p.FixedHeader, PacketID: p.PacketID, Subscriptions: subs}
}

func unsubscribe311ToV5(p *encoding.UnsubscribePacket311) *encoding.UnsubscribePacket {
	return &encoding.UnsubscribePacket{FixedHeader: p.FixedHeader, PacketID: p.PacketID, TopicFilters: p.TopicFilters}
}

// reasonToConnectReturnCode maps a v5 CONNACK reason code onto its nearest
// v3.1.1 CONNACK return code; v3.1.1 only distinguishes these six outcomes
// (0 accepted, 1-5 refused).
func reasonToConnectReturnCode(rc encoding.ReasonCode) byte {
	switch rc {
	case encoding.ReasonSuccess:
		return 0
	case encoding.ReasonUnsupportedProtocolVersion:
		return 1
	case encoding.ReasonClientIdentifierNotValid:
		return 2
	case encoding.ReasonServerUnavailable, encoding.ReasonServerBusy:
		return 3
	case encoding.ReasonBadUsernameOrPassword:
		return 4
	case encoding.ReasonNotAuthorized:
		return 5
	default:
		return 3
	}
}

func writeConnack311(w io.Writer, sessionPresent bool, rc encoding.ReasonCode) error {
	pkt := &encoding.ConnackPacket311{SessionPresent: sessionPresent, ReturnCode: reasonToConnectReturnCode(rc)}
	return pkt.Encode(w)
}

func writePublish311(w io.Writer, p *encoding.PublishPacket) error {
	pkt := &encoding.PublishPacket311{FixedHeader: p.FixedHeader, TopicName: p.TopicName, PacketID: p.PacketID, Payload: p.Payload}
	return pkt.Encode(w)
}

func writePuback311(w io.Writer, packetID uint16) error {
	return (&encoding.PubackPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.PUBACK}, PacketID: packetID}).Encode(w)
}

func writePubrec311(w io.Writer, packetID uint16) error {
	return (&encoding.PubrecPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.PUBREC}, PacketID: packetID}).Encode(w)
}

func writePubrel311(w io.Writer, packetID uint16) error {
	return (&encoding.PubrelPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.PUBREL, Flags: 0x02}, PacketID: packetID}).Encode(w)
}

func writePubcomp311(w io.Writer, packetID uint16) error {
	return (&encoding.PubcompPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.PUBCOMP}, PacketID: packetID}).Encode(w)
}

func writeSuback311(w io.Writer, packetID uint16, codes []encoding.ReasonCode) error {
	out := make([]byte, len(codes))
	for i, c := range codes {
		if c >= 0x80 {
			out[i] = 0x80
		} else {
			out[i] = byte(c)
		}
	}
	return (&encoding.SubackPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.SUBACK}, PacketID: packetID, ReturnCodes: out}).Encode(w)
}

func writeUnsuback311(w io.Writer, packetID uint16) error {
	return (&encoding.UnsubackPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.UNSUBACK}, PacketID: packetID}).Encode(w)
}

func writePingresp311(w io.Writer) error {
	return (&encoding.PingrespPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PINGRESP}}).Encode(w)
}
