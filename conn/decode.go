package conn

import (
	"bytes"
	"io"

	"github.com/eliasyaoyc/rsmqtt/encoding"
)

// inbound is one fully-decoded packet handed from the reader goroutine to
// the connection's event loop. pkt is always a v5 in-memory shape -- see
// compat.go.
type inbound struct {
	fixedHeader encoding.FixedHeader
	pkt         interface{}
}

// readPacket reads and decodes exactly one packet from r, validating its
// remaining length against maxPacketSize before the body is read (so an
// oversized packet never has its payload buffered). version gates which
// packet types and wire shapes are legal, per spec.md §4.B. It is only used
// after CONNECT: the first packet of a connection is read by
// readConnectPacket, which learns the version from the CONNECT itself.
func readPacket(r io.Reader, version encoding.ProtocolVersion, maxPacketSize uint32) (*inbound, error) {
	fh, err := encoding.ParseFixedHeaderWithVersion(r, version)
	if err != nil {
		return nil, err
	}
	if maxPacketSize > 0 && fh.RemainingLength > maxPacketSize {
		return nil, &encoding.PacketError{Err: encoding.ErrPayloadTooLarge, ReasonCode: encoding.ReasonPacketTooLarge, Message: "remaining length exceeds configured maximum"}
	}

	body := io.LimitReader(r, int64(fh.RemainingLength))
	pkt, err := decodeBody(body, fh, version)
	if err != nil {
		return nil, err
	}
	return &inbound{fixedHeader: *fh, pkt: pkt}, nil
}

// readConnectPacket reads and decodes the very first packet of a connection,
// whose protocol version is not yet known. It must be a CONNECT packet; the
// body is buffered so its protocol-name/version prefix can be inspected
// before picking the v5 or 3.1.1 decoder, since that prefix is the only
// version signal the wire format carries.
func readConnectPacket(r io.Reader, maxPacketSize uint32) (*encoding.ConnectPacket, encoding.ProtocolVersion, error) {
	fh, err := encoding.ParseFixedHeader(r)
	if err != nil {
		return nil, 0, err
	}
	if fh.Type != encoding.CONNECT {
		return nil, 0, encoding.NewProtocolError(encoding.ErrInvalidType, "first packet must be CONNECT")
	}
	if maxPacketSize > 0 && fh.RemainingLength > maxPacketSize {
		return nil, 0, &encoding.PacketError{Err: encoding.ErrPayloadTooLarge, ReasonCode: encoding.ReasonPacketTooLarge}
	}

	buf := make([]byte, fh.RemainingLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, 0, err
	}
	if len(buf) < 3 {
		return nil, 0, encoding.ErrUnexpectedEOF
	}
	nameLen := int(buf[0])<<8 | int(buf[1])
	if len(buf) < 2+nameLen+1 {
		return nil, 0, encoding.ErrUnexpectedEOF
	}
	versionByte := encoding.ProtocolVersion(buf[2+nameLen])

	if versionByte == encoding.ProtocolVersion50 {
		pkt, err := encoding.ParseConnectPacket(bytes.NewReader(buf), fh)
		if err != nil {
			return nil, 0, err
		}
		return pkt, encoding.ProtocolVersion50, nil
	}

	pkt311, err := encoding.ParseConnectPacket311(bytes.NewReader(buf), fh)
	if err != nil {
		return nil, 0, err
	}
	return connect311ToV5(pkt311), pkt311.ProtocolVersion, nil
}

func decodeBody(r io.Reader, fh *encoding.FixedHeader, version encoding.ProtocolVersion) (interface{}, error) {
	v5 := version == encoding.ProtocolVersion50

	switch fh.Type {
	case encoding.CONNECT:
		if v5 {
			return encoding.ParseConnectPacket(r, fh)
		}
		p, err := encoding.ParseConnectPacket311(r, fh)
		if err != nil {
			return nil, err
		}
		return connect311ToV5(p), nil

	case encoding.PUBLISH:
		if v5 {
			return encoding.ParsePublishPacket(r, fh)
		}
		p, err := encoding.ParsePublishPacket311(r, fh)
		if err != nil {
			return nil, err
		}
		return publish311ToV5(p), nil

	case encoding.PUBACK:
		if v5 {
			return encoding.ParsePubackPacket(r, fh)
		}
		p, err := encoding.ParsePubackPacket311(r, fh)
		if err != nil {
			return nil, err
		}
		return &encoding.PubackPacket{FixedHeader: *fh, PacketID: p.PacketID, ReasonCode: encoding.ReasonSuccess}, nil

	case encoding.PUBREC:
		if v5 {
			return encoding.ParsePubrecPacket(r, fh)
		}
		p, err := encoding.ParsePubrecPacket311(r, fh)
		if err != nil {
			return nil, err
		}
		return &encoding.PubrecPacket{FixedHeader: *fh, PacketID: p.PacketID, ReasonCode: encoding.ReasonSuccess}, nil

	case encoding.PUBREL:
		if v5 {
			return encoding.ParsePubrelPacket(r, fh)
		}
		p, err := encoding.ParsePubrelPacket311(r, fh)
		if err != nil {
			return nil, err
		}
		return &encoding.PubrelPacket{FixedHeader: *fh, PacketID: p.PacketID, ReasonCode: encoding.ReasonSuccess}, nil

	case encoding.PUBCOMP:
		if v5 {
			return encoding.ParsePubcompPacket(r, fh)
		}
		p, err := encoding.ParsePubcompPacket311(r, fh)
		if err != nil {
			return nil, err
		}
		return &encoding.PubcompPacket{FixedHeader: *fh, PacketID: p.PacketID, ReasonCode: encoding.ReasonSuccess}, nil

	case encoding.SUBSCRIBE:
		if v5 {
			return encoding.ParseSubscribePacket(r, fh)
		}
		p, err := encoding.ParseSubscribePacket311(r, fh)
		if err != nil {
			return nil, err
		}
		return subscribe311ToV5(p), nil

	case encoding.UNSUBSCRIBE:
		if v5 {
			return encoding.ParseUnsubscribePacket(r, fh)
		}
		p, err := encoding.ParseUnsubscribePacket311(r, fh)
		if err != nil {
			return nil, err
		}
		return unsubscribe311ToV5(p), nil

	case encoding.PINGREQ:
		return encoding.ParsePingreqPacket(fh)

	case encoding.DISCONNECT:
		if v5 {
			return encoding.ParseDisconnectPacket(r, fh)
		}
		if _, err := encoding.ParseDisconnectPacket311(fh); err != nil {
			return nil, err
		}
		return &encoding.DisconnectPacket{FixedHeader: *fh, ReasonCode: encoding.ReasonNormalDisconnection}, nil

	default:
		return nil, encoding.NewProtocolError(encoding.ErrInvalidType, "unexpected packet type from client")
	}
}
