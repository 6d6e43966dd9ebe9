package conn

import (
	"bytes"
	"sync"

	"github.com/eliasyaoyc/rsmqtt/encoding"
)

// writeMuPool recycles the scratch buffers the send helpers encode into. It
// holds no lock: the event loop and the notifier-driven refill both call
// these helpers from the connection's own goroutine, so writes to the
// transport are never concurrent.
var writeMuPool = sync.Pool{New: func() interface{} { return new(bytes.Buffer) }}

// writeBuf enforces max_packet_size_out before handing buf to the
// transport, per spec.md §4.B's encode-time size check.
func (c *Connection) writeBuf(buf *bytes.Buffer) error {
	if c.maxPacketSizeOut > 0 && uint32(buf.Len()) > c.maxPacketSizeOut {
		return &encoding.PacketError{Err: encoding.ErrPayloadTooLarge, ReasonCode: encoding.ReasonPacketTooLarge, Message: "outbound packet exceeds max_packet_size_out"}
	}
	_, err := c.transport.Write(buf.Bytes())
	return err
}

func (c *Connection) v5() bool { return c.version == encoding.ProtocolVersion50 }

func (c *Connection) sendConnack(sessionPresent bool, rc encoding.ReasonCode, props encoding.Properties) error {
	buf := writeMuPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer writeMuPool.Put(buf)

	var err error
	if c.v5() {
		err = (&encoding.ConnackPacket{SessionPresent: sessionPresent, ReasonCode: rc, Properties: props}).Encode(buf)
	} else {
		err = writeConnack311(buf, sessionPresent, rc)
	}
	if err != nil {
		return err
	}
	return c.writeBuf(buf)
}

func (c *Connection) sendPublish(pkt *encoding.PublishPacket) error {
	buf := writeMuPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer writeMuPool.Put(buf)

	var err error
	if c.v5() {
		err = pkt.Encode(buf)
	} else {
		err = writePublish311(buf, pkt)
	}
	if err != nil {
		return err
	}
	return c.writeBuf(buf)
}

func (c *Connection) sendPuback(id uint16, rc encoding.ReasonCode) error {
	buf := writeMuPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer writeMuPool.Put(buf)

	var err error
	if c.v5() {
		err = (&encoding.PubackPacket{PacketID: id, ReasonCode: rc}).Encode(buf)
	} else {
		err = writePuback311(buf, id)
	}
	if err != nil {
		return err
	}
	return c.writeBuf(buf)
}

func (c *Connection) sendPubrec(id uint16, rc encoding.ReasonCode) error {
	buf := writeMuPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer writeMuPool.Put(buf)

	var err error
	if c.v5() {
		err = (&encoding.PubrecPacket{PacketID: id, ReasonCode: rc}).Encode(buf)
	} else {
		err = writePubrec311(buf, id)
	}
	if err != nil {
		return err
	}
	return c.writeBuf(buf)
}

func (c *Connection) sendPubrel(id uint16, rc encoding.ReasonCode) error {
	buf := writeMuPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer writeMuPool.Put(buf)

	var err error
	if c.v5() {
		err = (&encoding.PubrelPacket{PacketID: id, ReasonCode: rc}).Encode(buf)
	} else {
		err = writePubrel311(buf, id)
	}
	if err != nil {
		return err
	}
	return c.writeBuf(buf)
}

func (c *Connection) sendPubcomp(id uint16, rc encoding.ReasonCode) error {
	buf := writeMuPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer writeMuPool.Put(buf)

	var err error
	if c.v5() {
		err = (&encoding.PubcompPacket{PacketID: id, ReasonCode: rc}).Encode(buf)
	} else {
		err = writePubcomp311(buf, id)
	}
	if err != nil {
		return err
	}
	return c.writeBuf(buf)
}

func (c *Connection) sendSuback(id uint16, codes []encoding.ReasonCode) error {
	buf := writeMuPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer writeMuPool.Put(buf)

	var err error
	if c.v5() {
		err = (&encoding.SubackPacket{PacketID: id, ReasonCodes: codes}).Encode(buf)
	} else {
		err = writeSuback311(buf, id, codes)
	}
	if err != nil {
		return err
	}
	return c.writeBuf(buf)
}

func (c *Connection) sendUnsuback(id uint16, codes []encoding.ReasonCode) error {
	buf := writeMuPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer writeMuPool.Put(buf)

	var err error
	if c.v5() {
		err = (&encoding.UnsubackPacket{PacketID: id, ReasonCodes: codes}).Encode(buf)
	} else {
		err = writeUnsuback311(buf, id)
	}
	if err != nil {
		return err
	}
	return c.writeBuf(buf)
}

func (c *Connection) sendPingresp() error {
	buf := writeMuPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer writeMuPool.Put(buf)

	var err error
	if c.v5() {
		err = (&encoding.PingrespPacket{}).Encode(buf)
	} else {
		err = writePingresp311(buf)
	}
	if err != nil {
		return err
	}
	return c.writeBuf(buf)
}

// disconnect sends a DISCONNECT carrying rc, if the protocol version has
// such a packet (3.1.1 does not -- the server just closes), and tears down
// the transport either way. Write errors are swallowed: the connection is
// going away regardless.
func (c *Connection) disconnect(rc encoding.ReasonCode) {
	if c.v5() {
		buf := writeMuPool.Get().(*bytes.Buffer)
		buf.Reset()
		if (&encoding.DisconnectPacket{ReasonCode: rc}).Encode(buf) == nil {
			_ = c.writeBuf(buf)
		}
		writeMuPool.Put(buf)
	}
	_ = c.transport.Close()
}
