package encoding

import "io"

// BuildPublishFlags derives the PUBLISH flags nibble from the header's
// decoded DUP/QoS/Retain fields, the inverse of the decoding done in
// ParseFixedHeader.
func (fh FixedHeader) BuildPublishFlags() byte {
	var flags byte
	if fh.DUP {
		flags |= 0x08
	}
	flags |= byte(fh.QoS) << 1
	if fh.Retain {
		flags |= 0x01
	}
	return flags
}

// validateForEncode applies the same type/flags/QoS rules ParseFixedHeader
// applies on decode, so a header built in memory can't be encoded onto the
// wire in a state no decoder would accept.
func (fh FixedHeader) validateForEncode(maxType PacketType) error {
	if fh.Type == Reserved {
		return ErrInvalidReservedType
	}
	if fh.Type > maxType {
		return ErrInvalidType
	}
	if fh.Type == PUBLISH {
		if !fh.QoS.IsValid() {
			return ErrInvalidQoS
		}
		return nil
	}
	return validateFlags(fh.Type, fh.Flags)
}

func (fh FixedHeader) firstByte() byte {
	flags := fh.Flags
	if fh.Type == PUBLISH {
		flags = fh.BuildPublishFlags()
	}
	return byte(fh.Type)<<4 | flags
}

// EncodeFixedHeader writes fh in MQTT 5.0 wire format.
func (fh FixedHeader) EncodeFixedHeader(w io.Writer) error {
	return fh.EncodeFixedHeaderWithVersion(w, ProtocolVersion50)
}

// EncodeFixedHeader311 writes fh in MQTT 3.1.1 wire format.
func (fh FixedHeader) EncodeFixedHeader311(w io.Writer) error {
	return fh.EncodeFixedHeaderWithVersion(w, ProtocolVersion311)
}

// EncodeFixedHeaderWithVersion writes fh in the wire format of the given
// protocol version. MQTT 3.0 and 3.1.1 never define AUTH, so the max type
// is capped at DISCONNECT for those versions.
func (fh FixedHeader) EncodeFixedHeaderWithVersion(w io.Writer, version ProtocolVersion) error {
	maxType := AUTH
	if version == ProtocolVersion30 || version == ProtocolVersion311 {
		maxType = DISCONNECT
	}
	if err := fh.validateForEncode(maxType); err != nil {
		return err
	}

	remLenBytes, err := EncodeVariableByteInteger(fh.RemainingLength)
	if err != nil {
		return err
	}

	if _, err := w.Write([]byte{fh.firstByte()}); err != nil {
		return err
	}
	_, err = w.Write(remLenBytes)
	return err
}

// EncodeFixedHeaderToBytes writes fh in MQTT 5.0 wire format into buf,
// returning the number of bytes written.
func (fh FixedHeader) EncodeFixedHeaderToBytes(buf []byte) (int, error) {
	return fh.encodeToBytesWithVersion(buf, ProtocolVersion50)
}

// EncodeFixedHeaderToBytes311 writes fh in MQTT 3.1.1 wire format into buf.
func (fh FixedHeader) EncodeFixedHeaderToBytes311(buf []byte) (int, error) {
	return fh.encodeToBytesWithVersion(buf, ProtocolVersion311)
}

func (fh FixedHeader) encodeToBytesWithVersion(buf []byte, version ProtocolVersion) (int, error) {
	maxType := AUTH
	if version == ProtocolVersion30 || version == ProtocolVersion311 {
		maxType = DISCONNECT
	}
	if err := fh.validateForEncode(maxType); err != nil {
		return 0, err
	}
	if len(buf) < 1 {
		return 0, ErrBufferTooSmall
	}
	buf[0] = fh.firstByte()

	n, err := EncodeVariableByteIntegerTo(buf, 1, fh.RemainingLength)
	if err != nil {
		return 0, err
	}
	return 1 + n, nil
}

// ParseFixedHeaderWithVersion parses a fixed header according to the rules
// of the given protocol version. MQTT 3.0 and 3.1.1 never defined AUTH, so
// parsing rejects packet type 15 for those versions even though the wire
// encoding (type<<4|flags, variable byte length) is identical across
// versions.
func ParseFixedHeaderWithVersion(r io.Reader, version ProtocolVersion) (*FixedHeader, error) {
	header, err := ParseFixedHeader(r)
	if err != nil {
		return nil, err
	}
	if (version == ProtocolVersion30 || version == ProtocolVersion311) && header.Type == AUTH {
		return nil, ErrInvalidType
	}
	return header, nil
}

// ParseFixedHeader311 parses a fixed header from an MQTT 3.1.1 byte stream.
func ParseFixedHeader311(r io.Reader) (*FixedHeader, error) {
	return ParseFixedHeaderWithVersion(r, ProtocolVersion311)
}

// ParseFixedHeaderFromBytes311 parses a fixed header from an in-memory
// MQTT 3.1.1 buffer, rejecting AUTH the same way ParseFixedHeader311 does.
func ParseFixedHeaderFromBytes311(data []byte) (*FixedHeader, int, error) {
	header, offset, err := ParseFixedHeaderFromBytes(data)
	if err != nil {
		return nil, 0, err
	}
	if header.Type == AUTH {
		return nil, 0, ErrInvalidType
	}
	return header, offset, nil
}
