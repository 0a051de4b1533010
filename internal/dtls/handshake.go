package dtls

import "encoding/binary"

// handshakeType is the message_type field of a DTLS handshake message.
// See https://tools.ietf.org/html/rfc5246#section-7.4
type handshakeType byte

const (
	handshakeTypeHelloRequest       handshakeType = 0
	handshakeTypeClientHello        handshakeType = 1
	handshakeTypeServerHello        handshakeType = 2
	handshakeTypeHelloVerifyRequest handshakeType = 3
	handshakeTypeCertificate        handshakeType = 11
	handshakeTypeServerKeyExchange  handshakeType = 12
	handshakeTypeCertificateRequest handshakeType = 13
	handshakeTypeServerHelloDone    handshakeType = 14
	handshakeTypeCertificateVerify  handshakeType = 15
	handshakeTypeClientKeyExchange  handshakeType = 16
	handshakeTypeFinished           handshakeType = 20
)

const handshakeHeaderLength = 12

// handshakeHeader is prefixed to every handshake message. DTLS adds
// message_seq/fragment_offset/fragment_length to the TLS handshake header
// to support reassembly of fragmented, out-of-order flights
// [RFC6347 §4.2.2]; this client never fragments outgoing messages and
// expects unfragmented ones in return, but still parses the fields so it
// can reject anything else cleanly.
type handshakeHeader struct {
	messageType     handshakeType
	length          uint32 // 24-bit
	messageSequence uint16
	fragmentOffset  uint32 // 24-bit
	fragmentLength  uint32 // 24-bit
}

func (h *handshakeHeader) Marshal() []byte {
	b := make([]byte, handshakeHeaderLength)
	b[0] = byte(h.messageType)
	putUint24(b[1:4], h.length)
	binary.BigEndian.PutUint16(b[4:6], h.messageSequence)
	putUint24(b[6:9], h.fragmentOffset)
	putUint24(b[9:12], h.fragmentLength)
	return b
}

func (h *handshakeHeader) Unmarshal(b []byte) error {
	if len(b) < handshakeHeaderLength {
		return errBufferTooSmall
	}
	h.messageType = handshakeType(b[0])
	h.length = getUint24(b[1:4])
	h.messageSequence = binary.BigEndian.Uint16(b[4:6])
	h.fragmentOffset = getUint24(b[6:9])
	h.fragmentLength = getUint24(b[9:12])
	return nil
}

// handshakeMessage is implemented by every concrete handshake body
// (ClientHello, ServerHello, ...).
type handshakeMessage interface {
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
	handshakeType() handshakeType
}

// marshalHandshake wraps a handshakeMessage body with its handshakeHeader
// and assigns it messageSequence seq.
func marshalHandshake(m handshakeMessage, seq uint16) ([]byte, error) {
	body, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	h := handshakeHeader{
		messageType:     m.handshakeType(),
		length:          uint32(len(body)),
		messageSequence: seq,
		fragmentOffset:  0,
		fragmentLength:  uint32(len(body)),
	}
	return append(h.Marshal(), body...), nil
}

func unmarshalHandshake(buf []byte) (handshakeHeader, handshakeMessage, error) {
	var h handshakeHeader
	if err := h.Unmarshal(buf); err != nil {
		return h, nil, err
	}
	body := buf[handshakeHeaderLength:]
	if uint32(len(body)) < h.length {
		return h, nil, errBufferTooSmall
	}
	body = body[:h.length]

	var m handshakeMessage
	switch h.messageType {
	case handshakeTypeClientHello:
		m = new(handshakeMessageClientHello)
	case handshakeTypeServerHello:
		m = new(handshakeMessageServerHello)
	case handshakeTypeCertificate:
		m = new(handshakeMessageCertificate)
	case handshakeTypeServerKeyExchange:
		m = new(handshakeMessageServerKeyExchange)
	case handshakeTypeServerHelloDone:
		m = new(handshakeMessageServerHelloDone)
	case handshakeTypeClientKeyExchange:
		m = new(handshakeMessageClientKeyExchange)
	case handshakeTypeFinished:
		m = new(handshakeMessageFinished)
	default:
		return h, nil, errUnexpectedMessage
	}
	if err := m.Unmarshal(body); err != nil {
		return h, nil, err
	}
	return h, m, nil
}
