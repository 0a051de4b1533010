package dtls

import "encoding/binary"

// contentType identifies the payload carried by a DTLS record.
// See https://tools.ietf.org/html/rfc6347#section-4.1
type contentType byte

const (
	contentTypeChangeCipherSpec contentType = 20
	contentTypeAlert            contentType = 21
	contentTypeHandshake        contentType = 22
	contentTypeApplicationData  contentType = 23
)

type protocolVersion struct {
	major, minor byte
}

// protocolVersion1_2 is the DTLS 1.2 wire version, {254, 253}, chosen so
// that it sorts below the DTLS 1.0 version {254, 255} per the "one's
// complement of the equivalent TLS version" convention.
var protocolVersion1_2 = protocolVersion{0xfe, 0xfd}

const recordLayerHeaderSize = 13

// recordLayerHeader is the 13-byte header prefixing every DTLS record.
type recordLayerHeader struct {
	contentType    contentType
	version        protocolVersion
	epoch          uint16
	sequenceNumber uint64 // 48-bit, epoch-local
	contentLen     uint16
}

func (h *recordLayerHeader) Marshal() []byte {
	b := make([]byte, recordLayerHeaderSize)
	b[0] = byte(h.contentType)
	b[1] = h.version.major
	b[2] = h.version.minor
	binary.BigEndian.PutUint16(b[3:5], h.epoch)
	putUint48(b[5:11], h.sequenceNumber)
	binary.BigEndian.PutUint16(b[11:13], h.contentLen)
	return b
}

func (h *recordLayerHeader) Unmarshal(b []byte) error {
	if len(b) < recordLayerHeaderSize {
		return errBufferTooSmall
	}
	h.contentType = contentType(b[0])
	h.version = protocolVersion{b[1], b[2]}
	h.epoch = binary.BigEndian.Uint16(b[3:5])
	h.sequenceNumber = getUint48(b[5:11])
	h.contentLen = binary.BigEndian.Uint16(b[11:13])
	return nil
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func getUint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
