package dtls

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// cipherSuiteID identifies a negotiated cipher suite by its two-byte IANA
// value. Only one is implemented: ECDHE key exchange with an ECDSA
// certificate, authenticated AES-128-GCM bulk encryption.
type cipherSuiteID uint16

const cipherSuiteTLSECDHEECDSAWithAES128GCMSHA256 cipherSuiteID = 0xC02B

// compressionMethodNull is the only compression method TLS/DTLS 1.2
// clients are required to support.
const compressionMethodNull byte = 0

type random struct {
	gmtUnixTime uint32
	randomBytes [28]byte
}

func newRandom() random {
	var r random
	r.gmtUnixTime = uint32(time.Now().Unix())
	rand.Read(r.randomBytes[:])
	return r
}

func (r *random) Marshal() []byte {
	b := make([]byte, 32)
	binary.BigEndian.PutUint32(b[0:4], r.gmtUnixTime)
	copy(b[4:32], r.randomBytes[:])
	return b
}

func (r *random) Unmarshal(b []byte) error {
	if len(b) < 32 {
		return errBufferTooSmall
	}
	r.gmtUnixTime = binary.BigEndian.Uint32(b[0:4])
	copy(r.randomBytes[:], b[4:32])
	return nil
}

// handshakeMessageClientHello is the first message of the handshake
// [RFC5246 §7.4.1.2]. This client never sends a cookie, so it always
// completes the exchange in a single ClientHello (no HelloVerifyRequest
// round trip), matching how a connected UDP socket is used here rather
// than an anonymous listener.
type handshakeMessageClientHello struct {
	version            protocolVersion
	random             random
	cookie             []byte
	cipherSuites       []cipherSuiteID
	compressionMethods []byte
	extensions         []extension
}

func (h *handshakeMessageClientHello) handshakeType() handshakeType {
	return handshakeTypeClientHello
}

func (h *handshakeMessageClientHello) Marshal() ([]byte, error) {
	b := []byte{h.version.major, h.version.minor}
	b = append(b, h.random.Marshal()...)
	b = append(b, 0) // no session ID
	b = append(b, byte(len(h.cookie)))
	b = append(b, h.cookie...)

	b = append(b, 0, 0)
	binary.BigEndian.PutUint16(b[len(b)-2:], uint16(2*len(h.cipherSuites)))
	for _, cs := range h.cipherSuites {
		b = append(b, byte(cs>>8), byte(cs))
	}

	b = append(b, byte(len(h.compressionMethods)))
	b = append(b, h.compressionMethods...)

	ext, err := marshalExtensions(h.extensions)
	if err != nil {
		return nil, err
	}
	return append(b, ext...), nil
}

func (h *handshakeMessageClientHello) Unmarshal(b []byte) error {
	if len(b) < 35 {
		return errBufferTooSmall
	}
	h.version = protocolVersion{b[0], b[1]}
	if err := h.random.Unmarshal(b[2:34]); err != nil {
		return err
	}
	offset := 34

	sessionIDLen := int(b[offset])
	offset += 1 + sessionIDLen

	if len(b) < offset+1 {
		return errBufferTooSmall
	}
	cookieLen := int(b[offset])
	offset++
	if len(b) < offset+cookieLen {
		return errBufferTooSmall
	}
	h.cookie = append([]byte(nil), b[offset:offset+cookieLen]...)
	offset += cookieLen

	if len(b) < offset+2 {
		return errBufferTooSmall
	}
	csLen := int(binary.BigEndian.Uint16(b[offset : offset+2]))
	offset += 2
	if len(b) < offset+csLen {
		return errBufferTooSmall
	}
	for i := 0; i+2 <= csLen; i += 2 {
		h.cipherSuites = append(h.cipherSuites, cipherSuiteID(binary.BigEndian.Uint16(b[offset+i:offset+i+2])))
	}
	offset += csLen

	if len(b) < offset+1 {
		return errBufferTooSmall
	}
	cmLen := int(b[offset])
	offset++
	if len(b) < offset+cmLen {
		return errBufferTooSmall
	}
	h.compressionMethods = append([]byte(nil), b[offset:offset+cmLen]...)
	offset += cmLen

	if offset < len(b) {
		exts, err := unmarshalExtensions(b[offset:])
		if err != nil {
			return err
		}
		for _, e := range exts {
			h.extensions = append(h.extensions, e)
		}
	}
	return nil
}

// handshakeMessageServerHello is the server's reply, selecting exactly one
// cipher suite and echoing the extensions it accepts [RFC5246 §7.4.1.3].
type handshakeMessageServerHello struct {
	version           protocolVersion
	random            random
	cipherSuite       cipherSuiteID
	compressionMethod byte
	extensions        []extension
}

func (h *handshakeMessageServerHello) handshakeType() handshakeType {
	return handshakeTypeServerHello
}

func (h *handshakeMessageServerHello) Marshal() ([]byte, error) {
	b := []byte{h.version.major, h.version.minor}
	b = append(b, h.random.Marshal()...)
	b = append(b, 0) // no session ID
	b = append(b, byte(h.cipherSuite>>8), byte(h.cipherSuite))
	b = append(b, h.compressionMethod)

	ext, err := marshalExtensions(h.extensions)
	if err != nil {
		return nil, err
	}
	return append(b, ext...), nil
}

func (h *handshakeMessageServerHello) Unmarshal(b []byte) error {
	if len(b) < 38 {
		return errBufferTooSmall
	}
	h.version = protocolVersion{b[0], b[1]}
	if err := h.random.Unmarshal(b[2:34]); err != nil {
		return err
	}
	offset := 34
	sessionIDLen := int(b[offset])
	offset += 1 + sessionIDLen

	if len(b) < offset+3 {
		return errBufferTooSmall
	}
	h.cipherSuite = cipherSuiteID(binary.BigEndian.Uint16(b[offset : offset+2]))
	offset += 2
	h.compressionMethod = b[offset]
	offset++

	if offset < len(b) {
		exts, err := unmarshalExtensions(b[offset:])
		if err != nil {
			return err
		}
		for _, e := range exts {
			h.extensions = append(h.extensions, e)
		}
	}
	return nil
}

// handshakeMessageCertificate carries a chain of DER-encoded certificates
// [RFC5246 §7.4.2]. This client and its peer both use a single self-signed
// certificate, so the chain is always length 1.
type handshakeMessageCertificate struct {
	certificate [][]byte
}

func (h *handshakeMessageCertificate) handshakeType() handshakeType {
	return handshakeTypeCertificate
}

func (h *handshakeMessageCertificate) Marshal() ([]byte, error) {
	var certs []byte
	for _, c := range h.certificate {
		certs = append(certs, byte(len(c)>>16), byte(len(c)>>8), byte(len(c)))
		certs = append(certs, c...)
	}
	b := make([]byte, 3)
	putUint24(b, uint32(len(certs)))
	return append(b, certs...), nil
}

func (h *handshakeMessageCertificate) Unmarshal(b []byte) error {
	if len(b) < 3 {
		return errBufferTooSmall
	}
	total := int(getUint24(b[0:3]))
	b = b[3:]
	if len(b) < total {
		return errBufferTooSmall
	}
	b = b[:total]
	for len(b) > 0 {
		if len(b) < 3 {
			return errBufferTooSmall
		}
		n := int(getUint24(b[0:3]))
		b = b[3:]
		if len(b) < n {
			return errBufferTooSmall
		}
		h.certificate = append(h.certificate, append([]byte(nil), b[:n]...))
		b = b[n:]
	}
	return nil
}

// handshakeMessageServerKeyExchange carries the server's ephemeral ECDHE
// public key, signed with the certificate's private key over the two
// ClientHello/ServerHello randoms plus the curve parameters
// [RFC4492 §5.4].
type handshakeMessageServerKeyExchange struct {
	curve           uint16
	publicKey       []byte
	hashAlgorithm   HashAlgorithm
	signature       signatureAlgorithm
	signatureBytes  []byte
}

func (h *handshakeMessageServerKeyExchange) handshakeType() handshakeType {
	return handshakeTypeServerKeyExchange
}

func (h *handshakeMessageServerKeyExchange) Marshal() ([]byte, error) {
	b := []byte{3 /* named_curve */, byte(h.curve >> 8), byte(h.curve)}
	b = append(b, byte(len(h.publicKey)))
	b = append(b, h.publicKey...)
	b = append(b, byte(h.hashAlgorithm), byte(h.signature))
	b = append(b, byte(len(h.signatureBytes)>>8), byte(len(h.signatureBytes)))
	return append(b, h.signatureBytes...), nil
}

func (h *handshakeMessageServerKeyExchange) Unmarshal(b []byte) error {
	if len(b) < 4 || b[0] != 3 {
		return errBufferTooSmall
	}
	h.curve = binary.BigEndian.Uint16(b[1:3])
	n := int(b[3])
	offset := 4
	if len(b) < offset+n {
		return errBufferTooSmall
	}
	h.publicKey = append([]byte(nil), b[offset:offset+n]...)
	offset += n

	if len(b) < offset+4 {
		return errBufferTooSmall
	}
	h.hashAlgorithm = HashAlgorithm(b[offset])
	h.signature = signatureAlgorithm(b[offset+1])
	sigLen := int(binary.BigEndian.Uint16(b[offset+2 : offset+4]))
	offset += 4
	if len(b) < offset+sigLen {
		return errBufferTooSmall
	}
	h.signatureBytes = append([]byte(nil), b[offset:offset+sigLen]...)
	return nil
}

// handshakeMessageServerHelloDone has no body [RFC5246 §7.4.5].
type handshakeMessageServerHelloDone struct{}

func (h *handshakeMessageServerHelloDone) handshakeType() handshakeType {
	return handshakeTypeServerHelloDone
}

func (h *handshakeMessageServerHelloDone) Marshal() ([]byte, error) { return nil, nil }
func (h *handshakeMessageServerHelloDone) Unmarshal(b []byte) error { return nil }

// handshakeMessageClientKeyExchange carries the client's ephemeral ECDHE
// public key [RFC4492 §5.7].
type handshakeMessageClientKeyExchange struct {
	publicKey []byte
}

func (h *handshakeMessageClientKeyExchange) handshakeType() handshakeType {
	return handshakeTypeClientKeyExchange
}

func (h *handshakeMessageClientKeyExchange) Marshal() ([]byte, error) {
	return append([]byte{byte(len(h.publicKey))}, h.publicKey...), nil
}

func (h *handshakeMessageClientKeyExchange) Unmarshal(b []byte) error {
	if len(b) < 1 {
		return errBufferTooSmall
	}
	n := int(b[0])
	if len(b) < 1+n {
		return errBufferTooSmall
	}
	h.publicKey = append([]byte(nil), b[1:1+n]...)
	return nil
}

// handshakeMessageFinished carries the verify_data computed from the PRF
// over the handshake transcript hash [RFC5246 §7.4.9].
type handshakeMessageFinished struct {
	verifyData []byte
}

func (h *handshakeMessageFinished) handshakeType() handshakeType {
	return handshakeTypeFinished
}

func (h *handshakeMessageFinished) Marshal() ([]byte, error) {
	return append([]byte(nil), h.verifyData...), nil
}

func (h *handshakeMessageFinished) Unmarshal(b []byte) error {
	h.verifyData = append([]byte(nil), b...)
	return nil
}
