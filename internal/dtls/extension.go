package dtls

import "encoding/binary"

// extensionType is the two-byte identifier prefixing every TLS/DTLS
// extension. See https://tools.ietf.org/html/rfc6066 and the IANA TLS
// ExtensionType registry.
type extensionType uint16

const (
	extensionTypeSupportedEllipticCurves    extensionType = 10
	extensionTypeSupportedPointFormats      extensionType = 11
	extensionTypeSupportedSignatureAlgorithms extensionType = 13
	extensionTypeUseSRTP                    extensionType = 14
	extensionTypeRenegotiationInfo          extensionType = 0xff01
	extensionTypeExtendedMasterSecret       extensionType = 23
)

// HashAlgorithm identifies the hash half of a TLS SignatureAndHashAlgorithm
// pair [RFC5246 §7.4.1.4.1], and is reused by Fingerprint for the
// certificate-fingerprint hash advertised in SDP.
type HashAlgorithm byte

const (
	HashAlgorithmMD5    HashAlgorithm = 1
	HashAlgorithmSHA1   HashAlgorithm = 2
	HashAlgorithmSHA224 HashAlgorithm = 3
	HashAlgorithmSHA256 HashAlgorithm = 4
	HashAlgorithmSHA384 HashAlgorithm = 5
	HashAlgorithmSHA512 HashAlgorithm = 6
)

type signatureAlgorithm byte

const (
	signatureAlgorithmRSA   signatureAlgorithm = 1
	signatureAlgorithmDSA   signatureAlgorithm = 2
	signatureAlgorithmECDSA signatureAlgorithm = 3
)

type signatureHashAlgorithm struct {
	hash      HashAlgorithm
	signature signatureAlgorithm
}

// extension is implemented by every concrete extension body.
type extension interface {
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
	extensionType() extensionType
}

func marshalExtensions(exts []extension) ([]byte, error) {
	var body []byte
	for _, e := range exts {
		b, err := e.Marshal()
		if err != nil {
			return nil, err
		}
		body = append(body, b...)
	}
	out := make([]byte, 2, 2+len(body))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(body)))
	return append(out, body...), nil
}

// unmarshalExtensions walks a list of length-prefixed extensions and
// returns those this package recognizes, keyed by type. Unrecognized
// extensions are skipped, per the usual TLS rule that unknown extensions in
// a ClientHello are ignored.
func unmarshalExtensions(buf []byte) (map[extensionType]extension, error) {
	if len(buf) < 2 {
		return nil, errBufferTooSmall
	}
	totalLen := int(binary.BigEndian.Uint16(buf[0:2]))
	buf = buf[2:]
	if len(buf) < totalLen {
		return nil, errBufferTooSmall
	}
	buf = buf[:totalLen]

	out := make(map[extensionType]extension)
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, errBufferTooSmall
		}
		et := extensionType(binary.BigEndian.Uint16(buf[0:2]))
		length := int(binary.BigEndian.Uint16(buf[2:4]))
		if len(buf) < 4+length {
			return nil, errBufferTooSmall
		}
		raw := buf[:4+length]
		buf = buf[4+length:]

		var e extension
		switch et {
		case extensionTypeUseSRTP:
			e = new(extensionUseSRTP)
		case extensionTypeSupportedEllipticCurves:
			e = new(extensionSupportedEllipticCurves)
		case extensionTypeSupportedPointFormats:
			e = new(extensionSupportedPointFormats)
		case extensionTypeSupportedSignatureAlgorithms:
			e = new(extensionSupportedSignatureAlgorithms)
		case extensionTypeExtendedMasterSecret:
			e = new(extensionExtendedMasterSecret)
		default:
			continue
		}
		if err := e.Unmarshal(raw); err != nil {
			return nil, err
		}
		out[et] = e
	}
	return out, nil
}

// extensionUseSRTP negotiates the SRTP protection profile for keying
// material exported after the handshake [RFC5764 §4.1.1].
type extensionUseSRTP struct {
	protectionProfiles []protectionProfile
}

func (e *extensionUseSRTP) extensionType() extensionType { return extensionTypeUseSRTP }

func (e *extensionUseSRTP) Marshal() ([]byte, error) {
	body := make([]byte, 2, 2+2*len(e.protectionProfiles)+1)
	for _, p := range e.protectionProfiles {
		body = append(body, byte(p>>8), byte(p))
	}
	binary.BigEndian.PutUint16(body[0:2], uint16(len(body)-2))
	body = append(body, 0) // empty MKI

	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], uint16(extensionTypeUseSRTP))
	binary.BigEndian.PutUint16(out[2:4], uint16(len(body)))
	return append(out, body...), nil
}

func (e *extensionUseSRTP) Unmarshal(raw []byte) error {
	if len(raw) < 7 {
		return errBufferTooSmall
	}
	body := raw[4:]
	n := int(binary.BigEndian.Uint16(body[0:2]))
	if len(body) < 2+n {
		return errBufferTooSmall
	}
	for i := 0; i < n; i += 2 {
		e.protectionProfiles = append(e.protectionProfiles, protectionProfile(binary.BigEndian.Uint16(body[2+i:4+i])))
	}
	return nil
}

// extensionSupportedEllipticCurves advertises the NamedCurve values this
// client will accept for ECDHE key exchange. Only P-256 is supported.
type extensionSupportedEllipticCurves struct {
	curves []uint16
}

func (e *extensionSupportedEllipticCurves) extensionType() extensionType {
	return extensionTypeSupportedEllipticCurves
}

func (e *extensionSupportedEllipticCurves) Marshal() ([]byte, error) {
	body := make([]byte, 2, 2+2*len(e.curves))
	for _, c := range e.curves {
		body = append(body, byte(c>>8), byte(c))
	}
	binary.BigEndian.PutUint16(body[0:2], uint16(len(body)-2))

	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], uint16(extensionTypeSupportedEllipticCurves))
	binary.BigEndian.PutUint16(out[2:4], uint16(len(body)))
	return append(out, body...), nil
}

func (e *extensionSupportedEllipticCurves) Unmarshal(raw []byte) error {
	if len(raw) < 6 {
		return errBufferTooSmall
	}
	body := raw[4:]
	n := int(binary.BigEndian.Uint16(body[0:2]))
	for i := 0; i+2 <= n && 2+i+2 <= len(body); i += 2 {
		e.curves = append(e.curves, binary.BigEndian.Uint16(body[2+i:4+i]))
	}
	return nil
}

const namedCurveP256 uint16 = 23

// extensionSupportedPointFormats advertises uncompressed EC point encoding.
type extensionSupportedPointFormats struct {
	formats []byte
}

func (e *extensionSupportedPointFormats) extensionType() extensionType {
	return extensionTypeSupportedPointFormats
}

func (e *extensionSupportedPointFormats) Marshal() ([]byte, error) {
	body := append([]byte{byte(len(e.formats))}, e.formats...)
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], uint16(extensionTypeSupportedPointFormats))
	binary.BigEndian.PutUint16(out[2:4], uint16(len(body)))
	return append(out, body...), nil
}

func (e *extensionSupportedPointFormats) Unmarshal(raw []byte) error {
	if len(raw) < 5 {
		return errBufferTooSmall
	}
	body := raw[4:]
	n := int(body[0])
	if len(body) < 1+n {
		return errBufferTooSmall
	}
	e.formats = append([]byte(nil), body[1:1+n]...)
	return nil
}

const ecPointFormatUncompressed byte = 0

// extensionExtendedMasterSecret signals support for the session-hash-bound
// master secret derivation of RFC 7627, which this implementation always
// uses once both sides advertise it.
type extensionExtendedMasterSecret struct{}

func (e *extensionExtendedMasterSecret) extensionType() extensionType {
	return extensionTypeExtendedMasterSecret
}

func (e *extensionExtendedMasterSecret) Marshal() ([]byte, error) {
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], uint16(extensionTypeExtendedMasterSecret))
	binary.BigEndian.PutUint16(out[2:4], 0)
	return out, nil
}

func (e *extensionExtendedMasterSecret) Unmarshal(raw []byte) error {
	return nil
}

// extensionSupportedSignatureAlgorithms lists the hash/signature pairs this
// side accepts for the ServerKeyExchange and CertificateVerify signatures
// [RFC5246 §7.4.1.4.1].
type extensionSupportedSignatureAlgorithms struct {
	signatureHashAlgorithms []signatureHashAlgorithm
}

func (e *extensionSupportedSignatureAlgorithms) extensionType() extensionType {
	return extensionTypeSupportedSignatureAlgorithms
}

func (e *extensionSupportedSignatureAlgorithms) Marshal() ([]byte, error) {
	body := make([]byte, 2, 2+2*len(e.signatureHashAlgorithms))
	for _, sha := range e.signatureHashAlgorithms {
		body = append(body, byte(sha.hash), byte(sha.signature))
	}
	binary.BigEndian.PutUint16(body[0:2], uint16(len(body)-2))

	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], uint16(extensionTypeSupportedSignatureAlgorithms))
	binary.BigEndian.PutUint16(out[2:4], uint16(len(body)))
	return append(out, body...), nil
}

func (e *extensionSupportedSignatureAlgorithms) Unmarshal(raw []byte) error {
	if len(raw) < 6 {
		return errBufferTooSmall
	}
	body := raw[4:]
	n := int(binary.BigEndian.Uint16(body[0:2]))
	if len(body) < 2+n {
		return errBufferTooSmall
	}
	for i := 0; i+2 <= n; i += 2 {
		e.signatureHashAlgorithms = append(e.signatureHashAlgorithms, signatureHashAlgorithm{
			hash:      HashAlgorithm(body[2+i]),
			signature: signatureAlgorithm(body[3+i]),
		})
	}
	return nil
}
