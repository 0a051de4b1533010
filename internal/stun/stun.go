// Package stun implements message encoding and decoding for STUN
// (RFC 5389) and the TURN (RFC 5766) extension attributes, shared by the
// ICE agent and the TURN client.
package stun

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"net"
	"strings"

	"golang.org/x/xerrors"
)

// Message classes (the "C" bits of the STUN message type).
const (
	ClassRequest         = 0
	ClassIndication      = 1
	ClassSuccessResponse = 2
	ClassErrorResponse   = 3
)

// Methods used by this module.
const (
	MethodBinding           = 0x001
	MethodAllocate          = 0x003
	MethodRefresh           = 0x004
	MethodSend              = 0x006
	MethodData              = 0x007
	MethodCreatePermission  = 0x008
	MethodChannelBind       = 0x009
)

const (
	headerLength = 20
	magicCookie  = 0x2112A442
)

const magicCookieBytes = "\x21\x12\xA4\x42"
const fingerprintXor = 0x5354554e

// Attribute type numbers used by STUN and the TURN extension.
const (
	AttrMappedAddress     = 0x0001
	AttrUsername          = 0x0006
	AttrMessageIntegrity  = 0x0008
	AttrErrorCode         = 0x0009
	AttrUnknownAttributes = 0x000A
	AttrRealm             = 0x0014
	AttrNonce             = 0x0015
	AttrXorRelayedAddress = 0x0016
	AttrRequestedTransport = 0x0019
	AttrXorMappedAddress  = 0x0020
	AttrPriority          = 0x0024
	AttrUseCandidate      = 0x0025
	AttrLifetime          = 0x000D
	AttrData              = 0x0013
	AttrXorPeerAddress    = 0x0012
	AttrChannelNumber     = 0x000C
	AttrSoftware          = 0x8022
	AttrFingerprint       = 0x8028
	AttrIceControlled     = 0x8029
	AttrIceControlling    = 0x802A
)

// RequestedTransportUDP is the protocol number for UDP, the only transport
// this client requests via TURN ALLOCATE.
const RequestedTransportUDP = 17

var (
	// ErrMalformed is returned when a buffer is not a well-formed STUN
	// message.
	ErrMalformed = xerrors.New("stun: malformed message")

	// ErrAttributeOrder is returned when MESSAGE-INTEGRITY or FINGERPRINT
	// are not in their required trailing position.
	ErrAttributeOrder = xerrors.New("stun: attribute out of order")
)

// Attribute is a single type-length-value STUN attribute.
type Attribute struct {
	Type   uint16
	Length uint16
	Value  []byte
}

// numBytes returns the total encoded size of the attribute, header + padding.
func (a *Attribute) numBytes() int {
	return 4 + int(a.Length) + pad4(a.Length)
}

func pad4(n uint16) int {
	return -int(n) & 3
}

var zeros = make([]byte, 32)

// Message is a decoded STUN message.
type Message struct {
	Class         uint16
	Method        uint16
	TransactionID string // 12 bytes

	Attributes []*Attribute
}

// New creates an empty message of the given class/method. If transactionID
// is empty, a fresh random transaction ID is generated.
func New(class, method uint16, transactionID string) *Message {
	if transactionID == "" {
		buf := make([]byte, 12)
		rand.Read(buf)
		transactionID = string(buf)
	}
	return &Message{Class: class, Method: method, TransactionID: transactionID}
}

// NewBindingRequest builds a STUN Binding request.
func NewBindingRequest(transactionID string) *Message {
	return New(ClassRequest, MethodBinding, transactionID)
}

// NewBindingIndication builds a STUN Binding indication (used for ICE
// keepalives), with only a FINGERPRINT attribute.
func NewBindingIndication() *Message {
	m := New(ClassIndication, MethodBinding, "")
	m.AddFingerprint()
	return m
}

// NewBindingResponse builds a successful STUN Binding response carrying the
// reflexive address of raddr, authenticated with password.
func NewBindingResponse(transactionID string, raddr net.Addr, password string) *Message {
	m := New(ClassSuccessResponse, MethodBinding, transactionID)
	m.SetXorMappedAddress(raddr)
	m.AddMessageIntegrity(password)
	m.AddFingerprint()
	return m
}

// Parse decodes a STUN message from data. It returns (nil, nil) if data does
// not look like a STUN message at all (used by demux code to fall through to
// other protocols), and a non-nil error if it looks like STUN but is
// malformed.
func Parse(data []byte) (*Message, error) {
	if len(data) < headerLength {
		return nil, nil
	}

	messageType := binary.BigEndian.Uint16(data[0:2])
	if messageType>>14 != 0 {
		return nil, nil
	}

	length := binary.BigEndian.Uint16(data[2:4])
	if length%4 != 0 {
		return nil, nil
	}

	if binary.BigEndian.Uint32(data[4:8]) != magicCookie {
		return nil, nil
	}

	if len(data) < headerLength+int(length) {
		return nil, xerrors.Errorf("stun: short message: %w", ErrMalformed)
	}

	class, method := decomposeMessageType(messageType)
	msg := &Message{
		Class:         class,
		Method:        method,
		TransactionID: string(data[8:20]),
	}

	b := bytes.NewBuffer(data[headerLength : headerLength+int(length)])
	sawIntegrity := false
	sawFingerprint := false
	for b.Len() > 0 {
		attr, err := parseAttribute(b)
		if err != nil {
			return msg, err
		}

		// [RFC5389 §15.5] FINGERPRINT, if present, must be the last
		// attribute. [RFC5389 §15.4] MESSAGE-INTEGRITY must appear after all
		// attributes except FINGERPRINT.
		if sawFingerprint {
			return msg, xerrors.Errorf("stun: attribute after FINGERPRINT: %w", ErrAttributeOrder)
		}
		if sawIntegrity && attr.Type != AttrFingerprint {
			return msg, xerrors.Errorf("stun: attribute after MESSAGE-INTEGRITY: %w", ErrAttributeOrder)
		}
		if attr.Type == AttrMessageIntegrity {
			sawIntegrity = true
		}
		if attr.Type == AttrFingerprint {
			sawFingerprint = true
		}

		msg.Attributes = append(msg.Attributes, attr)
	}
	return msg, nil
}

func parseAttribute(b *bytes.Buffer) (*Attribute, error) {
	if b.Len() < 4 {
		return nil, xerrors.Errorf("stun: truncated attribute header: %w", ErrMalformed)
	}
	typ := binary.BigEndian.Uint16(b.Next(2))
	length := binary.BigEndian.Uint16(b.Next(2))
	if int(length) > b.Len() {
		return nil, xerrors.Errorf("stun: attribute length %d exceeds remaining %d: %w", length, b.Len(), ErrMalformed)
	}
	value := make([]byte, length)
	copy(value, b.Next(int(length)))
	b.Next(pad4(length))
	return &Attribute{typ, length, value}, nil
}

func (msg *Message) writeHeader(b *bytes.Buffer, length uint16) {
	messageType := composeMessageType(msg.Class, msg.Method)
	binary.BigEndian.PutUint16(b.Next(2), messageType)
	binary.BigEndian.PutUint16(b.Next(2), length)
	binary.BigEndian.PutUint32(b.Next(4), magicCookie)
	copy(b.Next(12), msg.TransactionID)
}

const classMask1 = 0x0100
const classMask2 = 0x0010
const methodMask1 = 0x3e00
const methodMask2 = 0x00e0
const methodMask3 = 0x000f

func composeMessageType(class, method uint16) uint16 {
	t := (class<<7)&classMask1 | (class<<4)&classMask2
	t |= (method<<2)&methodMask1 | (method<<1)&methodMask2 | (method & methodMask3)
	return t
}

func decomposeMessageType(t uint16) (uint16, uint16) {
	class := (t&classMask1)>>7 | (t&classMask2)>>4
	method := (t&methodMask1)>>2 | (t&methodMask2)>>1 | (t & methodMask3)
	return class, method
}

// Bytes encodes the message, including trailing MESSAGE-INTEGRITY and
// FINGERPRINT attributes that were added via AddMessageIntegrity/
// AddFingerprint.
func (msg *Message) Bytes() []byte {
	length := 0
	for _, a := range msg.Attributes {
		length += a.numBytes()
	}
	buf := make([]byte, headerLength+length)
	b := bytes.NewBuffer(buf)
	msg.writeHeader(b, uint16(length))
	for _, attr := range msg.Attributes {
		binary.BigEndian.PutUint16(b.Next(2), attr.Type)
		binary.BigEndian.PutUint16(b.Next(2), attr.Length)
		copy(b.Next(int(attr.Length)), attr.Value)
		copy(b.Next(pad4(attr.Length)), zeros)
	}
	return buf
}

// AddAttribute appends a new attribute and returns it.
func (msg *Message) AddAttribute(t uint16, v []byte) *Attribute {
	vcopy := make([]byte, len(v))
	copy(vcopy, v)
	attr := &Attribute{t, uint16(len(v)), vcopy}
	msg.Attributes = append(msg.Attributes, attr)
	return attr
}

// Get returns the first attribute with the given type, or nil.
func (msg *Message) Get(t uint16) *Attribute {
	for _, a := range msg.Attributes {
		if a.Type == t {
			return a
		}
	}
	return nil
}

func (msg *Message) GetMappedAddress() *net.UDPAddr {
	if a := msg.Get(AttrXorMappedAddress); a != nil {
		return extractAddr(a, msg.TransactionID, true)
	}
	if a := msg.Get(AttrMappedAddress); a != nil {
		return extractAddr(a, msg.TransactionID, false)
	}
	return nil
}

func (msg *Message) GetXorRelayedAddress() *net.UDPAddr {
	if a := msg.Get(AttrXorRelayedAddress); a != nil {
		return extractAddr(a, msg.TransactionID, true)
	}
	return nil
}

func extractAddr(attr *Attribute, transactionID string, doXor bool) *net.UDPAddr {
	if len(attr.Value) < 4 {
		return nil
	}
	addr := new(net.UDPAddr)
	addr.Port = int(binary.BigEndian.Uint16(attr.Value[2:4]))

	family := attr.Value[1]
	switch family {
	case 0x01: // IPv4
		if len(attr.Value) < 8 {
			return nil
		}
		addr.IP = make([]byte, 4)
		copy(addr.IP, attr.Value[4:8])
	case 0x02: // IPv6
		if len(attr.Value) < 20 {
			return nil
		}
		addr.IP = make([]byte, 16)
		copy(addr.IP, attr.Value[4:20])
	default:
		return nil
	}

	if doXor {
		addr.Port ^= magicCookie >> 16
		xorBytes(addr.IP[0:4], magicCookieBytes)
		if len(addr.IP) == 16 {
			xorBytes(addr.IP[4:], transactionID)
		}
	}
	return addr
}

func setXorAddress(msg *Message, attrType uint16, addr net.Addr) {
	var ip net.IP
	var port int
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip, port = a.IP, a.Port
	case *net.TCPAddr:
		ip, port = a.IP, a.Port
	}

	var value []byte
	if ip4 := ip.To4(); ip4 != nil {
		value = make([]byte, 8)
		value[1] = 0x01
		copy(value[4:8], ip4)
	} else {
		value = make([]byte, 20)
		value[1] = 0x02
		copy(value[4:20], ip.To16())
	}
	binary.BigEndian.PutUint16(value[2:4], uint16(port))

	xorBytes(value[2:4], magicCookieBytes[0:2])
	xorBytes(value[4:8], magicCookieBytes)
	if len(value) == 20 {
		xorBytes(value[8:], msg.TransactionID)
	}
	msg.AddAttribute(attrType, value)
}

func (msg *Message) SetXorMappedAddress(addr net.Addr) {
	setXorAddress(msg, AttrXorMappedAddress, addr)
}

func (msg *Message) SetXorPeerAddress(addr net.Addr) {
	setXorAddress(msg, AttrXorPeerAddress, addr)
}

func xorBytes(dest []byte, xor string) {
	for i := range dest {
		dest[i] ^= xor[i]
	}
}

// AddMessageIntegrity appends a MESSAGE-INTEGRITY attribute computed as the
// HMAC-SHA1 over everything encoded so far, keyed by password (or, for
// long-term credentials, by the caller-supplied key via
// AddMessageIntegrityKey).
func (msg *Message) AddMessageIntegrity(password string) {
	msg.AddMessageIntegrityKey([]byte(password))
}

// AddMessageIntegrityKey is like AddMessageIntegrity but takes a raw key,
// used for TURN long-term credentials where the key is
// MD5(username:realm:password) rather than the plain password.
func (msg *Message) AddMessageIntegrityKey(key []byte) {
	sig := hmac.New(sha1.New, key)
	attr := msg.AddAttribute(AttrMessageIntegrity, zeros[0:20])

	b := msg.Bytes()
	beforeIntegrity := len(b) - attr.numBytes()
	sig.Write(b[0:beforeIntegrity])
	copy(attr.Value, sig.Sum(nil))
}

// AddFingerprint appends a FINGERPRINT attribute. Must be the last attribute
// added to the message.
func (msg *Message) AddFingerprint() {
	attr := msg.AddAttribute(AttrFingerprint, zeros[0:4])

	b := msg.Bytes()
	beforeFingerprint := len(b) - attr.numBytes()
	crc := crc32.ChecksumIEEE(b[0:beforeFingerprint])

	binary.BigEndian.PutUint32(attr.Value, crc^fingerprintXor)
}

func (msg *Message) AddPriority(p uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, p)
	msg.AddAttribute(AttrPriority, v)
}

func (msg *Message) GetPriority() uint32 {
	if a := msg.Get(AttrPriority); a != nil && len(a.Value) == 4 {
		return binary.BigEndian.Uint32(a.Value)
	}
	return 0
}

func (msg *Message) HasUseCandidate() bool {
	return msg.Get(AttrUseCandidate) != nil
}

// AddIceControlling/AddIceControlled add the ICE role-conflict
// tie-breaker attribute (RFC 8445 §7.1.2).
func (msg *Message) AddIceControlling(tiebreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tiebreaker)
	msg.AddAttribute(AttrIceControlling, v)
}

func (msg *Message) AddIceControlled(tiebreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tiebreaker)
	msg.AddAttribute(AttrIceControlled, v)
}

func (msg *Message) AddLifetime(seconds uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, seconds)
	msg.AddAttribute(AttrLifetime, v)
}

func (msg *Message) GetLifetime() (uint32, bool) {
	a := msg.Get(AttrLifetime)
	if a == nil || len(a.Value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(a.Value), true
}

func (msg *Message) AddRequestedTransport(protocol byte) {
	msg.AddAttribute(AttrRequestedTransport, []byte{protocol, 0, 0, 0})
}

func (msg *Message) AddChannelNumber(channel uint16) {
	msg.AddAttribute(AttrChannelNumber, []byte{byte(channel >> 8), byte(channel), 0, 0})
}

func (msg *Message) GetErrorCode() (code int, reason string, ok bool) {
	a := msg.Get(AttrErrorCode)
	if a == nil || len(a.Value) < 4 {
		return 0, "", false
	}
	class := int(a.Value[2] & 0x7)
	number := int(a.Value[3])
	return class*100 + number, string(a.Value[4:]), true
}

func (msg *Message) GetRealm() string {
	if a := msg.Get(AttrRealm); a != nil {
		return string(a.Value)
	}
	return ""
}

func (msg *Message) GetNonce() string {
	if a := msg.Get(AttrNonce); a != nil {
		return string(a.Value)
	}
	return ""
}

func (msg *Message) String() string {
	var b strings.Builder
	switch msg.Class {
	case ClassRequest:
		b.WriteString("STUN request")
	case ClassIndication:
		b.WriteString("STUN indication")
	case ClassSuccessResponse:
		b.WriteString("STUN success response")
	case ClassErrorResponse:
		b.WriteString("STUN error response")
	}
	if msg.Method != MethodBinding {
		fmt.Fprintf(&b, ", method %#x", msg.Method)
	}
	fmt.Fprintf(&b, ", tid=%s", hex.EncodeToString([]byte(msg.TransactionID)))
	for _, attr := range msg.Attributes {
		switch attr.Type {
		case AttrXorMappedAddress:
			fmt.Fprintf(&b, ", XOR-MAPPED-ADDRESS %s", msg.GetMappedAddress())
		case AttrUsername:
			fmt.Fprintf(&b, ", USERNAME %s", string(attr.Value))
		case AttrErrorCode:
			code, reason, _ := msg.GetErrorCode()
			fmt.Fprintf(&b, ", ERROR-CODE %d %s", code, reason)
		case AttrUseCandidate:
			b.WriteString(", USE-CANDIDATE")
		}
	}
	return b.String()
}

// Kind identifies the wire protocol of a UDP datagram, used by the H1
// demultiplexer.
type Kind int

const (
	KindNotStun Kind = iota
	KindStun
)

// Looks identifies whether the first byte of a datagram could be STUN. A
// STUN message's first byte always has its top two bits clear.
func Looks(b []byte) bool {
	return len(b) > 0 && b[0]>>6 == 0
}
