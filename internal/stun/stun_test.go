package stun

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"
	"net"
	"testing"
)

// TestBindingRequestRoundTrip covers testable property 1 (§8) and concrete
// scenario S1: encode a BindingRequest with USERNAME, PRIORITY,
// ICE-CONTROLLING, integrity and fingerprint, then decode it and expect the
// same attributes back in the same order.
func TestBindingRequestRoundTrip(t *testing.T) {
	m := NewBindingRequest("")
	m.AddAttribute(AttrUsername, []byte("a:b"))
	m.AddPriority(0x7e7f1eff)
	m.AddIceControlling(0x0102030405060708)
	m.AddMessageIntegrity("pw")
	m.AddFingerprint()

	decoded, err := Parse(m.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	if decoded.Class != ClassRequest || decoded.Method != MethodBinding {
		t.Fatalf("class/method mismatch: %d/%d", decoded.Class, decoded.Method)
	}
	if decoded.TransactionID != m.TransactionID {
		t.Fatalf("transaction id mismatch: %q != %q", decoded.TransactionID, m.TransactionID)
	}
	if len(decoded.Attributes) != len(m.Attributes) {
		t.Fatalf("attribute count mismatch: got %d, want %d", len(decoded.Attributes), len(m.Attributes))
	}
	for i, want := range m.Attributes {
		got := decoded.Attributes[i]
		if got.Type != want.Type || !bytes.Equal(got.Value, want.Value) {
			t.Errorf("attribute %d mismatch: got %+v, want %+v", i, got, want)
		}
	}
}

// TestBindingRequestIntegrityDetectsTamper covers the rest of testable
// property 1: flipping a bit within the MESSAGE-INTEGRITY-covered range must
// make an independently recomputed HMAC disagree with the attribute the
// message carries.
func TestBindingRequestIntegrityDetectsTamper(t *testing.T) {
	m := NewBindingRequest("")
	m.AddAttribute(AttrUsername, []byte("a:b"))
	m.AddMessageIntegrity("pw")

	encoded := m.Bytes()
	encoded[headerLength+4] ^= 0x01 // flip a bit in the USERNAME attribute's value (header is type+length, 4 bytes)

	decoded, err := Parse(encoded)
	if err != nil {
		t.Fatal(err)
	}
	integrity := decoded.Get(AttrMessageIntegrity)
	if integrity == nil {
		t.Fatal("missing MESSAGE-INTEGRITY attribute")
	}

	beforeIntegrity := len(encoded) - integrity.numBytes()
	mac := hmac.New(sha1.New, []byte("pw"))
	mac.Write(encoded[:beforeIntegrity])
	if hmac.Equal(mac.Sum(nil), integrity.Value) {
		t.Fatal("recomputed HMAC matched a tampered message; integrity should have been invalidated")
	}
}

// TestFingerprintDetectsTamper covers testable property 2: flipping any bit
// covered by FINGERPRINT must make a freshly computed CRC32 disagree with
// the attribute's value.
func TestFingerprintDetectsTamper(t *testing.T) {
	m := NewBindingIndication()
	encoded := m.Bytes()
	encoded[8] ^= 0x01 // corrupt a transaction id byte; framing stays well-formed

	decoded, err := Parse(encoded)
	if err != nil {
		t.Fatal(err)
	}
	fp := decoded.Get(AttrFingerprint)
	if fp == nil {
		t.Fatal("missing FINGERPRINT attribute")
	}

	beforeFingerprint := len(encoded) - fp.numBytes()
	crc := crc32.ChecksumIEEE(encoded[:beforeFingerprint]) ^ fingerprintXor
	want := binary.BigEndian.Uint32(fp.Value)
	if crc == want {
		t.Fatal("recomputed fingerprint matched a tampered message; fingerprint should have been invalidated")
	}
}

// TestXorMappedAddressBytes covers concrete scenario S2: given a specific
// transaction id and socket address, the XOR-MAPPED-ADDRESS payload bytes
// must match the exact value spec.md prescribes.
func TestXorMappedAddressBytes(t *testing.T) {
	m := &Message{
		TransactionID: string([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B}),
	}
	m.SetXorMappedAddress(&net.UDPAddr{IP: net.IPv4(203, 0, 113, 5), Port: 49152})

	got := m.Get(AttrXorMappedAddress).Value
	want := []byte{0x00, 0x01, 0xC0, 0x43, 0xE1, 0xBA, 0x51, 0x47}
	if !bytes.Equal(got, want) {
		t.Errorf("XOR-MAPPED-ADDRESS = % X, want % X", got, want)
	}
}

// TestXorAddressInvolution covers testable property 3: decoding a XOR'd
// address recovers the original address, for both IPv4 and IPv6.
func TestXorAddressInvolution(t *testing.T) {
	tid := string([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})

	cases := []*net.UDPAddr{
		{IP: net.IPv4(192, 168, 0, 42), Port: 12345},
		{IP: net.ParseIP("2001:db8::1"), Port: 443},
	}
	for _, addr := range cases {
		m := &Message{TransactionID: tid}
		m.SetXorMappedAddress(addr)

		got := m.GetMappedAddress()
		if got == nil {
			t.Fatalf("GetMappedAddress returned nil for %s", addr)
		}
		if !got.IP.Equal(addr.IP) || got.Port != addr.Port {
			t.Errorf("involution failed: got %s, want %s", got, addr)
		}
	}
}
