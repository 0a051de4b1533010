package turn

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"net"
	"testing"

	"github.com/lanikai/alohartc/internal/ice"
	"github.com/lanikai/alohartc/internal/stun"
)

// TestLongTermKeyDerivation covers concrete scenario S5's key derivation
// step: key = MD5("user:example.com:pass").
func TestLongTermKeyDerivation(t *testing.T) {
	got := longTermKey("user", "example.com", "pass")
	want := md5.Sum([]byte("user:example.com:pass"))
	if !bytes.Equal(got, want[:]) {
		t.Errorf("longTermKey = % X, want % X", got, want)
	}
}

// messageIntegrityAttrBytes/fingerprintAttrBytes are the fixed encoded sizes
// (header + value, no padding needed) of MESSAGE-INTEGRITY (20-byte SHA1
// digest) and FINGERPRINT (4-byte CRC32) attributes.
const (
	messageIntegrityAttrBytes = 4 + 20
	fingerprintAttrBytes      = 4 + 4
)

// TestAddLongTermAuthAttachesCredentials covers the re-send half of S5: once
// a client has learned REALM/NONCE from a 401 challenge, its next request
// must carry USERNAME, REALM, NONCE and a MESSAGE-INTEGRITY keyed by
// MD5(username:realm:password) [RFC5389 §10.2.2].
func TestAddLongTermAuthAttachesCredentials(t *testing.T) {
	c := NewClient("turn.example.com:3478", "user", "pass")
	c.mu.Lock()
	c.realm = "example.com"
	c.nonce = "abc"
	c.mu.Unlock()

	req := c.newAllocateRequest()
	c.addLongTermAuth(req)
	encoded := req.Bytes()

	decoded, err := stun.Parse(encoded)
	if err != nil {
		t.Fatal(err)
	}

	if got := decoded.Get(stun.AttrUsername); got == nil || string(got.Value) != "user" {
		t.Errorf("USERNAME = %v, want \"user\"", got)
	}
	if got := decoded.GetRealm(); got != "example.com" {
		t.Errorf("REALM = %q, want \"example.com\"", got)
	}
	if got := decoded.GetNonce(); got != "abc" {
		t.Errorf("NONCE = %q, want \"abc\"", got)
	}

	integrity := decoded.Get(stun.AttrMessageIntegrity)
	if integrity == nil {
		t.Fatal("missing MESSAGE-INTEGRITY attribute")
	}

	key := longTermKey("user", "example.com", "pass")
	beforeIntegrity := len(encoded) - messageIntegrityAttrBytes - fingerprintAttrBytes
	mac := hmac.New(sha1.New, key)
	mac.Write(encoded[:beforeIntegrity])
	if !hmac.Equal(mac.Sum(nil), integrity.Value) {
		t.Error("MESSAGE-INTEGRITY does not match the long-term credential key")
	}
}

// TestTurnReadinessGatedOnChannelBinding covers testable property behind S5's
// tail ("Client proceeds to create-permission with the first peer address")
// and the maintainer-requested fix: a successful ALLOCATE alone must not
// mark the client ready, only a completed create-permission + bind-channel
// for some peer does.
func TestTurnReadinessGatedOnChannelBinding(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	base := &ice.Base{PacketConn: conn}
	serverAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 3478}

	c := NewClient("127.0.0.1:3478", "user", "pass")

	relayedAddr := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 5), Port: 55000}
	resp := stun.New(stun.ClassSuccessResponse, stun.MethodAllocate, "")
	// XOR-RELAYED-ADDRESS is encoded identically to XOR-MAPPED-ADDRESS, just
	// under a different attribute type; build it via the mapped-address
	// setter on a scratch message sharing resp's transaction id.
	scratch := &stun.Message{TransactionID: resp.TransactionID}
	scratch.SetXorMappedAddress(relayedAddr)
	resp.AddAttribute(stun.AttrXorRelayedAddress, scratch.Get(stun.AttrXorMappedAddress).Value)

	relayed, err := c.onAllocated(context.Background(), base, serverAddr, resp)
	if err != nil {
		t.Fatal(err)
	}
	if relayed.String() != ice.NewTransportAddress(relayedAddr).String() {
		t.Errorf("relayed address = %s, want %s", relayed, ice.NewTransportAddress(relayedAddr))
	}
	if c.State() != StateAllocated {
		t.Fatalf("state = %s, want %s (allocation success alone must not be ready)", c.State(), StateAllocated)
	}

	peer := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 9), Port: 4000}
	if !c.recordChannelBound(peer, 0x4000) {
		t.Fatal("expected first bound peer to transition client to ready")
	}
	if c.State() != StateReady {
		t.Fatalf("state = %s, want %s", c.State(), StateReady)
	}

	otherPeer := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 10), Port: 4001}
	if c.recordChannelBound(otherPeer, 0x4001) {
		t.Fatal("a second bound peer should not re-trigger the ready transition")
	}
	if c.State() != StateReady {
		t.Fatalf("state = %s, want %s", c.State(), StateReady)
	}
}
