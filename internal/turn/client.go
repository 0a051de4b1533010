// Package turn implements a TURN (RFC 5766) client: allocation, permission
// and channel-binding management over a long-term-credential relationship
// with a single TURN server.
//
// The state progression (new -> checking-server -> getting-credentials ->
// allocating -> create-permission -> bind-channel -> ready -> failed)
// mirrors the connection state machine of a typical TURN client, with
// create-permission and bind-channel folded into per-peer bookkeeping rather
// than separate top-level states, since this client relays a single ICE
// component rather than a full media pipeline.
package turn

import (
	"context"
	"crypto/md5"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/alohartc/internal/ice"
	"github.com/lanikai/alohartc/internal/logging"
	"github.com/lanikai/alohartc/internal/stun"
)

var log = logging.DefaultLogger.WithTag("turn")

// State identifies where a Client is in the TURN connection lifecycle.
type State int

const (
	StateNew State = iota
	StateCheckingServer
	StateGettingCredentials
	StateAllocating
	StateAllocated
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateCheckingServer:
		return "checking-server"
	case StateGettingCredentials:
		return "getting-credentials"
	case StateAllocating:
		return "allocating"
	case StateAllocated:
		return "allocated"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// defaultAllocationLifetime is the lifetime requested for a TURN allocation.
// A refresh is sent well before this expires.
const defaultAllocationLifetime = 600 * time.Second

// Client manages a single TURN allocation on behalf of one ICE base. It
// implements long-term credential authentication [RFC5766 §10.2] and keeps
// the allocation alive with periodic refreshes, and manages permissions and
// channel bindings for peers added via CreatePermission/BindChannel.
type Client struct {
	server   string
	username string
	password string

	mu         sync.Mutex
	state      State
	realm      string
	nonce      string
	relayed    ice.TransportAddress
	serverAddr net.Addr
	err        error

	// permissions created for peer IPs, and channel numbers bound to peer
	// addresses. refreshLoop renews only the allocation; a permission is
	// renewed only when CreatePermission is called again, and BindChannel
	// returns an existing binding without sending it again.
	permissions map[string]time.Time
	channels    map[string]uint16
	nextChannel uint16

	// channelWithPermissionCount tracks how many peers have completed
	// create-permission + bind-channel. The client only reaches StateReady
	// once this is nonzero, mirroring TurnConnectionStateMachine's gating on
	// channelWithPermissionCount > 0 rather than allocation success alone.
	channelWithPermissionCount int
}

// NewClient creates a TURN client for the given server and long-term
// credentials. Call Allocate to perform the ALLOCATE exchange.
func NewClient(server, username, password string) *Client {
	return &Client{
		server:      server,
		username:    username,
		password:    password,
		state:       StateNew,
		permissions: make(map[string]time.Time),
		channels:    make(map[string]uint16),
		nextChannel: 0x4000, // [RFC5766 §11] valid channel numbers are 0x4000-0x7FFE
	}
}

// Allocate adapts Client to the ice.TurnAllocator signature, so it can be
// passed directly to Agent.SetTurnServer. A fresh Client is created per base,
// since a TURN allocation is tied to the 5-tuple of a single local socket.
// The returned ice.TurnPeerBinder lets the ICE agent install a permission and
// channel binding for the remote peer once it is known from a selected
// candidate pair.
func Allocate(ctx context.Context, base *ice.Base, server, username, password string) (ice.TransportAddress, ice.TurnPeerBinder, error) {
	c := NewClient(server, username, password)
	relayed, err := c.Allocate(ctx, base)
	if err != nil {
		return ice.TransportAddress{}, nil, err
	}
	return relayed, &peerBinder{client: c, base: base}, nil
}

// peerBinder adapts a Client's per-peer methods to ice.TurnPeerBinder,
// closing over the base and server address a particular allocation was made
// on.
type peerBinder struct {
	client *Client
	base   *ice.Base
}

func (b *peerBinder) CreatePermission(ctx context.Context, peer *net.UDPAddr) error {
	return b.client.CreatePermission(ctx, b.base, b.client.serverAddr, peer)
}

func (b *peerBinder) BindChannel(ctx context.Context, peer *net.UDPAddr) (uint16, error) {
	return b.client.BindChannel(ctx, b.base, b.client.serverAddr, peer)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	log.Debug("turn: state -> %s", s)
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.state = StateFailed
	c.err = err
	c.mu.Unlock()
	log.Warn("turn: allocation failed: %v", err)
}

// State returns the client's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RelayedAddress returns the relayed transport address once allocation has
// succeeded.
func (c *Client) RelayedAddress() ice.TransportAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relayed
}

// Allocate performs the TURN ALLOCATE exchange over base's socket: an
// unauthenticated request to learn the server's REALM/NONCE
// [RFC5766 §10.2], followed by an authenticated request carrying
// MESSAGE-INTEGRITY keyed by MD5(username:realm:password). On success it
// starts a background refresh loop and returns the relayed transport
// address.
func (c *Client) Allocate(ctx context.Context, base *ice.Base) (ice.TransportAddress, error) {
	c.setState(StateCheckingServer)
	serverAddr, err := net.ResolveUDPAddr("udp", c.server)
	if err != nil {
		c.fail(err)
		return ice.TransportAddress{}, err
	}
	c.mu.Lock()
	c.serverAddr = serverAddr
	c.mu.Unlock()

	c.setState(StateGettingCredentials)
	resp, err := base.SendStun(ctx, c.newAllocateRequest(), serverAddr)
	if err != nil {
		c.fail(err)
		return ice.TransportAddress{}, err
	}

	if resp.Class == stun.ClassErrorResponse {
		code, reason, _ := resp.GetErrorCode()
		if code != 401 {
			err = xerrors.Errorf("turn: allocate rejected: %d %s", code, reason)
			c.fail(err)
			return ice.TransportAddress{}, err
		}
		c.mu.Lock()
		c.realm = resp.GetRealm()
		c.nonce = resp.GetNonce()
		c.mu.Unlock()
	} else if resp.Class == stun.ClassSuccessResponse {
		// Some deployments allow unauthenticated allocation; accept it.
		return c.onAllocated(ctx, base, serverAddr, resp)
	}

	c.setState(StateAllocating)
	req := c.newAllocateRequest()
	c.addLongTermAuth(req)
	resp, err = base.SendStun(ctx, req, serverAddr)
	if err != nil {
		c.fail(err)
		return ice.TransportAddress{}, err
	}
	if resp.Class == stun.ClassErrorResponse {
		code, reason, _ := resp.GetErrorCode()
		err = xerrors.Errorf("turn: allocate failed: %d %s", code, reason)
		c.fail(err)
		return ice.TransportAddress{}, err
	}

	return c.onAllocated(ctx, base, serverAddr, resp)
}

func (c *Client) onAllocated(ctx context.Context, base *ice.Base, serverAddr net.Addr, resp *stun.Message) (ice.TransportAddress, error) {
	addr := resp.GetXorRelayedAddress()
	if addr == nil {
		err := xerrors.New("turn: allocate response missing XOR-RELAYED-ADDRESS")
		c.fail(err)
		return ice.TransportAddress{}, err
	}

	relayed := ice.NewTransportAddress(addr)

	c.mu.Lock()
	c.relayed = relayed
	c.state = StateAllocated
	c.mu.Unlock()

	log.Info("turn: allocated relayed address %s; awaiting permission/channel for a peer", relayed)

	go c.refreshLoop(ctx, base, serverAddr)

	return relayed, nil
}

func (c *Client) newAllocateRequest() *stun.Message {
	req := stun.New(stun.ClassRequest, stun.MethodAllocate, "")
	req.AddRequestedTransport(stun.RequestedTransportUDP)
	req.AddLifetime(uint32(defaultAllocationLifetime / time.Second))
	return req
}

// addLongTermAuth attaches USERNAME, REALM, NONCE and a MESSAGE-INTEGRITY
// computed with the long-term credential key [RFC5389 §10.2.2].
func (c *Client) addLongTermAuth(req *stun.Message) {
	c.mu.Lock()
	realm, nonce := c.realm, c.nonce
	c.mu.Unlock()

	req.AddAttribute(stun.AttrUsername, []byte(c.username))
	req.AddAttribute(stun.AttrRealm, []byte(realm))
	req.AddAttribute(stun.AttrNonce, []byte(nonce))
	req.AddMessageIntegrityKey(longTermKey(c.username, realm, c.password))
	req.AddFingerprint()
}

func longTermKey(username, realm, password string) []byte {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%s:%s", username, realm, password)))
	return sum[:]
}

// refreshLoop periodically renews the allocation until ctx is done or a
// refresh fails outright.
func (c *Client) refreshLoop(ctx context.Context, base *ice.Base, serverAddr net.Addr) {
	// Refresh at 80% of the lifetime, leaving margin for round-trip time.
	interval := defaultAllocationLifetime * 4 / 5
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.deallocate(base, serverAddr)
			return
		case <-ticker.C:
			if err := c.refresh(ctx, base, serverAddr); err != nil {
				log.Warn("turn: refresh failed: %v", err)
				c.fail(err)
				return
			}
		}
	}
}

func (c *Client) refresh(ctx context.Context, base *ice.Base, serverAddr net.Addr) error {
	req := stun.New(stun.ClassRequest, stun.MethodRefresh, "")
	req.AddLifetime(uint32(defaultAllocationLifetime / time.Second))
	c.addLongTermAuth(req)

	resp, err := base.SendStun(ctx, req, serverAddr)
	if err != nil {
		return err
	}
	if resp.Class == stun.ClassErrorResponse {
		code, reason, _ := resp.GetErrorCode()
		return xerrors.Errorf("turn: refresh rejected: %d %s", code, reason)
	}
	log.Debug("turn: allocation refreshed")
	return nil
}

// deallocate releases the allocation by sending a Refresh with a zero
// lifetime [RFC5766 §7]. Errors are logged, not returned, since the caller is
// already tearing down.
func (c *Client) deallocate(base *ice.Base, serverAddr net.Addr) {
	req := stun.New(stun.ClassRequest, stun.MethodRefresh, "")
	req.AddLifetime(0)
	c.addLongTermAuth(req)

	if _, err := base.SendStun(context.Background(), req, serverAddr); err != nil {
		log.Debug("turn: deallocate failed: %v", err)
	}
}

// CreatePermission installs a permission for peer on the relayed allocation
// [RFC5766 §9], required before any data can be relayed to or from it.
// Permissions expire after 5 minutes and must be refreshed by calling this
// again.
func (c *Client) CreatePermission(ctx context.Context, base *ice.Base, serverAddr net.Addr, peer *net.UDPAddr) error {
	req := stun.New(stun.ClassRequest, stun.MethodCreatePermission, "")
	req.SetXorPeerAddress(peer)
	c.addLongTermAuth(req)

	resp, err := base.SendStun(ctx, req, serverAddr)
	if err != nil {
		return err
	}
	if resp.Class == stun.ClassErrorResponse {
		code, reason, _ := resp.GetErrorCode()
		return xerrors.Errorf("turn: create permission rejected: %d %s", code, reason)
	}

	c.mu.Lock()
	c.permissions[peer.IP.String()] = time.Now().Add(5 * time.Minute)
	c.mu.Unlock()
	return nil
}

// BindChannel establishes a channel binding to peer [RFC5766 §11], which
// lets subsequent data be relayed with a 4-byte ChannelData header instead of
// Send/Data indications. Returns the bound channel number.
func (c *Client) BindChannel(ctx context.Context, base *ice.Base, serverAddr net.Addr, peer *net.UDPAddr) (uint16, error) {
	c.mu.Lock()
	if ch, ok := c.channels[peer.String()]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	channel := c.nextChannel
	c.nextChannel++
	c.mu.Unlock()

	req := stun.New(stun.ClassRequest, stun.MethodChannelBind, "")
	req.SetXorPeerAddress(peer)
	req.AddChannelNumber(channel)
	c.addLongTermAuth(req)

	resp, err := base.SendStun(ctx, req, serverAddr)
	if err != nil {
		return 0, err
	}
	if resp.Class == stun.ClassErrorResponse {
		code, reason, _ := resp.GetErrorCode()
		return 0, xerrors.Errorf("turn: channel bind rejected: %d %s", code, reason)
	}

	c.recordChannelBound(peer, channel)
	return channel, nil
}

// recordChannelBound records that peer is now bound to channel, and promotes
// the client to StateReady the first time any peer completes
// create-permission + bind-channel, mirroring
// TurnConnectionStateMachine's gating on channelWithPermissionCount > 0
// [_examples/original_source/.../Ice/TurnConnectionStateMachine.c:565-580].
// Split out from BindChannel so the gating logic can be tested without a
// live TURN server round trip.
func (c *Client) recordChannelBound(peer *net.UDPAddr, channel uint16) (becameReady bool) {
	c.mu.Lock()
	c.channels[peer.String()] = channel
	c.channelWithPermissionCount++
	becameReady = c.channelWithPermissionCount == 1 && c.state != StateReady
	if becameReady {
		c.state = StateReady
	}
	c.mu.Unlock()
	if becameReady {
		log.Info("turn: ready (peer %s bound to channel 0x%x)", peer, channel)
	}
	return becameReady
}
