package ice

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lanikai/alohartc/internal/stun"
)

// RFC 8445: https://tools.ietf.org/html/rfc8445
//
// Agent implements a Full ICE agent for a single component of a single data
// stream. It supports both the controlling and controlled roles.
type Agent struct {
	mid            string
	username       string
	localPassword  string
	remotePassword string

	iAmControlling bool
	tiebreaker     uint64

	// Optional TURN relay configuration. When non-empty, a relayed candidate
	// is gathered from this server for every base.
	turnServer   string
	turnUsername string
	turnPassword string
	turnAllocate TurnAllocator

	stunServer string

	localCandidatesMu sync.Mutex
	localCandidates   []Candidate
	remoteCandidates  []Candidate

	// turnBinders maps a base to the binder for whatever relayed candidate
	// was gathered on it, so a selected pair using that candidate can install
	// a permission/channel binding for the remote peer.
	turnBindersMu sync.Mutex
	turnBinders   map[*Base]TurnPeerBinder

	bases []*Base

	checklist Checklist

	dataConn  *ChannelConn
	ready     chan *ChannelConn
	readyOnce sync.Once
}

// TurnAllocator abstracts the TURN client so that internal/ice does not
// import internal/turn directly (which would create an import cycle, since
// the TURN client's relayed-candidate transport address is itself derived
// from an ICE base). See internal/turn.Client.Allocate.
type TurnAllocator func(ctx context.Context, base *Base, server, username, password string) (relayed TransportAddress, binder TurnPeerBinder, err error)

// TurnPeerBinder installs a permission and channel binding for a single peer
// on a TURN allocation, once that peer's address is known from a selected
// candidate pair. See internal/turn.Client.CreatePermission/BindChannel.
type TurnPeerBinder interface {
	CreatePermission(ctx context.Context, peer *net.UDPAddr) error
	BindChannel(ctx context.Context, peer *net.UDPAddr) (uint16, error)
}

// NewAgent creates an unconfigured ICE agent. Call Configure before
// EstablishConnection.
func NewAgent() *Agent {
	return &Agent{
		ready: make(chan *ChannelConn, 1),
	}
}

// Configure sets the ICE credentials and role for this agent. username is
// the combined "remoteUfrag:localUfrag" string expected in STUN USERNAME
// attributes on incoming requests.
func (a *Agent) Configure(mid, username, localPassword, remotePassword string, iAmControlling bool) {
	a.mid = mid
	a.username = username
	a.localPassword = localPassword
	a.remotePassword = remotePassword
	a.iAmControlling = iAmControlling
	a.tiebreaker = randomTiebreaker()

	a.checklist.mid = mid
	a.checklist.username = username
	a.checklist.localPassword = localPassword
	a.checklist.remotePassword = remotePassword
	a.checklist.iAmControlling = iAmControlling
	a.checklist.tiebreaker = a.tiebreaker
}

func randomTiebreaker() uint64 {
	var b [8]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// SetStunServer configures the STUN server used to gather server-reflexive
// candidates.
func (a *Agent) SetStunServer(server string) {
	a.stunServer = server
}

// SetTurnServer configures a TURN server and the allocator callback used to
// gather relayed candidates.
func (a *Agent) SetTurnServer(server, username, password string, allocate TurnAllocator) {
	a.turnServer = server
	a.turnUsername = username
	a.turnPassword = password
	a.turnAllocate = allocate
}

// EstablishConnection gathers local candidates, trickling them to lcand, and
// runs connectivity checks until a pair is selected or ctx is done. On
// success, returns a net.Conn object from which data can be read/written.
func (a *Agent) EstablishConnection(ctx context.Context, lcand chan<- Candidate) (net.Conn, error) {
	if a.username == "" {
		return nil, errNotConfigured
	}

	component := 1

	bases, err := initializeBases(component)
	if err != nil {
		return nil, err
	}
	if len(bases) == 0 {
		return nil, errNoCandidates
	}
	a.bases = bases

	go a.gatherLocalCandidates(ctx, bases, lcand)

	for _, base := range bases {
		go a.loop(ctx, base)
	}

	go a.checklist.run(ctx)

	select {
	case conn := <-a.ready:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		return nil, errConnectTimeout
	}
}

// AddRemoteCandidate adds a candidate learned from the remote peer (via
// trickle ICE or the initial offer/answer) and pairs it against all known
// local candidates.
func (a *Agent) AddRemoteCandidate(desc, mid string) error {
	if desc == "" {
		// End-of-candidates marker; nothing to do.
		return nil
	}

	c := Candidate{mid: mid}
	if err := parseCandidateSDP(desc, &c); err != nil {
		return err
	}

	a.localCandidatesMu.Lock()
	a.remoteCandidates = append(a.remoteCandidates, c)
	locals := append([]Candidate(nil), a.localCandidates...)
	a.localCandidatesMu.Unlock()

	a.checklist.addCandidatePairs(locals, []Candidate{c})
	return nil
}

func (a *Agent) addLocalCandidate(c Candidate, lcand chan<- Candidate) {
	a.localCandidatesMu.Lock()
	a.localCandidates = append(a.localCandidates, c)
	remotes := append([]Candidate(nil), a.remoteCandidates...)
	a.localCandidatesMu.Unlock()

	a.checklist.addCandidatePairs([]Candidate{c}, remotes)
	lcand <- c
}

// Gather local candidates: host, server-reflexive (if a STUN server is
// configured), and relayed (if a TURN server is configured). Candidates are
// pushed to lcand as they become known, then lcand is closed.
func (a *Agent) gatherLocalCandidates(ctx context.Context, bases []*Base, lcand chan<- Candidate) {
	var wg sync.WaitGroup
	for _, base := range bases {
		wg.Add(1)
		go func(base *Base) {
			defer wg.Done()

			hc := makeHostCandidate(a.mid, base)
			a.addLocalCandidate(hc, lcand)

			if base.address.protocol != UDP || base.address.linkLocal {
				return
			}

			if a.stunServer != "" {
				mapped, err := base.queryStunServer(ctx, a.stunServer)
				if err != nil {
					log.Debug("Failed to gather srflx candidate for base %s: %s\n", base.address, err)
				} else if mapped != base.address {
					sc := makeServerReflexiveCandidate(a.mid, mapped, base, a.stunServer)
					a.addLocalCandidate(sc, lcand)
				}
			}

			if a.turnServer != "" && a.turnAllocate != nil {
				relayed, binder, err := a.turnAllocate(ctx, base, a.turnServer, a.turnUsername, a.turnPassword)
				if err != nil {
					log.Debug("Failed to gather relayed candidate for base %s: %s\n", base.address, err)
				} else {
					a.turnBindersMu.Lock()
					if a.turnBinders == nil {
						a.turnBinders = make(map[*Base]TurnPeerBinder)
					}
					a.turnBinders[base] = binder
					a.turnBindersMu.Unlock()

					rc := makeRelayedCandidate(a.mid, relayed, base, a.turnServer)
					a.addLocalCandidate(rc, lcand)
				}
			}
		}(base)
	}

	wg.Wait()
	close(lcand)
}

func (a *Agent) loop(ctx context.Context, base *Base) {
	dataIn := make(chan []byte, 64)
	go base.readLoop(a.handleStun, dataIn)

	lid, stateCh := a.checklist.addListener()
	defer a.checklist.removeListener(lid)

	for {
		select {
		case <-ctx.Done():
			return

		case state := <-stateCh:
			switch state {
			case checklistCompleted:
				if a.dataConn == nil {
					a.readyOnce.Do(func() {
						p := a.checklist.selected
						log.Info("Selected candidate pair: %s", p)
						a.bindTurnPeer(ctx, p)
						a.dataConn = createDataConn(ctx, p, dataIn)
						a.ready <- a.dataConn
					})
				}
			case checklistDisconnected:
				log.Warn("ICE connection disconnected for %s; awaiting recovery\n", a.mid)
			case checklistFailed:
				log.Error("Failed to connect to remote peer for %s\n", a.mid)
			}
		}
	}
}

func (a *Agent) handleStun(msg *stun.Message, raddr net.Addr, base *Base) {
	if msg.Method != stun.MethodBinding {
		log.Warn("Unexpected STUN message: %s", msg)
		return
	}

	switch msg.Class {
	case stun.ClassRequest:
		a.checklist.handleStunRequest(msg, raddr, base)
	case stun.ClassIndication:
		// Keepalive indication; no response required, but if it came from
		// the selected pair's remote address treat it as liveness.
		if p := a.checklist.selected; p != nil && p.remote.address == makeTransportAddress(raddr) {
			a.checklist.onKeepaliveResponse()
		}
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		log.Debug("Received unexpected STUN response: %s\n", msg)
	}
}

// bindTurnPeer installs a TURN permission and channel binding for the remote
// peer of a selected pair, if the local side of that pair is a relayed
// candidate. This is what lets a relay server actually forward data: without
// it, ALLOCATE alone leaves the server with nowhere to send inbound traffic.
func (a *Agent) bindTurnPeer(ctx context.Context, p *CandidatePair) {
	if p.local.typ != relayType {
		return
	}

	a.turnBindersMu.Lock()
	binder := a.turnBinders[p.local.base]
	a.turnBindersMu.Unlock()
	if binder == nil {
		log.Warn("No TURN binder registered for relayed base %s\n", p.local.base.address)
		return
	}

	peer, ok := p.remote.address.netAddr().(*net.UDPAddr)
	if !ok {
		log.Warn("Relayed candidate pair has non-UDP remote address %s\n", p.remote.address)
		return
	}

	if err := binder.CreatePermission(ctx, peer); err != nil {
		log.Warn("Failed to create TURN permission for %s: %s\n", peer, err)
		return
	}
	if _, err := binder.BindChannel(ctx, peer); err != nil {
		log.Warn("Failed to bind TURN channel for %s: %s\n", peer, err)
	}
}

func createDataConn(ctx context.Context, p *CandidatePair, dataIn chan []byte) *ChannelConn {
	base := p.local.base
	remoteAddr := p.remote.address.netAddr()
	return newChannelConn(ctx, base, dataIn, nil, remoteAddr)
}

// Candidates returns the gathered local candidates, for SDP construction.
func (a *Agent) Candidates() []Candidate {
	a.localCandidatesMu.Lock()
	defer a.localCandidatesMu.Unlock()
	return append([]Candidate(nil), a.localCandidates...)
}

func (a *Agent) String() string {
	return fmt.Sprintf("Agent(mid=%s)", a.mid)
}
