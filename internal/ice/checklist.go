package ice

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/lanikai/alohartc/internal/stun"
)

// Checklist implements the RFC8445 connectivity-check state machine for a
// single component of a single data stream.
type Checklist struct {
	mid string

	state checklistState

	// Checklist state listeners, each with a unique id.
	listeners      map[int]chan checklistState
	nextListenerID int

	// ICE credentials.
	username       string
	localPassword  string
	remotePassword string

	// iAmControlling is true if this agent is the ICE controlling agent
	// (the answerer's perspective in this client's signaling model).
	iAmControlling bool
	tiebreaker     uint64

	// ID for next candidate pair to be added
	nextPairID int

	pairs []*CandidatePair

	triggeredQueue []*CandidatePair

	// Valid list
	valid []*CandidatePair

	// Selected candidate pair
	selected *CandidatePair

	// Number of consecutive keepalive intervals with no response on the
	// selected pair. Used to detect RFC8445 §8 "Disconnection" and recover.
	missedKeepalives int

	// Mutex to prevent reading from pairs while they're being modified.
	mutex sync.Mutex

	// Index of the next candidate pair to be checked
	nextToCheck int
}

type checklistState int

const (
	checklistRunning      checklistState = 0
	checklistCompleted    checklistState = 1
	checklistFailed       checklistState = 2
	checklistDisconnected checklistState = 3
)

// maxMissedKeepalives bounds how many unanswered keepalives are tolerated
// before a selected pair is considered disconnected [RFC8445 §8].
const maxMissedKeepalives = 3

// Pair up local candidates with remote candidates, and add them to the checklist. Then re-sort and
// re-prune, and unfreeze top candidate pairs.
func (cl *Checklist) addCandidatePairs(locals, remotes []Candidate) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	for _, local := range locals {
		for _, remote := range remotes {
			if canBePaired(local, remote) {
				p := newCandidatePair(cl.nextPairID, local, remote)
				cl.nextPairID++
				log.Debug("Adding candidate pair %s", p)
				cl.pairs = append(cl.pairs, p)
			}
		}
	}

	cl.pairs = cl.sortAndPrune(cl.pairs)

	for _, p := range cl.pairs {
		if p.state == Frozen {
			p.state = Waiting
		}
	}
}

// Only pair candidates for the same component. Their transport addresses must be compatible.
func canBePaired(local, remote Candidate) bool {
	return local.component == remote.component &&
		local.address.protocol == remote.address.protocol &&
		local.address.family == remote.address.family
}

// sortAndPrune sorts the candidate pairs from highest to lowest priority, then
// prunes any redundant pairs.
func (cl *Checklist) sortAndPrune(pairs []*CandidatePair) []*CandidatePair {
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].Priority(cl.iAmControlling) > pairs[j].Priority(cl.iAmControlling)
	})

	for i := 0; i < len(pairs); i++ {
		p := pairs[i]
		switch p.state {
		case InProgress, Succeeded, Failed:
			continue
		}
		for j := 0; j < i; j++ {
			if isRedundant(p, pairs[j]) {
				log.Debug("Pruning %s in favor of %s", p.id, pairs[j].id)
				pairs = append(pairs[:i], pairs[i+1:]...)
				i--
				break
			}
		}
	}

	return pairs
}

// [RFC8445 §6.1.2.4] Two candidate pairs are redundant if they have the same
// remote candidate and same local base.
func isRedundant(p1, p2 *CandidatePair) bool {
	return p1.remote.address == p2.remote.address && p1.local.base.address == p2.local.base.address
}

func (cl *Checklist) run(ctx context.Context) {
	lid, stateCh := cl.addListener()
	defer cl.removeListener(lid)

	// Timer for periodic connectivity checks. This is stopped once a
	// candidate pair has been selected.
	Ta := time.NewTicker(50 * time.Millisecond)
	defer Ta.Stop()

	// Timer for keepalives.
	Tr := time.NewTicker(15 * time.Second)
	defer Tr.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case newState := <-stateCh:
			log.Debug("Checklist state: %d", newState)
			if newState == checklistCompleted {
				Ta.Stop()
			}

		case <-Ta.C:
			if cl.state != checklistRunning {
				continue
			}
			if p := cl.nextPair(); p != nil {
				log.Debug("Next candidate pair to check: %s\n", p)
				if err := cl.sendCheck(p); err != nil {
					log.Warn("Failed to send connectivity check: %s", err)
				}
			}

		case <-Tr.C:
			cl.sendKeepalive()
		}
	}
}

func (cl *Checklist) sendKeepalive() {
	cl.mutex.Lock()
	p := cl.selected
	cl.mutex.Unlock()
	if p == nil {
		return
	}

	// [RFC8445 §11] Send STUN binding indication to the selected pair.
	if err := p.sendStun(stun.NewBindingIndication(), nil); err != nil {
		log.Warn("keepalive to %s failed: %v", p, err)
	}

	cl.mutex.Lock()
	cl.missedKeepalives++
	missed := cl.missedKeepalives
	cl.mutex.Unlock()

	if missed >= maxMissedKeepalives {
		cl.mutex.Lock()
		if cl.state == checklistCompleted {
			cl.state = checklistDisconnected
		}
		cl.mutex.Unlock()
		cl.notify()
	}
}

// onKeepaliveResponse resets the missed-keepalive counter and, if the
// checklist had been marked disconnected, restores it to completed
// [RFC8445 §8].
func (cl *Checklist) onKeepaliveResponse() {
	cl.mutex.Lock()
	cl.missedKeepalives = 0
	recovered := cl.state == checklistDisconnected
	if recovered {
		cl.state = checklistCompleted
	}
	cl.mutex.Unlock()
	if recovered {
		cl.notify()
	}
}

func (cl *Checklist) getSelected(ctx context.Context) (*CandidatePair, error) {
	lid, stateCh := cl.addListener()
	defer cl.removeListener(lid)

	for {
		cl.mutex.Lock()
		selected := cl.selected
		cl.mutex.Unlock()
		if selected != nil {
			return selected, nil
		}

		select {
		case <-stateCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// [RFC8445 §7.3] Respond to STUN binding request by sending a success response.
func (cl *Checklist) handleStunRequest(req *stun.Message, raddr net.Addr, base *Base) {
	p := cl.findPair(base, raddr)
	if p == nil {
		p = cl.adoptPeerReflexiveCandidate(base, raddr, req.GetPriority())
	}
	if req.HasUseCandidate() && !p.nominated {
		log.Debug("Nominating %s\n", p.id)
		cl.nominate(p)
	}

	resp := stun.NewBindingResponse(req.TransactionID, raddr, cl.localPassword)
	log.Debug("Sending response %s -> %s: %s\n", base.LocalAddr(), raddr, resp)
	if err := base.sendStun(resp, raddr, nil); err != nil {
		log.Warn("Failed to send STUN response: %s", err)
	}

	cl.triggerCheck(p)
}

// [RFC8445 §7.3.1.3-4] Create a peer reflexive candidate and pair with the base.
func (cl *Checklist) adoptPeerReflexiveCandidate(base *Base, raddr net.Addr, priority uint32) *CandidatePair {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	local := makeHostCandidate(cl.mid, base)
	remote := makePeerReflexiveCandidate(cl.mid, raddr, base, priority)
	log.Debug("New peer-reflexive %s", remote)

	p := newCandidatePair(cl.nextPairID, local, remote)
	p.state = Waiting
	cl.pairs = append(cl.pairs, p)
	cl.nextPairID++

	cl.pairs = cl.sortAndPrune(cl.pairs)
	found := cl.findPairLocked(base, raddr)
	if found != nil {
		return found
	}
	return p
}

// Return the next candidate pair to check for connectivity.
func (cl *Checklist) nextPair() *CandidatePair {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	if len(cl.triggeredQueue) > 0 {
		p := cl.triggeredQueue[0]
		cl.triggeredQueue = cl.triggeredQueue[1:]
		return p
	}

	n := len(cl.pairs)
	for i := 0; i < n; i++ {
		k := (cl.nextToCheck + i) % n
		p := cl.pairs[k]
		if p.state == Waiting {
			cl.nextToCheck = (k + 1) % n
			return p
		}
	}

	return nil
}

func (cl *Checklist) sendCheck(p *CandidatePair) error {
	return cl.sendCheckWithNomination(p, cl.iAmControlling && p.nominated)
}

func (cl *Checklist) sendCheckWithNomination(p *CandidatePair, useCandidate bool) error {
	req := stun.NewBindingRequest("")
	req.AddAttribute(stun.AttrUsername, []byte(cl.username))
	if cl.iAmControlling {
		req.AddIceControlling(cl.tiebreaker)
		if useCandidate {
			req.AddAttribute(stun.AttrUseCandidate, nil)
		}
	} else {
		req.AddIceControlled(cl.tiebreaker)
	}
	req.AddPriority(p.local.peerPriority())
	req.AddMessageIntegrity(cl.remotePassword)
	req.AddFingerprint()
	p.state = InProgress

	retransmit := time.AfterFunc(cl.rto(), func() {
		if p.state == InProgress {
			p.state = Waiting
		}
	})

	log.Debug("%s: Sending to %s from %s: %s\n", p.id, p.remote.address, p.local.address, req)
	return p.sendStun(req, func(resp *stun.Message, raddr net.Addr, base *Base) {
		retransmit.Stop()
		cl.processResponse(p, resp, raddr)
	})
}

// Compute retransmission time.
// https://tools.ietf.org/html/rfc8445#section-14.3
func (cl *Checklist) rto() time.Duration {
	cl.mutex.Lock()
	n := 0
	for _, p := range cl.pairs {
		if p.state == Waiting || p.state == InProgress {
			n++
		}
	}
	cl.mutex.Unlock()
	if n == 0 {
		n = 1
	}
	return time.Duration(n) * 50 * time.Millisecond
}

func (cl *Checklist) processResponse(p *CandidatePair, resp *stun.Message, raddr net.Addr) {
	if p.state != InProgress {
		// A late check response arriving for the already-selected pair
		// counts as liveness and recovers a disconnected state.
		if p == cl.selected {
			cl.onKeepaliveResponse()
		}
		log.Debug("Received unexpected STUN response for %s:\n%s\n", p, resp)
		return
	}

	switch resp.Class {
	case stun.ClassSuccessResponse:
		log.Debug("%s: Successful connectivity check", p.id)
		p.state = Succeeded
		cl.mutex.Lock()
		cl.valid = append(cl.valid, p)
		cl.mutex.Unlock()

		if cl.iAmControlling && !p.nominated {
			cl.nominateAsController(p)
		}
	case stun.ClassErrorResponse:
		p.state = Failed
	}

	cl.updateState()
}

// nominate marks a pair as nominated upon receipt of a peer's USE-CANDIDATE
// (controlled-agent path).
func (cl *Checklist) nominate(p *CandidatePair) {
	if p.state == Frozen {
		p.state = Waiting
	}
	p.nominated = true
	cl.updateState()
}

// nominateAsController implements the controlling agent's half of
// nomination [RFC8445 §7.2.5.3.3]: once a pair has a successful check, send
// a fresh check with USE-CANDIDATE set to nominate it.
func (cl *Checklist) nominateAsController(p *CandidatePair) {
	p.nominated = true
	if err := cl.sendCheckWithNomination(p, true); err != nil {
		log.Warn("Failed to send nominating check for %s: %v", p, err)
	}
	cl.updateState()
}

func (cl *Checklist) updateState() {
	cl.mutex.Lock()

	if cl.state != checklistRunning {
		cl.mutex.Unlock()
		return
	}

	for _, p := range cl.valid {
		if p.nominated {
			log.Info("Selected %s", p)
			cl.selected = p
			cl.state = checklistCompleted
			break
		}
	}
	cl.mutex.Unlock()

	cl.notify()
}

func (cl *Checklist) notify() {
	cl.mutex.Lock()
	state := cl.state
	cl.mutex.Unlock()

	for _, ch := range cl.listeners {
		select {
		case ch <- state:
		default:
		}
	}
}

func (cl *Checklist) addListener() (int, <-chan checklistState) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	id := cl.nextListenerID
	ch := make(chan checklistState, 1)
	if cl.listeners == nil {
		cl.listeners = make(map[int]chan checklistState)
	}
	cl.listeners[id] = ch
	cl.nextListenerID++
	return id, ch
}

func (cl *Checklist) removeListener(id int) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	delete(cl.listeners, id)
}

// findPair returns first candidate pair matching the base and remote address
func (cl *Checklist) findPair(base *Base, raddr net.Addr) *CandidatePair {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	return cl.findPairLocked(base, raddr)
}

func (cl *Checklist) findPairLocked(base *Base, raddr net.Addr) *CandidatePair {
	remoteAddress := makeTransportAddress(raddr)

	for _, p := range cl.pairs {
		if p.local.address == base.address && p.remote.address == remoteAddress {
			return p
		}
	}

	return nil
}

func (cl *Checklist) triggerCheck(p *CandidatePair) {
	if p.state == Frozen || p.state == Waiting {
		cl.mutex.Lock()
		cl.triggeredQueue = append(cl.triggeredQueue, p)
		cl.mutex.Unlock()
	}
}
