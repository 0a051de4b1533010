package ice

import (
	"fmt"
	"net"

	"github.com/lanikai/alohartc/internal/stun"
)

type CandidatePair struct {
	id         string
	local      Candidate
	remote     Candidate
	foundation string
	component  int

	state     CandidatePairState
	nominated bool
}

// Candidate pair states
type CandidatePairState int

const (
	Frozen     CandidatePairState = 0
	Waiting                       = 1
	InProgress                    = 2
	Succeeded                     = 3
	Failed                        = 4
)

func newCandidatePair(seq int, local, remote Candidate) *CandidatePair {
	if local.component != remote.component {
		panic(fmt.Sprintf("Candidates in pair have different components: %d != %d", local.component, remote.component))
	}
	id := fmt.Sprintf("Pair#%d", seq)
	foundation := fmt.Sprintf("%s/%s", local.foundation, remote.foundation)
	return &CandidatePair{id: id, local: local, remote: remote, foundation: foundation, component: local.component}
}

func (p *CandidatePair) String() string {
	var state string
	switch p.state {
	case Frozen:
		state = "Frozen"
	case Waiting:
		state = "Waiting"
	case InProgress:
		state = "In Progress"
	case Succeeded:
		state = "Succeeded"
	case Failed:
		state = "Failed"
	}
	return fmt.Sprintf("%s: %s -> %s [%s]", p.id, p.local.address, p.remote.address, state)
}

// Priority computes the pair priority per [RFC8445 §6.1.2.3]:
//
//	pair priority = 2^32*MIN(G,D) + 2*MAX(G,D) + (G>D ? 1 : 0)
//
// where G is the priority of the controlling agent's candidate and D is the
// priority of the controlled agent's candidate.
func (p *CandidatePair) Priority(iAmControlling bool) uint64 {
	var g, d uint64
	if iAmControlling {
		g, d = uint64(p.local.priority), uint64(p.remote.priority)
	} else {
		g, d = uint64(p.remote.priority), uint64(p.local.priority)
	}
	var b uint64
	if g > d {
		b = 1
	}
	return min(g, d)<<32 + max(g, d)<<1 + b
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// sendStun sends a STUN message from the pair's local base to its remote
// address, optionally registering a response handler.
func (p *CandidatePair) sendStun(msg *stun.Message, handler stunHandler) error {
	raddr := p.remote.address.netAddr()
	return p.local.base.sendStun(msg, raddr, handler)
}
