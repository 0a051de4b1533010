package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortInPriorityOrder(t *testing.T) {
	var cl Checklist
	cl.iAmControlling = true

	// Three candidate pairs, each with different addresses, initially *not* in
	// priority order (100, 99, 101).
	pairs := []*CandidatePair{
		newCandidatePair(1, cand(100, "1.1.1.1", 1000), cand(100, "1.1.1.1", 1001)),
		newCandidatePair(2, cand(99, "2.2.2.2", 2000), cand(99, "2.2.2.2", 2001)),
		newCandidatePair(3, cand(101, "3.3.3.3", 3000), cand(101, "3.3.3.3", 3001)),
	}

	pairs = cl.sortAndPrune(pairs)
	assert.Len(t, pairs, 3)

	// After sorting, the highest priority should be first.
	assert.Equal(t, uint32(101), pairs[0].local.priority)
	assert.Equal(t, uint32(100), pairs[1].local.priority)
	assert.Equal(t, uint32(99), pairs[2].local.priority)
}

func TestPruneRedundant(t *testing.T) {
	var cl Checklist
	cl.iAmControlling = true

	// Host candidate and server-reflexive candidate with the same base.
	hostCand := cand(100, "1.1.1.1", 1000)
	hostCand.base = &Base{address: hostCand.address}
	srflxCand := cand(99, "1.2.3.4", 1234)
	srflxCand.base = hostCand.base

	// Two candidate pairs with the same local base and same remote address,
	// but different priorities.
	pairs := []*CandidatePair{
		newCandidatePair(1, hostCand, cand(100, "5.5.5.5", 5555)),
		newCandidatePair(2, srflxCand, cand(99, "5.5.5.5", 5555)),
	}

	pairs = cl.sortAndPrune(pairs)
	assert.Len(t, pairs, 1)
	assert.Equal(t, uint32(100), pairs[0].local.priority)
}

func TestPruneSkipsInProgress(t *testing.T) {
	var cl Checklist
	cl.iAmControlling = true

	hostCand := cand(100, "1.1.1.1", 1000)
	hostCand.base = &Base{address: hostCand.address}
	srflxCand := cand(99, "1.2.3.4", 1234)
	srflxCand.base = hostCand.base

	// Two redundant candidate pairs, but the lower priority one is in-progress.
	pairs := []*CandidatePair{
		newCandidatePair(1, hostCand, cand(100, "5.5.5.5", 5555)),
		newCandidatePair(2, srflxCand, cand(99, "5.5.5.5", 5555)),
	}
	pairs[1].state = InProgress

	pairs = cl.sortAndPrune(pairs)
	assert.Len(t, pairs, 2)
}

// cand returns a Candidate with a specified priority and IP address. Not all
// Candidate fields are populated.
func cand(priority uint32, ip string, port int) Candidate {
	c := Candidate{component: 1}
	c.priority = priority
	c.address.protocol = "udp"
	c.address.ip = ip
	c.address.port = port
	c.address.family = 4
	return c
}
