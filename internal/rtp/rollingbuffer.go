package rtp

import "sync"

// rbEntry is one packet retained by a rollingBuffer for possible
// retransmission, keyed by its monotonic 64-bit send index (ROC||SEQ).
type rbEntry struct {
	index       uint64
	sequence    uint16
	payloadType byte
	marker      bool
	timestamp   uint32
	payload     []byte
}

// rollingBuffer is a fixed-capacity ring of recently sent RTP packets,
// looked up by 16-bit sequence number to answer NACK requests even across a
// sequence-number wrap, since the ring is keyed by the monotonic 64-bit
// send index instead.
type rollingBuffer struct {
	mu       sync.Mutex
	capacity int
	entries  []rbEntry // ring, indexed by index % capacity
	lastIndex uint64
	hasAny    bool
}

func newRollingBuffer(capacity int) *rollingBuffer {
	return &rollingBuffer{
		capacity: capacity,
		entries:  make([]rbEntry, capacity),
	}
}

// insert records a just-sent packet.
func (rb *rollingBuffer) insert(index uint64, sequence uint16, payloadType byte, marker bool, timestamp uint32, payload []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	cp := append([]byte(nil), payload...)
	rb.entries[index%uint64(rb.capacity)] = rbEntry{
		index:       index,
		sequence:    sequence,
		payloadType: payloadType,
		marker:      marker,
		timestamp:   timestamp,
		payload:     cp,
	}
	rb.lastIndex = index
	rb.hasAny = true
}

// lookup resolves a 16-bit sequence number to the retained entry, if any,
// by reconstructing its most plausible 64-bit index relative to the last
// inserted packet (the sequence number that is "behind" lastIndex by the
// smallest non-negative amount modulo 2^16).
func (rb *rollingBuffer) lookup(seq uint16) (rbEntry, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if !rb.hasAny {
		return rbEntry{}, false
	}

	lastSeq := rb.entries[rb.lastIndex%uint64(rb.capacity)].sequence
	behind := lastSeq - seq // wraps correctly as uint16 subtraction
	index := rb.lastIndex - uint64(behind)

	if rb.lastIndex-index >= uint64(rb.capacity) {
		return rbEntry{}, false // aged out of the ring
	}
	e := rb.entries[index%uint64(rb.capacity)]
	if e.sequence != seq {
		return rbEntry{}, false
	}
	return e, true
}
