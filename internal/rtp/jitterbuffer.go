package rtp

import "sync"

// jbPacket is a single RTP packet retained by a jitterBuffer, decoupled from
// the network buffer it arrived in since the jitter buffer may hold it for
// up to maxLatency.
type jbPacket struct {
	sequence  uint16
	timestamp uint32
	start     bool // start-of-frame marker
	payload   []byte
}

// jitterBuffer reassembles a per-SSRC RTP stream into complete frames,
// tolerating reordering and bounded jitter. Packets are retained only while
// their RTP timestamp falls inside [lastPushTimestamp-maxLatency,
// lastPushTimestamp]; older arrivals are dropped outright. A run of packets
// sharing one RTP timestamp is popped as soon as either a later, distinct
// timestamp establishes its upper bound or the run has aged out of the
// latency window; only boundary-bounded, contiguous, marker-started runs
// are delivered as frames, everything else is reported as dropped.
type jitterBuffer struct {
	mu sync.Mutex

	clockRate int
	// maxLatency bounds how long a packet may be retained, expressed in
	// clock-rate ticks (e.g. 2s at a 90kHz clock rate is 180000).
	maxLatency uint32

	packets map[uint16]*jbPacket

	hasFirst                 bool
	lastPushTimestamp        uint32
	lastPopTimestamp         uint32
	lastRemovedSequenceNumber uint16

	closed bool

	discarded uint64

	// onFrameReady receives the packets making up a complete, ordered frame.
	onFrameReady func(pkts []*jbPacket)
	// onFrameDropped reports a run that aged out (or was flushed) without
	// satisfying the completeness invariant.
	onFrameDropped func(pkts []*jbPacket, reason string)
}

func newJitterBuffer(clockRate int, maxLatency uint32) *jitterBuffer {
	return &jitterBuffer{
		clockRate:  clockRate,
		maxLatency: maxLatency,
		packets:    make(map[uint16]*jbPacket),
	}
}

// push inserts a received packet and then attempts to emit or drop any
// runs that have become resolvable.
func (jb *jitterBuffer) push(seq uint16, ts uint32, start bool, payload []byte) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if !jb.hasFirst {
		jb.hasFirst = true
		jb.lastRemovedSequenceNumber = seq - 1
		jb.lastPushTimestamp = ts
	} else if int32(ts-jb.lastPushTimestamp) > 0 {
		jb.lastPushTimestamp = ts
	}

	if int16(seq-jb.lastRemovedSequenceNumber) <= 0 {
		// The walk has already passed this sequence number.
		jb.discarded++
		return
	}
	if jb.maxLatency > 0 && int32(jb.lastPushTimestamp-ts) > int32(jb.maxLatency) {
		jb.discarded++
		return
	}

	jb.packets[seq] = &jbPacket{sequence: seq, timestamp: ts, start: start, payload: payload}
	jb.drain()
}

// Close flushes any remaining runs, treating them as aged out.
func (jb *jitterBuffer) Close() {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.closed = true
	jb.drain()
}

// drain walks forward from lastRemovedSequenceNumber+1, resolving every run
// that has become ready. Must be called with jb.mu held.
func (jb *jitterBuffer) drain() {
	for {
		start := jb.lastRemovedSequenceNumber + 1
		first, ok := jb.packets[start]
		if !ok {
			// start has not arrived. Once the buffer is closed or a retained
			// packet has aged out, count start as lost and walk past it.
			lost := false
			for _, p := range jb.packets {
				if jb.closed || (jb.maxLatency > 0 && int32(jb.lastPushTimestamp-p.timestamp) >= int32(jb.maxLatency)) {
					lost = true
					break
				}
			}
			if !lost {
				return
			}
			jb.lastRemovedSequenceNumber = start
			continue
		}
		ts := first.timestamp

		var run []*jbPacket
		s := start
		for {
			p, ok := jb.packets[s]
			if !ok || p.timestamp != ts {
				break
			}
			run = append(run, p)
			s++
		}

		next, haveNext := jb.packets[s]
		boundaryKnown := haveNext && next.timestamp != ts

		agedOut := jb.maxLatency > 0 && int32(jb.lastPushTimestamp-ts) >= int32(jb.maxLatency)
		ready := boundaryKnown || jb.closed || agedOut
		if !ready {
			return
		}

		complete := boundaryKnown && run[0].start
		if complete {
			if jb.onFrameReady != nil {
				jb.onFrameReady(run)
			}
		} else {
			reason := "incomplete run"
			if !run[0].start {
				reason = "no start-of-frame marker"
			}
			if jb.onFrameDropped != nil {
				jb.onFrameDropped(run, reason)
			}
		}

		for _, p := range run {
			delete(jb.packets, p.sequence)
		}
		jb.lastPopTimestamp = ts
		jb.lastRemovedSequenceNumber = s - 1
	}
}
