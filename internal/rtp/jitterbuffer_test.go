package rtp

import "testing"

// TestJitterBufferOutOfOrderFrame covers concrete scenario S3: pushing
// packets out of order within one timestamp group must still emit exactly
// one frame-ready, in sequence order, once a later timestamp establishes the
// group's boundary.
func TestJitterBufferOutOfOrderFrame(t *testing.T) {
	jb := newJitterBuffer(90000, 180000)

	var ready [][]uint16
	jb.onFrameReady = func(pkts []*jbPacket) {
		var seqs []uint16
		for _, p := range pkts {
			seqs = append(seqs, p.sequence)
		}
		ready = append(ready, seqs)
	}
	var dropped int
	jb.onFrameDropped = func(pkts []*jbPacket, reason string) {
		dropped++
	}

	jb.push(100, 9000, true, []byte("a"))
	jb.push(102, 9000, false, []byte("c"))
	if len(ready) != 0 || dropped != 0 {
		t.Fatalf("no frame should resolve before the timestamp boundary is known: ready=%v dropped=%d", ready, dropped)
	}

	jb.push(101, 9000, false, []byte("b"))
	if len(ready) != 0 || dropped != 0 {
		t.Fatalf("still no frame should resolve: ready=%v dropped=%d", ready, dropped)
	}

	jb.push(103, 18000, true, []byte("d"))
	if len(ready) != 1 {
		t.Fatalf("expected exactly one frame-ready, got %d: %v", len(ready), ready)
	}
	if got, want := ready[0], ([]uint16{100, 101, 102}); !equalSeqs(got, want) {
		t.Errorf("frame = %v, want %v", got, want)
	}
	if dropped != 0 {
		t.Errorf("unexpected dropped frame count: %d", dropped)
	}
}

// TestJitterBufferDropsIncompleteRun covers the jitter buffer's completeness
// invariant: a run that ages out without a start-of-frame marker (or without
// its upper boundary becoming known) is reported dropped, never delivered.
func TestJitterBufferDropsIncompleteRun(t *testing.T) {
	jb := newJitterBuffer(90000, 180000)

	var dropped []string
	jb.onFrameDropped = func(pkts []*jbPacket, reason string) {
		dropped = append(dropped, reason)
	}
	jb.onFrameReady = func(pkts []*jbPacket) {
		t.Fatalf("no frame should be considered complete: %v", pkts)
	}

	jb.push(200, 9000, false, []byte("x")) // no start-of-frame marker
	// Advance the clock far enough to age the run out of the latency window.
	jb.push(201, 9000+180000, true, []byte("y"))

	if len(dropped) != 1 {
		t.Fatalf("expected exactly one dropped run, got %d: %v", len(dropped), dropped)
	}
}

func equalSeqs(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
