package rtp

import "testing"

// TestRollingBufferNACKCoverage covers testable property 6 and concrete
// scenario S4: after sending sequence 7000..7010, a NACK with PID=7003,
// BLP=0x0005 (bits 0 and 2 set -> 7004 and 7006) must retrieve exactly
// {7003, 7004, 7006}, in that order. The PID/BLP expansion itself is
// nackFeedbackMessage.getLostPackets, the same one stream.go's retransmit
// consumes.
func TestRollingBufferNACKCoverage(t *testing.T) {
	rb := newRollingBuffer(64)
	var index uint64
	for seq := uint16(7000); seq <= 7010; seq++ {
		rb.insert(index, seq, 96, false, uint32(seq)*10, []byte{byte(seq)})
		index++
	}

	nack := &nackFeedbackMessage{pid: 7003, blp: 0x0005}
	lost := nack.getLostPackets()

	var got []uint16
	for _, seq := range lost {
		e, ok := rb.lookup(seq)
		if !ok {
			t.Fatalf("lookup(%d): not found", seq)
		}
		got = append(got, e.sequence)
	}

	want := []uint16{7003, 7004, 7006}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// TestRollingBufferAgesOutOldEntries covers the ring's capacity bound:
// once more than capacity packets have been sent, sequence numbers older
// than the retained window are no longer resolvable.
func TestRollingBufferAgesOutOldEntries(t *testing.T) {
	rb := newRollingBuffer(4)
	for i, seq := uint64(0), uint16(1000); i < 10; i, seq = i+1, seq+1 {
		rb.insert(i, seq, 96, false, 0, nil)
	}

	if _, ok := rb.lookup(1000); ok {
		t.Error("sequence 1000 should have aged out of a 4-entry ring after 10 sends")
	}
	if e, ok := rb.lookup(1009); !ok || e.sequence != 1009 {
		t.Error("most recently sent sequence should still be retrievable")
	}
}
