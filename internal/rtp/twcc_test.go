package rtp

import (
	"testing"

	"github.com/lanikai/alohartc/internal/packet"
)

// TestTWCCFeedbackParsing builds a minimal hand-constructed TWCC feedback
// body (one run-length chunk, three received packets with small deltas) and
// checks the reconstructed per-packet statuses.
func TestTWCCFeedbackParsing(t *testing.T) {
	w := packet.NewWriterSize(64)
	w.WriteUint32(0x11111111) // sender SSRC
	w.WriteUint32(0x22222222) // source SSRC
	w.WriteUint16(1000)       // base sequence
	w.WriteUint16(3)          // packet count
	w.WriteUint24(0)          // reference time
	w.WriteByte(5)            // feedback packet count
	w.WriteUint16(0x2003)     // run-length chunk: symbol=received-small-delta, length=3
	w.WriteByte(4)
	w.WriteByte(8)
	w.WriteByte(12)

	var msg twccFeedbackMessage
	r := packet.NewReader(w.Bytes())
	if err := msg.readFrom(r, &rtcpHeader{}); err != nil {
		t.Fatal(err)
	}

	if msg.baseSequence != 1000 {
		t.Errorf("baseSequence = %d, want 1000", msg.baseSequence)
	}
	if len(msg.statuses) != 3 {
		t.Fatalf("got %d statuses, want 3", len(msg.statuses))
	}

	wantDeltas := []int16{4, 8, 12}
	for i, st := range msg.statuses {
		if st.sequence != 1000+uint16(i) {
			t.Errorf("status %d sequence = %d, want %d", i, st.sequence, 1000+i)
		}
		if !st.received {
			t.Errorf("status %d should be received", i)
		}
		if st.delta != wantDeltas[i] {
			t.Errorf("status %d delta = %d, want %d", i, st.delta, wantDeltas[i])
		}
	}
}

// TestConvertTWCCStatuses covers the Stream.OnTWCC conversion from internal
// 250us-tick deltas to time.Duration, including unreceived packets.
func TestConvertTWCCStatuses(t *testing.T) {
	in := []twccPacketStatus{
		{sequence: 1000, received: true, delta: 4},
		{sequence: 1001, received: false, delta: twccDeltaUnreceived},
	}
	out := convertTWCCStatuses(in)
	if len(out) != 2 {
		t.Fatalf("got %d statuses, want 2", len(out))
	}
	if out[0].Sequence != 1000 || !out[0].Received || out[0].Delta != 4*twccDeltaUnit {
		t.Errorf("status 0 = %+v", out[0])
	}
	if out[1].Sequence != 1001 || out[1].Received {
		t.Errorf("status 1 = %+v", out[1])
	}
}
