package mux

import "testing"

// expectedKind mirrors the range table in match.go / spec §4.4, derived
// directly from the first-byte conditions (not from Demux itself), so the
// test can't pass by tautology.
func expectedKind(b byte) Kind {
	switch {
	case b < 2:
		return KindSTUN
	case b > 19 && b < 64:
		return KindDTLS
	case b > 127 && b < 192:
		return KindSRTP // second-byte RTCP split is tested separately
	default:
		return KindDrop
	}
}

// TestDemuxTable covers testable property 8 (§8): for every first-byte
// value 0..255, Demux selects at most one of {STUN, DTLS, SRTP, drop}, and
// the selection matches the ranges in §4.4.
func TestDemuxTable(t *testing.T) {
	for i := 0; i <= 255; i++ {
		b := byte(i)
		buf := []byte{b, 0x00} // second byte 0x00 is never an RTCP packet type

		want := expectedKind(b)
		got := Demux(buf)
		if want == KindSRTP && got == KindSRTCP {
			// Both are valid RTP/RTCP-range classifications; the exact
			// split is covered by TestDemuxSRTPvsSRTCP below.
			continue
		}
		if got != want {
			t.Errorf("Demux(%d, 0x00) = %s, want %s", b, got, want)
		}

		// Exactly one of the four Match* predicates (or none, for drop)
		// may report true for a given first byte.
		matches := 0
		for _, m := range []MatchFunc{MatchSTUN, MatchDTLS, MatchSRTP, MatchSRTCP} {
			if m(buf) {
				matches++
			}
		}
		if matches > 1 {
			t.Errorf("first byte %d matched %d demux predicates, want at most 1", b, matches)
		}
	}
}

// TestDemuxSRTPvsSRTCP checks the second-byte split within the RTP/RTCP
// first-byte range (128..191): RTCP packet types occupy [192, 223] in the
// second byte.
func TestDemuxSRTPvsSRTCP(t *testing.T) {
	cases := []struct {
		second byte
		want   Kind
	}{
		{0, KindSRTP},
		{191, KindSRTP},
		{192, KindSRTCP},
		{223, KindSRTCP},
		{224, KindSRTP},
		{255, KindSRTP},
	}
	for _, c := range cases {
		buf := []byte{128, c.second}
		if got := Demux(buf); got != c.want {
			t.Errorf("Demux(128, %d) = %s, want %s", c.second, got, c.want)
		}
	}
}

func TestMatchSTUNBoundary(t *testing.T) {
	if !MatchSTUN([]byte{0, 0}) {
		t.Error("byte 0 should match STUN")
	}
	if !MatchSTUN([]byte{1, 0}) {
		t.Error("byte 1 should match STUN")
	}
	if MatchSTUN([]byte{2, 0}) {
		t.Error("byte 2 should not match STUN (spec §4.4: first byte < 2)")
	}
}
