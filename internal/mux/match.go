package mux

// MatchFunc examines the first bytes of a datagram received on a muxed
// connection and reports whether it belongs to this endpoint.
type MatchFunc func([]byte) bool

// Demultiplexing rules per [RFC5764 §5.1.2]: a single UDP flow carries
// STUN, DTLS, and SRTP/SRTCP, distinguished by the value of the first byte
// (and, for RTP vs RTCP, the second).
//
//	  +----------------+
//	  | 127 < B < 192 -+--> forward to RTP/RTCP
//	  |                |
//	  |  19 < B < 64  -+--> forward to DTLS
//	  |                |
//	  |       B < 2   -+--> forward to STUN
//	  +----------------+
//
// Every other first-byte value (2..19, 64..127, 192..255) matches none of
// these and is dropped.

// MatchSTUN reports whether buf looks like a STUN message: its first byte is
// 0 or 1.
func MatchSTUN(buf []byte) bool {
	return len(buf) > 0 && buf[0] < 2
}

// MatchDTLS reports whether buf looks like a DTLS record.
func MatchDTLS(buf []byte) bool {
	return len(buf) > 0 && buf[0] >= 20 && buf[0] <= 63
}

// MatchSRTP reports whether buf looks like an SRTP (not SRTCP) packet.
func MatchSRTP(buf []byte) bool {
	return len(buf) >= 2 && buf[0] >= 128 && buf[0] <= 191 && !isRTCPPacketType(buf[1])
}

// MatchSRTCP reports whether buf looks like an SRTCP packet.
func MatchSRTCP(buf []byte) bool {
	return len(buf) >= 2 && buf[0] >= 128 && buf[0] <= 191 && isRTCPPacketType(buf[1])
}

// RTCP packet types occupy [192, 223] in the second byte of the header,
// per the IANA RTP/RTCP parameters registry.
func isRTCPPacketType(b byte) bool {
	return b >= 192 && b <= 223
}

// Kind identifies which demultiplexing bucket a datagram's first byte
// selects.
type Kind int

const (
	KindDrop Kind = iota
	KindSTUN
	KindDTLS
	KindSRTP
	KindSRTCP
)

func (k Kind) String() string {
	switch k {
	case KindSTUN:
		return "STUN"
	case KindDTLS:
		return "DTLS"
	case KindSRTP:
		return "SRTP"
	case KindSRTCP:
		return "SRTCP"
	default:
		return "drop"
	}
}

// Demux classifies a datagram's first two bytes into exactly one of
// {STUN, DTLS, SRTP, SRTCP, drop}, per the table above. It is the
// table-driven equivalent of calling MatchSTUN/MatchDTLS/MatchSRTP/
// MatchSRTCP in turn, used where only the classification (not an
// Endpoint's MatchFunc) is needed.
func Demux(buf []byte) Kind {
	switch {
	case MatchSTUN(buf):
		return KindSTUN
	case MatchDTLS(buf):
		return KindDTLS
	case MatchSRTCP(buf):
		return KindSRTCP
	case MatchSRTP(buf):
		return KindSRTP
	default:
		return KindDrop
	}
}
