package rtp

import (
	errors "golang.org/x/xerrors"

	"github.com/lanikai/alohartc/internal/packet"
)

// Transport-wide congestion control feedback, as defined in
// draft-holmer-rmcat-transport-wide-cc-extensions-01. TWCC feedback reports,
// for a contiguous range of transport-wide sequence numbers, which packets
// arrived and the inter-packet arrival delta (in 250us ticks) for each.
const fmtTWCC = 15

const (
	twccChunkTypeRunLength    = 0
	twccChunkTypeStatusVector = 1

	twccSymbolNotReceived  = 0
	twccSymbolReceivedSmallDelta = 1
	twccSymbolReceivedLargeDelta = 2

	// twccDeltaUnreceived is the sentinel arrival time for a packet the
	// feedback reports as lost.
	twccDeltaUnreceived = -1
)

// twccPacketStatus is one reconstructed entry: whether the packet with this
// transport-wide sequence number arrived, and if so, the 250us-tick delta
// from the previous reported arrival (or from the feedback's reference time,
// for the first packet).
type twccPacketStatus struct {
	sequence uint16
	received bool
	delta    int16 // in 250us ticks; meaningless if !received
}

// twccFeedbackMessage is RTCP transport-layer feedback with FMT=15
// [draft-holmer-rmcat-transport-wide-cc-extensions-01 §3.1].
type twccFeedbackMessage struct {
	sender uint32
	source uint32

	feedbackPacketCount uint8
	baseSequence        uint16
	referenceTime       int32 // 24-bit signed, in 64ms ticks
	packetCount         uint16

	statuses []twccPacketStatus
}

func (t *twccFeedbackMessage) writeTo(w *packet.Writer) error {
	// Only the parser side is exercised in this client: TWCC feedback is
	// received from a remote congestion controller, never generated (this
	// client runs as a media sender/receiver, not a transport-wide
	// congestion controller itself).
	return errors.New("twcc: encoding not supported")
}

func (t *twccFeedbackMessage) readFrom(r *packet.Reader, h *rtcpHeader) error {
	if err := r.CheckRemaining(8); err != nil {
		return errors.Errorf("short TWCC header: %v", err)
	}
	t.sender = r.ReadUint32()
	t.source = r.ReadUint32()

	if err := r.CheckRemaining(8); err != nil {
		return errors.Errorf("short TWCC body: %v", err)
	}
	t.baseSequence = r.ReadUint16()
	t.packetCount = r.ReadUint16()

	b0 := r.ReadByte()
	b1 := r.ReadByte()
	b2 := r.ReadByte()
	refTime := int32(b0)<<16 | int32(b1)<<8 | int32(b2)
	if refTime&0x800000 != 0 {
		refTime |= -(1 << 24) // sign-extend 24-bit value
	}
	t.referenceTime = refTime
	t.feedbackPacketCount = r.ReadByte()

	symbols := make([]byte, 0, t.packetCount)
	for uint16(len(symbols)) < t.packetCount {
		if err := r.CheckRemaining(2); err != nil {
			return errors.Errorf("short TWCC chunk: %v", err)
		}
		chunk := r.ReadUint16()
		chunkType := (chunk >> 15) & 0x1

		if chunkType == twccChunkTypeRunLength {
			symbol := byte((chunk >> 13) & 0x3)
			runLength := int(chunk & 0x1fff)
			for i := 0; i < runLength; i++ {
				symbols = append(symbols, symbol)
			}
		} else {
			vectorBit := (chunk >> 14) & 0x1
			if vectorBit == 0 {
				// 1-bit symbols, 14 of them.
				for i := 13; i >= 0; i-- {
					symbols = append(symbols, byte((chunk>>uint(i))&0x1))
				}
			} else {
				// 2-bit symbols, 7 of them.
				for i := 6; i >= 0; i-- {
					symbols = append(symbols, byte((chunk>>uint(2*i))&0x3))
				}
			}
		}
	}
	symbols = symbols[:t.packetCount]

	t.statuses = make([]twccPacketStatus, 0, t.packetCount)
	for i, sym := range symbols {
		status := twccPacketStatus{sequence: t.baseSequence + uint16(i)}
		switch sym {
		case twccSymbolNotReceived:
			status.delta = twccDeltaUnreceived
		case twccSymbolReceivedSmallDelta:
			if err := r.CheckRemaining(1); err != nil {
				return errors.Errorf("short TWCC small delta: %v", err)
			}
			status.received = true
			status.delta = int16(r.ReadByte())
		case twccSymbolReceivedLargeDelta:
			if err := r.CheckRemaining(2); err != nil {
				return errors.Errorf("short TWCC large delta: %v", err)
			}
			status.received = true
			status.delta = int16(r.ReadUint16())
		}
		t.statuses = append(t.statuses, status)
	}

	return nil
}
