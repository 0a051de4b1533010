package rtp

import (
	"encoding/binary"
	"time"

	errors "golang.org/x/xerrors"
)

// Payload type description, as provided via SDP.
type PayloadType struct {
	// Payload type number (<= 127) assigned by the SDP `rtpmap` attribute.
	Number uint8

	// Encoding name, from the SDP `rtpmap` attribute (e.g. "H264").
	Name string

	// Clock rate in Hz, from the SDP `rtpmap` attribute (e.g. 90000).
	ClockRate int

	// Codec-specific format parameters, from the SDP `fmtp` attribute.
	Format string

	// Supported feedback RTCP options, from the SDP `rtcp-fb` attributes.
	FeedbackOptions []string
}

type StreamOptions struct {
	LocalSSRC  uint32
	LocalCNAME string

	RemoteSSRC  uint32
	RemoteCNAME string

	// sendonly, recvonly, or sendrecv
	Direction string

	// Negotiated payload types, keyed by 7-bit dynamic payload type number.
	PayloadTypes map[byte]PayloadType

	// Maximum size of outgoing packets, factoring in MTU and protocol overhead.
	MaxPacketSize int

	// ClockRate sizes the receive-side jitter buffer's latency window. Zero
	// disables jitter buffering; inbound packets are instead delivered raw
	// via OnPacket.
	ClockRate int

	// JitterLatency bounds how long the jitter buffer retains a packet
	// before it ages out, converted to clock-rate ticks using ClockRate.
	// Zero means unbounded (only a later, distinct timestamp resolves a
	// run).
	JitterLatency time.Duration

	// RetransmitBufferSize is the capacity, in packets, of the send-side
	// rolling buffer that answers NACKs. Zero disables retransmission.
	RetransmitBufferSize int

	// RTXSSRC, if non-zero, retransmits lost packets as RTX packets (OSN
	// prefix, RTXPayloadType) on a separate SSRC rather than resending the
	// original packet on LocalSSRC.
	RTXSSRC        uint32
	RTXPayloadType byte
}

// Header is the subset of an RTP packet header exposed to callers outside
// this package.
type Header struct {
	Marker      bool
	PayloadType byte
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
}

// ReceivedPacket is one packet belonging to a frame assembled by the jitter
// buffer, decoupled from the network buffer it arrived in.
type ReceivedPacket struct {
	Sequence  uint16
	Timestamp uint32
	Payload   []byte
}

type Stream struct {
	StreamOptions

	// RTP state for outgoing data.
	rtpOut *rtpWriter

	// RTP state for incoming data.
	rtpIn *rtpReader

	// RTCP state for outgoing control packets.
	rtcpOut *rtcpWriter

	// RTCP state for incoming control packets.
	rtcpIn *rtcpReader

	// Receive-side frame reassembly (§4.5). nil when ClockRate == 0.
	jitter *jitterBuffer
	// expectFrameStart tracks whether the next inbound packet begins a new
	// frame: true initially, and again immediately after a marked packet,
	// since RFC 3550 video convention sets the marker bit on a frame's last
	// packet.
	expectFrameStart bool

	// Send-side retransmission (§4.5/§8.6). nil when RetransmitBufferSize == 0.
	rolling *rollingBuffer
	rtxOut  *rtpWriter

	// onPacket delivers raw inbound packets when jitter buffering is
	// disabled (e.g. one-packet-per-frame audio codecs).
	onPacket func(h Header, payload []byte) error

	onPLI  func()
	onREMB func(bitrateBps int)
	onNACK func(lost []uint16)
	onTWCC func(baseSequence uint16, statuses []TWCCPacketStatus)
}

func newStream(session *Session, opts StreamOptions) *Stream {
	s := new(Stream)
	s.StreamOptions = opts
	s.expectFrameStart = true

	// RTP and RTCP share a single 5-tuple (rtcp-mux); the mux package has
	// already split STUN/DTLS/SRTP off at the demux layer by the time bytes
	// reach this connection.
	if opts.Direction == "sendonly" || opts.Direction == "sendrecv" {
		s.rtpOut = newRTPWriter(session.conn, opts.LocalSSRC, session.writeContext)
		if opts.RetransmitBufferSize > 0 {
			s.rolling = newRollingBuffer(opts.RetransmitBufferSize)
			if opts.RTXSSRC != 0 {
				s.rtxOut = newRTPWriter(session.conn, opts.RTXSSRC, session.writeContext)
			}
		}
	}
	if opts.Direction == "recvonly" || opts.Direction == "sendrecv" {
		s.rtpIn = newRTPReader(opts.RemoteSSRC, session.readContext)
		if opts.ClockRate > 0 {
			var maxLatency uint32
			if opts.JitterLatency > 0 {
				maxLatency = uint32(opts.JitterLatency.Seconds() * float64(opts.ClockRate))
			}
			s.jitter = newJitterBuffer(opts.ClockRate, maxLatency)
		}
		s.rtpIn.handler = s.handleRTP
	}
	s.rtcpOut = newRTCPWriter(session.conn, opts.LocalSSRC, session.writeContext)
	s.rtcpIn = newRTCPReader(opts.RemoteSSRC, session.readContext)
	s.rtcpIn.handler = s.handleRTCP
	return s
}

func (s *Stream) Close() error {
	s.sendGoodbye("stream closed")
	if s.jitter != nil {
		s.jitter.Close()
	}
	s.rtpOut = nil
	s.rtpIn = nil
	return nil
}

// handleRTP is the rtpReader callback: it either feeds the jitter buffer
// (tagging the start-of-frame flag from the previous packet's marker bit)
// or, if jitter buffering is disabled, forwards the packet raw via onPacket.
func (s *Stream) handleRTP(hdr rtpHeader, payload []byte) error {
	if s.jitter != nil {
		start := s.expectFrameStart
		s.expectFrameStart = hdr.marker
		s.jitter.push(hdr.sequence, hdr.timestamp, start, copyBytes(payload))
		return nil
	}
	if s.onPacket != nil {
		return s.onPacket(Header{hdr.marker, hdr.payloadType, hdr.sequence, hdr.timestamp, hdr.ssrc}, payload)
	}
	log.Warn("received RTP packet, but no handler registered")
	return nil
}

// handleRTCP is the rtcpReader callback, dispatched once per packet in a
// compound RTCP message.
func (s *Stream) handleRTCP(p rtcpPacket) error {
	switch m := p.(type) {
	case *pliFeedbackMessage:
		if s.onPLI != nil {
			s.onPLI()
		}
	case *rembFeedbackMessage:
		if s.onREMB != nil {
			s.onREMB(m.getEstimatedBitrate())
		}
	case *nackFeedbackMessage:
		lost := m.getLostPackets()
		if s.onNACK != nil {
			s.onNACK(lost)
		}
		s.retransmit(lost)
	case *twccFeedbackMessage:
		if s.onTWCC != nil {
			s.onTWCC(m.baseSequence, convertTWCCStatuses(m.statuses))
		}
	}
	return nil
}

// TWCCPacketStatus describes one packet's reconstructed per-packet arrival
// within a parsed TWCC feedback report (§4.6): whether it arrived, and if
// so, how long after the previous reported arrival (or after the report's
// reference time, for the first packet).
type TWCCPacketStatus struct {
	Sequence uint16
	Received bool
	Delta    time.Duration // meaningless if !Received
}

// twccDeltaUnit is the tick size TWCC feedback reports arrival deltas in
// [draft-holmer-rmcat-transport-wide-cc-extensions-01 §3.1].
const twccDeltaUnit = 250 * time.Microsecond

func convertTWCCStatuses(statuses []twccPacketStatus) []TWCCPacketStatus {
	out := make([]TWCCPacketStatus, len(statuses))
	for i, st := range statuses {
		out[i] = TWCCPacketStatus{
			Sequence: st.sequence,
			Received: st.received,
		}
		if st.received {
			out[i].Delta = time.Duration(st.delta) * twccDeltaUnit
		}
	}
	return out
}

// OnPacket registers a callback for raw inbound RTP packets. Only takes
// effect when ClockRate is zero (jitter buffering disabled).
func (s *Stream) OnPacket(cb func(h Header, payload []byte) error) {
	s.onPacket = cb
}

// OnFrameReady registers a callback invoked once per frame the jitter buffer
// reassembles: every packet sharing one RTP timestamp, in sequence order.
func (s *Stream) OnFrameReady(cb func(timestamp uint32, pkts []ReceivedPacket)) {
	if s.jitter == nil {
		return
	}
	s.jitter.onFrameReady = func(pkts []*jbPacket) {
		out := make([]ReceivedPacket, len(pkts))
		for i, p := range pkts {
			out[i] = ReceivedPacket{Sequence: p.sequence, Timestamp: p.timestamp, Payload: p.payload}
		}
		cb(pkts[0].timestamp, out)
	}
}

// OnFrameDropped registers a callback for a run of packets the jitter buffer
// aged out (or flushed on Close) without it satisfying the frame-complete
// invariant.
func (s *Stream) OnFrameDropped(cb func(reason string, count int)) {
	if s.jitter == nil {
		return
	}
	s.jitter.onFrameDropped = func(pkts []*jbPacket, reason string) {
		cb(reason, len(pkts))
	}
}

// OnPLI registers a callback for an inbound picture-loss indication,
// typically driving a codec-side key-frame request.
func (s *Stream) OnPLI(cb func()) { s.onPLI = cb }

// OnREMB registers a callback for an inbound receiver-estimated
// maximum-bitrate advisory.
func (s *Stream) OnREMB(cb func(bitrateBps int)) { s.onREMB = cb }

// OnNACK registers a callback observing every NACK this stream receives, in
// addition to the automatic retransmission already performed from the
// rolling buffer.
func (s *Stream) OnNACK(cb func(lost []uint16)) { s.onNACK = cb }

// OnTWCC registers a callback for inbound transport-wide congestion control
// feedback (§4.6), delivering the reconstructed per-packet arrival status
// for the reported sequence-number range starting at baseSequence.
func (s *Stream) OnTWCC(cb func(baseSequence uint16, statuses []TWCCPacketStatus)) {
	s.onTWCC = cb
}

var errNotSending = errors.New("rtp: stream is not configured to send")

// WritePacket sends a single RTP packet and, if a rolling buffer is
// configured, records it for possible later retransmission.
func (s *Stream) WritePacket(payloadType byte, marker bool, timestamp uint32, payload []byte) error {
	if s.rtpOut == nil {
		return errNotSending
	}
	index, seq, err := s.rtpOut.writePacketIndexed(payloadType, marker, timestamp, payload)
	if err == nil && s.rolling != nil {
		s.rolling.insert(index, seq, payloadType, marker, timestamp, payload)
	}
	return err
}

// retransmit resends every packet in lost that the rolling buffer still
// holds, either as the original packet or, if an RTX SSRC is configured, as
// an RTX packet carrying the original sequence number as a two-byte OSN
// prefix [RFC4588 §4].
func (s *Stream) retransmit(lost []uint16) {
	if s.rolling == nil {
		return
	}
	for _, seq := range lost {
		e, ok := s.rolling.lookup(seq)
		if !ok {
			continue
		}
		if s.rtxOut != nil {
			osn := make([]byte, 2+len(e.payload))
			binary.BigEndian.PutUint16(osn, e.sequence)
			copy(osn[2:], e.payload)
			if _, _, err := s.rtxOut.writePacketIndexed(s.RTXPayloadType, e.marker, e.timestamp, osn); err != nil {
				log.Debug("rtx resend of %d failed: %v", seq, err)
			}
		} else if err := s.rtpOut.resend(e.index, e.sequence, e.payloadType, e.marker, e.timestamp, e.payload); err != nil {
			log.Debug("resend of %d failed: %v", seq, err)
		}
	}
}

// SendNACK requests retransmission of lost packets from the remote sender.
func (s *Stream) SendNACK(lost []uint16) error {
	nack := new(nackFeedbackMessage)
	nack.sender = s.LocalSSRC
	nack.source = s.RemoteSSRC
	if err := nack.setLostPackets(lost); err != nil {
		return err
	}
	return s.rtcpOut.writePacket(nack)
}

// SendPLI requests a key frame from the remote sender.
func (s *Stream) SendPLI() error {
	pli := &pliFeedbackMessage{sender: s.LocalSSRC, source: s.RemoteSSRC}
	return s.rtcpOut.writePacket(pli)
}

func (s *Stream) sendSenderReport() error {
	sdes := &rtcpSourceDescription{
		ssrc:  s.LocalSSRC,
		cname: s.LocalCNAME,
	}
	return s.rtcpOut.writePacket(sdes)
}

func (s *Stream) sendReceiverReport() error {
	rr := &rtcpReceiverReport{
		receiver: s.LocalSSRC,
		reports: []rtcpReport{{
			Source:       s.RemoteSSRC,
			LastReceived: uint32(s.rtpIn.lastIndex),
			// TODO: Jitter, arrival delay, etc.
		}},
	}
	sdes := &rtcpSourceDescription{
		ssrc:  s.LocalSSRC,
		cname: s.LocalCNAME,
	}
	return s.rtcpOut.writePacket(rr, sdes)
}

// StartReports periodically sends RTCP reports until stop is closed. A
// receiving stream sends a Receiver Report plus SDES. A sending stream sends
// only an SDES packet carrying LocalCNAME; no Sender Report (SR) packet, with
// packet/octet counts and NTP/RTP time, is built or sent.
func (s *Stream) StartReports(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if s.rtpOut != nil {
					if err := s.sendSenderReport(); err != nil {
						log.Debug("sender report: %v", err)
					}
				}
				if s.rtpIn != nil {
					if err := s.sendReceiverReport(); err != nil {
						log.Debug("receiver report: %v", err)
					}
				}
			}
		}
	}()
}

// Send RTCP Goodbye packet to inform the remote peer that we're leaving.
func (s *Stream) sendGoodbye(reason string) error {
	rr := &rtcpReceiverReport{
		receiver: s.LocalSSRC,
	}
	sdes := &rtcpSourceDescription{
		ssrc:  s.LocalSSRC,
		cname: s.LocalCNAME,
	}
	bye := &rtcpGoodbye{
		ssrc:   s.LocalSSRC,
		reason: reason,
	}
	return s.rtcpOut.writePacket(rr, sdes, bye)
}
