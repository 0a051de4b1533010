// Copyright (c) 2019 Lanikai Labs. All rights reserved.

package alohartc

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lanikai/alohartc/internal/dtls"
	"github.com/lanikai/alohartc/internal/ice"
	"github.com/lanikai/alohartc/internal/logging"
	"github.com/lanikai/alohartc/internal/mux"
	"github.com/lanikai/alohartc/internal/rtp"
	"github.com/lanikai/alohartc/internal/sdp"
	"github.com/lanikai/alohartc/internal/turn"
)

var log = logging.DefaultLogger.WithTag("alohartc")

const (
	sdpUsername = "lanikai"

	// Default SRTP key/salt lengths (AES-CM-128/HMAC-SHA1-80, RFC 3711 §8.2).
	keyLen  = 16
	saltLen = 14

	// Per-transceiver jitter buffer depth and retransmit history. See
	// spec.md §9 "Jitter buffer depth" open question.
	defaultJitterLatency  = 50 * time.Millisecond
	defaultRollingBufSize = 512
)

// codecDescriptor is one entry of the offer-defaulting payload type table
// (spec.md §6).
type codecDescriptor struct {
	Name        string // SDP rtpmap encoding name, e.g. "H264"
	Kind        string // "audio" or "video"
	PayloadType byte
	ClockRate   int
	Channels    int    // audio only; 0 means omit from rtpmap
	Fmtp        string // codec-specific fmtp value, if any
}

// defaultCodecs lists the payload types this client offers/accepts by
// default (spec.md §6: Opus 111, VP8 96, H264 125, PCMU 0, PCMA 8).
var defaultCodecs = []codecDescriptor{
	{Name: "opus", Kind: "audio", PayloadType: 111, ClockRate: 48000, Channels: 2},
	{Name: "PCMU", Kind: "audio", PayloadType: 0, ClockRate: 8000},
	{Name: "PCMA", Kind: "audio", PayloadType: 8, ClockRate: 8000},
	{Name: "VP8", Kind: "video", PayloadType: 96, ClockRate: 90000},
	{Name: "H264", Kind: "video", PayloadType: 125, ClockRate: 90000,
		Fmtp: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"},
}

func codecByName(name string) (codecDescriptor, bool) {
	name = strings.ToLower(name)
	for _, c := range defaultCodecs {
		if strings.ToLower(c.Name) == name {
			return c, true
		}
	}
	return codecDescriptor{}, false
}

// Transceiver is the joint sender/receiver state for one negotiated media
// line (spec.md §3 "Transceiver").
type Transceiver struct {
	Mid       string
	Kind      string // "audio", "video", or "application"
	Direction string // sendonly, recvonly, or sendrecv
	Codec     codecDescriptor

	LocalSSRC  uint32
	RemoteSSRC uint32

	*rtp.Stream
}

// PeerConnection owns one ICE agent, one DTLS session, and the SRTP session
// and transceivers multiplexed over it (spec.md §3/§4.7 "Peer connection").
type PeerConnection struct {
	// Local context (for signaling)
	localContext context.Context
	teardown     context.CancelFunc

	localDescription  sdp.Session
	remoteDescription sdp.Session

	iceAgent *ice.Agent

	// Optional STUN/TURN configuration, applied to iceAgent before Connect
	// is called. Set via SetStunServer/SetTurnServer.
	stunServer   string
	turnServer   string
	turnUsername string
	turnPassword string

	// RTP/RTCP/SRTP session, established after a successful call to Connect.
	rtpSession *rtp.Session

	// Negotiated transceivers, in SDP media-line order.
	transceivers []*Transceiver

	// Data channels, keyed by SCTP stream id (spec.md §3/§4.7
	// "data-channel table"). See datachannel.go.
	dataChannelsMu    sync.Mutex
	dataChannels      map[uint16]*DataChannel
	nextDataChannelID uint16

	// OnDataChannel, if set, is called when the remote peer opens a data
	// channel (modeled: see handleRemoteDataChannelOpen).
	OnDataChannel func(*DataChannel)

	// Local certificate, generated fresh for every peer connection since
	// WebRTC authenticates peers by SDP fingerprint, not a CA chain.
	certificate *dtls.Certificate

	cname string

	mux *mux.Mux

	// OnIceCandidate, if set, is called for every local ICE candidate
	// gathered during Connect.
	OnIceCandidate func(c *ice.Candidate)
}

func NewPeerConnection(ctx context.Context) *PeerConnection {
	pc := &PeerConnection{}
	pc.localContext, pc.teardown = context.WithCancel(ctx)
	pc.iceAgent = ice.NewAgent()
	pc.cname = randomToken(16)

	cert, err := dtls.GenerateSelfSigned()
	if err != nil {
		panic(err)
	}
	pc.certificate = cert

	return pc
}

// randomToken returns a random URL-safe token of the given length, used for
// the CNAME and the ICE ufrag/pwd local credentials.
func randomToken(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	rand.Read(b)
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}

func randomSSRC() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// invertDirection returns the answer-side direction for an offered
// direction: sendonly becomes recvonly and vice versa; sendrecv and
// inactive are unchanged.
func invertDirection(dir string) string {
	switch dir {
	case "sendonly":
		return "recvonly"
	case "recvonly":
		return "sendonly"
	default:
		return dir
	}
}

// mediaDirection returns the offered direction attribute for m. sdp.Media's
// GetAttr only returns attribute values, and sendonly/recvonly/etc. carry
// none, so the raw attribute list is scanned directly.
func mediaDirection(m *sdp.Media) string {
	for _, a := range m.Attributes {
		switch a.Key {
		case "sendonly", "recvonly", "sendrecv", "inactive":
			return a.Key
		}
	}
	return "sendrecv"
}

// createAnswer builds an SDP answer for the negotiated offer, choosing one
// codec per offered audio/video media line from defaultCodecs and creating
// a Transceiver for each.
func (pc *PeerConnection) createAnswer() sdp.Session {
	s := sdp.Session{
		Version: 0,
		Origin: sdp.Origin{
			Username:       sdpUsername,
			SessionId:      strconv.FormatInt(time.Now().UnixNano(), 10),
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			Address:        "127.0.0.1",
		},
		Name: "-",
		Time: []sdp.Time{
			{nil, nil},
		},
	}

	localUfrag, localPwd := randomToken(4), randomToken(24)

	var mids []string
	for _, remoteMedia := range pc.remoteDescription.Media {
		if remoteMedia.Type != "audio" && remoteMedia.Type != "video" {
			// Data channels (m=application) are negotiated only at the id
			// and open/ack handshake level (see datachannel.go); no live
			// SCTP association is established, so the line is rejected with
			// port=0 [RFC 3264 §6] rather than silently dropped.
			m := sdp.Media{
				Type:   remoteMedia.Type,
				Port:   0,
				Proto:  remoteMedia.Proto,
				Format: remoteMedia.Format,
			}
			if mid := remoteMedia.GetAttr("mid"); mid != "" {
				m.Attributes = []sdp.Attribute{{Key: "mid", Value: mid}}
			}
			s.Media = append(s.Media, m)
			continue
		}

		mid := remoteMedia.GetAttr("mid")
		var chosen codecDescriptor
		var found bool
		for _, fmt := range remoteMedia.Format {
			for _, attr := range remoteMedia.Attributes {
				if attr.Key != "rtpmap" || !strings.HasPrefix(attr.Value, fmt+" ") {
					continue
				}
				fields := strings.SplitN(strings.TrimPrefix(attr.Value, fmt+" "), "/", 2)
				if c, ok := codecByName(fields[0]); ok && c.Kind == remoteMedia.Type {
					chosen, found = c, true
				}
			}
			if found {
				break
			}
		}
		if !found {
			// No codec we support was offered on this line; reject it.
			m := sdp.Media{
				Type:   remoteMedia.Type,
				Port:   0,
				Proto:  remoteMedia.Proto,
				Format: remoteMedia.Format,
				Attributes: []sdp.Attribute{
					{Key: "mid", Value: mid},
				},
			}
			s.Media = append(s.Media, m)
			continue
		}

		tr := &Transceiver{
			Mid:        mid,
			Kind:       remoteMedia.Type,
			Direction:  invertDirection(mediaDirection(&remoteMedia)),
			Codec:      chosen,
			LocalSSRC:  randomSSRC(),
			RemoteSSRC: 0, // filled in from the remote ssrc attribute below
		}
		for _, attr := range remoteMedia.Attributes {
			if attr.Key == "ssrc" {
				fields := strings.Fields(attr.Value)
				if len(fields) > 0 {
					if v, err := strconv.ParseUint(fields[0], 10, 32); err == nil {
						tr.RemoteSSRC = uint32(v)
					}
				}
			}
		}
		pc.transceivers = append(pc.transceivers, tr)
		mids = append(mids, mid)

		rtpmap := fmt.Sprintf("%d %s/%d", chosen.PayloadType, chosen.Name, chosen.ClockRate)
		if chosen.Channels > 1 {
			rtpmap = fmt.Sprintf("%s/%d", rtpmap, chosen.Channels)
		}

		attrs := []sdp.Attribute{
			{Key: "mid", Value: mid},
			{Key: "rtcp", Value: "9 IN IP4 0.0.0.0"},
			{Key: "ice-ufrag", Value: localUfrag},
			{Key: "ice-pwd", Value: localPwd},
			{Key: "ice-options", Value: "trickle"},
			{Key: "fingerprint", Value: pc.certificate.Fingerprint},
			{Key: "setup", Value: "active"},
			{Key: tr.Direction, Value: ""},
			{Key: "rtcp-mux", Value: ""},
			{Key: "rtcp-rsize", Value: ""},
			{Key: "rtpmap", Value: rtpmap},
		}
		if chosen.Fmtp != "" {
			attrs = append(attrs, sdp.Attribute{Key: "fmtp", Value: fmt.Sprintf("%d %s", chosen.PayloadType, chosen.Fmtp)})
		}
		if chosen.Kind == "video" {
			attrs = append(attrs, sdp.Attribute{Key: "rtcp-fb", Value: fmt.Sprintf("%d nack", chosen.PayloadType)})
		}
		attrs = append(attrs,
			sdp.Attribute{Key: "ssrc", Value: fmt.Sprintf("%d cname:%s", tr.LocalSSRC, pc.cname)},
			sdp.Attribute{Key: "ssrc", Value: fmt.Sprintf("%d msid:%s %s", tr.LocalSSRC, pc.cname, tr.Mid)},
		)

		m := sdp.Media{
			Type:   chosen.Kind,
			Port:   9,
			Proto:  "UDP/TLS/RTP/SAVPF",
			Format: []string{strconv.Itoa(int(chosen.PayloadType))},
			Connection: &sdp.Connection{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     "0.0.0.0",
			},
			Attributes: attrs,
		}
		s.Media = append(s.Media, m)
	}

	if len(mids) > 0 {
		s.Attributes = []sdp.Attribute{
			{Key: "group", Value: "BUNDLE " + strings.Join(mids, " ")},
		}
	}

	pc.localDescription = s
	return s
}

// SetStunServer configures the STUN server (host:port) used to gather a
// server-reflexive ICE candidate.
func (pc *PeerConnection) SetStunServer(server string) {
	pc.stunServer = server
}

// SetTurnServer configures a TURN server and long-term credentials used to
// gather a relayed ICE candidate, for use when neither peer is directly
// reachable.
func (pc *PeerConnection) SetTurnServer(server, username, password string) {
	pc.turnServer = server
	pc.turnUsername = username
	pc.turnPassword = password
}

// SetRemoteDescription sets the remote SDP offer and returns the local SDP
// answer.
func (pc *PeerConnection) SetRemoteDescription(sdpOffer string) (sdpAnswer string, err error) {
	offer, err := sdp.ParseSession(sdpOffer)
	if err != nil {
		return
	}
	pc.remoteDescription = offer

	answer := pc.createAnswer()
	if len(answer.Media) == 0 {
		return "", fmt.Errorf("no supported media in offer")
	}

	mid := answer.Media[0].GetAttr("mid")
	remoteUfrag := offer.Media[0].GetAttr("ice-ufrag")
	localUfrag := answer.Media[0].GetAttr("ice-ufrag")
	username := remoteUfrag + ":" + localUfrag
	localPassword := answer.Media[0].GetAttr("ice-pwd")
	remotePassword := offer.Media[0].GetAttr("ice-pwd")

	// This client always answers, never offers; per convention the answerer
	// takes the ICE controlling role [RFC8445 §2.3].
	pc.iceAgent.Configure(mid, username, localPassword, remotePassword, true)

	if pc.stunServer != "" {
		pc.iceAgent.SetStunServer(pc.stunServer)
	}
	if pc.turnServer != "" {
		pc.iceAgent.SetTurnServer(pc.turnServer, pc.turnUsername, pc.turnPassword, turn.Allocate)
	}

	return answer.String(), nil
}

// AddIceCandidate adds a remote ICE candidate from an SDP candidate string.
// An empty desc denotes the end of remote candidates.
func (pc *PeerConnection) AddIceCandidate(desc, mid string) error {
	return pc.iceAgent.AddRemoteCandidate(desc, mid)
}

// remoteFingerprint extracts the DTLS certificate fingerprint announced in
// the remote SDP description (spec.md §4.4 "Fingerprint verification").
func (pc *PeerConnection) remoteFingerprint() string {
	if fp := pc.remoteDescription.GetAttr("fingerprint"); fp != "" {
		return fp
	}
	for _, m := range pc.remoteDescription.Media {
		if fp := m.GetAttr("fingerprint"); fp != "" {
			return fp
		}
	}
	return ""
}

// Connect gathers local candidates (trickled to lcand), runs ICE
// connectivity checks, performs the DTLS handshake, derives SRTP keys, and
// instantiates the SRTP session shared by every negotiated transceiver.
func (pc *PeerConnection) Connect(lcand chan<- ice.Candidate) error {
	ia := pc.iceAgent

	wrapped := make(chan ice.Candidate)
	go func() {
		for c := range wrapped {
			if pc.OnIceCandidate != nil {
				pc.OnIceCandidate(&c)
			}
			lcand <- c
		}
		close(lcand)
	}()

	iceConn, err := ia.EstablishConnection(pc.localContext, wrapped)
	if err != nil {
		return err
	}

	// Instantiate a new net.Conn multiplexer.
	pc.mux = mux.NewMux(iceConn, 8192)

	dtlsEndpoint := pc.mux.NewEndpoint(mux.MatchDTLS)
	srtpEndpoint := pc.mux.NewEndpoint(func(buf []byte) bool {
		return mux.MatchSRTP(buf) || mux.MatchSRTCP(buf)
	})

	config := &dtls.Config{
		Certificate:       pc.certificate,
		RemoteFingerprint: pc.remoteFingerprint(),
	}

	// This client always answers, never offers, so it always plays the DTLS
	// client (active) role; see the hardcoded "setup: active" answer
	// attribute in createAnswer.
	dtlsConn, err := dtls.Client(dtlsEndpoint, config)
	if err != nil {
		return err
	}

	// Derive SRTP keys from the DTLS handshake (RFC 5764 §4.2).
	material, err := dtlsConn.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 2*keyLen+2*saltLen)
	if err != nil {
		return err
	}
	offset := 0
	clientWriteKey := append([]byte{}, material[offset:offset+keyLen]...)
	offset += keyLen
	serverWriteKey := append([]byte{}, material[offset:offset+keyLen]...)
	offset += keyLen
	clientWriteSalt := append([]byte{}, material[offset:offset+saltLen]...)
	offset += saltLen
	serverWriteSalt := append([]byte{}, material[offset:offset+saltLen]...)

	// This side is always the DTLS client, so it writes with the
	// client-derived keys and reads with the server-derived ones.
	pc.rtpSession = rtp.NewSession(srtpEndpoint, rtp.SessionOptions{
		WriteKey:  clientWriteKey,
		WriteSalt: clientWriteSalt,
		ReadKey:   serverWriteKey,
		ReadSalt:  serverWriteSalt,
	})

	for _, tr := range pc.transceivers {
		opts := rtp.StreamOptions{
			LocalSSRC:            tr.LocalSSRC,
			LocalCNAME:           pc.cname,
			RemoteSSRC:           tr.RemoteSSRC,
			Direction:            tr.Direction,
			PayloadTypes:         map[byte]rtp.PayloadType{tr.Codec.PayloadType: {Number: tr.Codec.PayloadType, Name: tr.Codec.Name, ClockRate: tr.Codec.ClockRate}},
			ClockRate:            tr.Codec.ClockRate,
			JitterLatency:        defaultJitterLatency,
			RetransmitBufferSize: defaultRollingBufSize,
		}
		tr.Stream = pc.rtpSession.AddStream(opts)
	}

	return nil
}

// CreateDataChannel allocates a new data channel and begins its modeled DCEP
// open handshake (spec.md §4.7; SCTP stream ids re-keyed by DTLS role per
// _examples/original_source/.../PeerConnection.c's
// allocateSctpSortDataChannelsDataCallback). This client always plays the
// DTLS client role (see Connect's "setup: active" answer attribute), so its
// locally created channels get even ids; odd ids are reserved for channels
// the remote peer opens.
func (pc *PeerConnection) CreateDataChannel(label string) *DataChannel {
	pc.dataChannelsMu.Lock()
	defer pc.dataChannelsMu.Unlock()

	if pc.dataChannels == nil {
		pc.dataChannels = make(map[uint16]*DataChannel)
	}
	id := pc.nextDataChannelID
	pc.nextDataChannelID += 2

	dc := newDataChannel(id, label)
	pc.dataChannels[id] = dc
	return dc
}

// handleDataChannelAck models receipt of the DCEP ack for a channel id this
// side opened via CreateDataChannel, completing its open handshake
// [RFC 8832 §5.2]. No live SCTP association delivers this in the current
// implementation; it is exposed for the transport layer to call once one
// exists, and exercised directly by tests.
func (pc *PeerConnection) handleDataChannelAck(id uint16) {
	pc.dataChannelsMu.Lock()
	dc := pc.dataChannels[id]
	pc.dataChannelsMu.Unlock()
	if dc != nil {
		dc.handleOpenAck()
	}
}

// handleRemoteDataChannelOpen models receipt of a DCEP DATA_CHANNEL_OPEN
// from the remote peer [RFC 8832 §5.1]. Per DCEP, the receiving side does
// not wait for an ack before using the channel, so it is created already
// open, and OnDataChannel fires immediately.
func (pc *PeerConnection) handleRemoteDataChannelOpen(id uint16, label string) *DataChannel {
	pc.dataChannelsMu.Lock()
	if pc.dataChannels == nil {
		pc.dataChannels = make(map[uint16]*DataChannel)
	}
	dc := newDataChannel(id, label)
	dc.state = DataChannelOpen
	pc.dataChannels[id] = dc
	cb := pc.OnDataChannel
	pc.dataChannelsMu.Unlock()

	if cb != nil {
		cb(dc)
	}
	return dc
}

// DataChannels returns the negotiated data channels, in no particular order.
func (pc *PeerConnection) DataChannels() []*DataChannel {
	pc.dataChannelsMu.Lock()
	defer pc.dataChannelsMu.Unlock()

	channels := make([]*DataChannel, 0, len(pc.dataChannels))
	for _, dc := range pc.dataChannels {
		channels = append(channels, dc)
	}
	return channels
}

// Transceivers returns the negotiated transceivers, in SDP media-line order.
func (pc *PeerConnection) Transceivers() []*Transceiver {
	return pc.transceivers
}

// VideoTransceiver returns the first negotiated video transceiver, if any.
func (pc *PeerConnection) VideoTransceiver() *Transceiver {
	for _, tr := range pc.transceivers {
		if tr.Kind == "video" {
			return tr
		}
	}
	return nil
}

func (pc *PeerConnection) Close() {
	log.Info("Closing peer connection")

	pc.teardown()

	if pc.rtpSession != nil {
		pc.rtpSession.Close()
	}
	if pc.mux != nil {
		pc.mux.Close()
	}
}
