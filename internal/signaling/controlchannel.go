package signaling

import (
	"context"
	"sync"
)

// controlChannel reads signaling.Messages off a WireConn established by
// Connect and demultiplexes them by SenderID into per-peer Sessions, calling
// handler once per newly observed peer.
type controlChannel struct {
	conn    WireConn
	handler SessionHandler

	mu       sync.Mutex
	sessions map[string]*Session

	disconnected chan error
	goAway       chan string

	closeOnce sync.Once
}

func newControlChannel(conn WireConn, handler SessionHandler) *controlChannel {
	return &controlChannel{
		conn:         conn,
		handler:      handler,
		sessions:     make(map[string]*Session),
		disconnected: make(chan error, 1),
		goAway:       make(chan string, 1),
	}
}

func (cc *controlChannel) Close() {
	cc.closeOnce.Do(func() {
		cc.conn.Close()
		cc.mu.Lock()
		for _, s := range cc.sessions {
			s.Close()
		}
		cc.mu.Unlock()
	})
}

// run reads messages until the connection closes or ctx is cancelled,
// delivering each to the Session it belongs to and reporting the outcome on
// disconnected or goAway.
func (cc *controlChannel) run(ctx context.Context) {
	defer cc.Close()

	for {
		msg, err := cc.conn.ReadMessage()
		if err != nil {
			select {
			case cc.disconnected <- err:
			default:
			}
			return
		}

		if ctx.Err() != nil {
			return
		}

		switch msg.Type {
		case "go-away":
			select {
			case cc.goAway <- msg.Payload:
			default:
			}
			return
		case "offer":
			session := cc.sessionFor(ctx, msg.SenderID)
			select {
			case session.Offer <- msg.Payload:
			default:
				log.Warn("signaling: dropped offer from %s, channel full", msg.SenderID)
			}
		case "ice-candidate":
			cc.mu.Lock()
			session, ok := cc.sessions[msg.SenderID]
			cc.mu.Unlock()
			if !ok {
				log.Debug("signaling: ICE candidate for unknown peer %s", msg.SenderID)
				continue
			}
			if msg.Payload == "" {
				close(session.RemoteCandidates)
				continue
			}
			select {
			case session.RemoteCandidates <- RemoteCandidate{Desc: msg.Payload, Mid: msg.Mid}:
			default:
				log.Warn("signaling: dropped ICE candidate from %s, channel full", msg.SenderID)
			}
		default:
			log.Debug("signaling: unhandled message type %q from %s", msg.Type, msg.SenderID)
		}
	}
}

// sessionFor returns the Session for peerID, creating (and handing off to
// handler) one on first sight.
func (cc *controlChannel) sessionFor(ctx context.Context, peerID string) *Session {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if s, ok := cc.sessions[peerID]; ok {
		return s
	}

	s := newSession(ctx, peerID,
		func(sdp string) error {
			return cc.conn.WriteMessage(Message{Type: "answer", RecipientID: peerID, Payload: sdp})
		},
		func(desc string) error {
			return cc.conn.WriteMessage(Message{Type: "ice-candidate", RecipientID: peerID, Payload: desc})
		},
	)
	cc.sessions[peerID] = s

	if cc.handler != nil {
		go cc.handler(s)
	}
	return s
}
