package signaling

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla/websocket connection to the WireConn interface
// ControlPlane.Connect returns, generalized from the teacher's local HTTP+WS
// reference signaler into a client-side dialer.
type wsConn struct {
	conn *websocket.Conn
}

// DialControlChannel opens the reconnecting control channel's underlying
// websocket against endpoint, authenticating via the short-lived query
// parameters a real control plane expects (exact parameter names are owned
// by the control plane, not this module).
func DialControlChannel(endpoint string, creds Credentials, query url.Values) (WireConn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("signaling: invalid endpoint %q: %w", endpoint, err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	header := http.Header{}
	if creds.SessionToken != "" {
		header.Set("X-Amz-Security-Token", creds.SessionToken)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

func (w *wsConn) ReadMessage() (Message, error) {
	var raw struct {
		Action         string `json:"action"`
		RecipientID    string `json:"recipientClientId"`
		SenderClientID string `json:"senderClientId"`
		MessagePayload string `json:"messagePayload"`
	}
	if err := w.conn.ReadJSON(&raw); err != nil {
		return Message{}, err
	}
	return Message{
		Type:        raw.Action,
		SenderID:    raw.SenderClientID,
		RecipientID: raw.RecipientID,
		Payload:     raw.MessagePayload,
	}, nil
}

func (w *wsConn) WriteMessage(m Message) error {
	return w.conn.WriteJSON(struct {
		Action         string `json:"action"`
		RecipientID    string `json:"recipientClientId"`
		MessagePayload string `json:"messagePayload"`
	}{
		Action:         m.Type,
		RecipientID:    m.RecipientID,
		MessagePayload: m.Payload,
	})
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
