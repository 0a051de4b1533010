package signaling

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeControlPlane always succeeds; each call is a no-op beyond bumping a
// counter so tests can assert how many times a state actually ran.
type fakeControlPlane struct {
	describeCalls int
	connectConn   *fakeWireConn
}

func (f *fakeControlPlane) Describe(ctx context.Context, creds Credentials, info *ChannelInfo) (CallResult, error) {
	f.describeCalls++
	return ResultOK, nil
}
func (f *fakeControlPlane) Create(ctx context.Context, creds Credentials, info *ChannelInfo) (CallResult, error) {
	return ResultOK, nil
}
func (f *fakeControlPlane) GetEndpoint(ctx context.Context, creds Credentials, info *ChannelInfo) (CallResult, error) {
	return ResultOK, nil
}
func (f *fakeControlPlane) GetIceConfig(ctx context.Context, creds Credentials, info *ChannelInfo) (CallResult, error) {
	return ResultOK, nil
}
func (f *fakeControlPlane) Connect(ctx context.Context, creds Credentials, info *ChannelInfo) (CallResult, WireConn, error) {
	f.connectConn = &fakeWireConn{closed: make(chan struct{})}
	return ResultOK, f.connectConn, nil
}
func (f *fakeControlPlane) Delete(ctx context.Context, creds Credentials, info *ChannelInfo) (CallResult, error) {
	return ResultOK, nil
}

// fakeWireConn never delivers a message; ReadMessage blocks until Close.
type fakeWireConn struct {
	closed chan struct{}
}

func (c *fakeWireConn) ReadMessage() (Message, error) {
	if c.closed == nil {
		c.closed = make(chan struct{})
	}
	<-c.closed
	return Message{}, io.EOF
}
func (c *fakeWireConn) WriteMessage(Message) error { return nil }
func (c *fakeWireConn) Close() error {
	if c.closed != nil {
		close(c.closed)
	}
	return nil
}

// TestStateMachineReconnectsOnGoAway covers scenario S6 (§8): a channel
// already connected that receives a go-away from the signaling server must
// redescribe the channel and walk all the way back to connected, visiting
// every intermediate state exactly once in order.
func TestStateMachineReconnectsOnGoAway(t *testing.T) {
	plane := &fakeControlPlane{}
	c := NewClient("my-channel", RoleMaster, "us-west-2", StaticCredentialProvider{
		AccessKeyID:     "AKID",
		SecretAccessKey: "SECRET",
	}, plane, nil)

	var seen []State
	c.OnStateChange(func(s State) {
		seen = append(seen, s)
	})

	// Put the client in the connected state, with a control channel that
	// has a pending go-away notification, exactly as if a prior Connect had
	// already succeeded.
	c.state = StateConnected
	conn := &fakeWireConn{closed: make(chan struct{})}
	defer conn.Close()
	c.control = newControlChannel(conn, nil)
	c.control.goAway <- "server going away"

	ctx := context.Background()
	result := ResultOK
	state := StateConnected

	// Drive the machine by hand through describe -> get-endpoint ->
	// get-ice-config -> ready -> connect -> connected, the same sequence
	// Listen would perform.
	expected := []State{
		StateDescribe, StateGetEndpoint, StateGetIceConfig, StateReady, StateConnect, StateConnected,
	}
	for range expected {
		next, callResult, err := c.step(ctx, state, result)
		require.NoError(t, err)
		require.NoError(t, c.transitionTo(next))
		state = next
		result = callResult
	}

	if plane.connectConn != nil {
		defer plane.connectConn.Close()
	}

	assert.Equal(t, expected, seen)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, plane.describeCalls, "describe should run exactly once on the reconnect path")
}
