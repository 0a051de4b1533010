package alohartc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateDataChannelAllocatesEvenIDs(t *testing.T) {
	pc := &PeerConnection{}

	a := pc.CreateDataChannel("chat")
	b := pc.CreateDataChannel("files")

	assert.EqualValues(t, 0, a.ID())
	assert.EqualValues(t, 2, b.ID())
	assert.Equal(t, DataChannelConnecting, a.State())
	assert.Len(t, pc.DataChannels(), 2)
}

func TestDataChannelAckCompletesHandshake(t *testing.T) {
	pc := &PeerConnection{}
	dc := pc.CreateDataChannel("chat")

	var opened bool
	dc.OnOpen(func() { opened = true })

	assert.Equal(t, DataChannelConnecting, dc.State())
	pc.handleDataChannelAck(dc.ID())
	assert.True(t, opened)
	assert.Equal(t, DataChannelOpen, dc.State())

	// A duplicate ack is a no-op.
	opened = false
	pc.handleDataChannelAck(dc.ID())
	assert.False(t, opened)
	assert.Equal(t, DataChannelOpen, dc.State())
}

func TestRemoteDataChannelOpensImmediately(t *testing.T) {
	pc := &PeerConnection{}

	var got *DataChannel
	pc.OnDataChannel = func(dc *DataChannel) { got = dc }

	dc := pc.handleRemoteDataChannelOpen(1, "remote-chat")

	assert.Same(t, dc, got)
	assert.Equal(t, DataChannelOpen, dc.State())
	assert.Equal(t, "remote-chat", dc.Label())
}

func TestDataChannelClose(t *testing.T) {
	dc := newDataChannel(4, "chat")

	var closed bool
	dc.OnClose(func() { closed = true })

	dc.Close()
	assert.True(t, closed)
	assert.Equal(t, DataChannelClosed, dc.State())

	// Closing again is a no-op; the callback doesn't fire twice.
	closed = false
	dc.Close()
	assert.False(t, closed)
}
