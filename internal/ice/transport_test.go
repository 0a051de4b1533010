package ice

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportAddressIPv4(t *testing.T) {
	ta := makeTransportAddress(&net.UDPAddr{
		IP:   net.ParseIP("1.2.3.4"),
		Port: 5678,
	})

	assert.Equal(t, 4, ta.family)
	assert.False(t, ta.linkLocal)
	assert.Equal(t, "1.2.3.4", ta.ip)
	assert.Equal(t, "udp/1.2.3.4:5678", ta.String())
}

func TestTransportAddressIPv6(t *testing.T) {
	ta := makeTransportAddress(&net.UDPAddr{
		IP:   net.ParseIP("1:2:3:4::"),
		Port: 5678,
	})

	assert.Equal(t, 6, ta.family)
	assert.Equal(t, "1:2:3:4::", ta.ip)
}

func TestTransportAddressLinkLocal(t *testing.T) {
	ta := makeTransportAddress(&net.UDPAddr{
		IP:   net.ParseIP("fe80::1"),
		Port: 1,
	})

	assert.True(t, ta.linkLocal)
}
