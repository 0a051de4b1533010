package ice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lanikai/alohartc/internal/mux"
	"github.com/lanikai/alohartc/internal/stun"
)

const (
	// Packets larger than the maximum transmission unit (MTU) of a path are
	// fragmented into smaller packets, or dropped. The MTU should be
	// discovered, but 1500 is typically a safe value.
	sizeMaximumTransmissionUnit = 1500

	// Timeout for querying STUN server.
	timeoutQuerySTUNServer = 5 * time.Second

	// Timeout for reads from base (i.e. its UDPConn).
	// STUN re-bindings sent every 2500ms on Safari
	timeoutReadFromBase = 5 * time.Second
)

// [RFC8445] defines a base to be "The transport address that an ICE agent sends from for a
// particular candidate." It is represented here by a UDP connection, listening on a single port.
type Base struct {
	net.PacketConn

	address   TransportAddress
	component int

	// STUN response handlers for transactions sent from this base, keyed by transaction ID.
	handlers transactionHandlers

	// Single-fire channel used to indicate that the read loop has died.
	dead chan struct{}

	// Error that caused the read loop to terminate.
	err error
}

type stunHandler func(msg *stun.Message, addr net.Addr, base *Base)

// initializeBases creates a base for each non-loopback, up interface address.
func initializeBases(component int) (bases []*Base, err error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagUp == 0 {
			continue
		}

		var addrs []net.Addr
		addrs, err = iface.Addrs()
		if err != nil {
			return
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipnet.IP
			if !flagEnableIPv6 {
				if ip4 := ip.To4(); ip4 == nil {
					continue
				}
			}

			base, err := createBase(ip, component)
			if err != nil {
				// This can happen for link-local IPv6 addresses. Just skip it.
				log.Debug("Failed to create base for %s: %v\n", ip, err)
				continue
			}
			bases = append(bases, base)
		}
	}
	return
}

func createBase(ip net.IP, component int) (*Base, error) {
	listenAddr := &net.UDPAddr{IP: ip, Port: 0}
	conn, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	address := makeTransportAddress(conn.LocalAddr())
	log.Info("Listening on %s\n", address)

	return &Base{
		PacketConn: conn,
		address:    address,
		component:  component,
	}, nil
}

// Return the server-reflexive address of this base.
func (base *Base) queryStunServer(ctx context.Context, stunServer string) (mapped TransportAddress, err error) {
	network := fmt.Sprintf("udp%d", base.address.family)
	stunServerAddr, err := net.ResolveUDPAddr(network, stunServer)
	if err != nil {
		return
	}

	req := stun.NewBindingRequest("")
	resp, err := base.SendStun(ctx, req, stunServerAddr)
	if err != nil {
		return
	}
	if resp.Class != stun.ClassSuccessResponse {
		return mapped, fmt.Errorf("STUN server query failed: %s", resp)
	}
	ma := resp.GetMappedAddress()
	if ma == nil {
		return mapped, fmt.Errorf("STUN server response missing mapped address: %s", resp)
	}
	return makeTransportAddress(ma), nil
}

// SendStun sends msg to raddr from this base and blocks until a matching
// STUN response arrives, ctx is done, or a fixed timeout elapses. Exported
// for use by internal/turn, which needs to run its own request/response
// exchanges (Allocate, Refresh, CreatePermission, ChannelBind) over the same
// socket as the rest of ICE without racing the base's read loop.
func (base *Base) SendStun(ctx context.Context, msg *stun.Message, raddr net.Addr) (*stun.Message, error) {
	log.Debug("Sending to %s: %s\n", raddr, msg)

	respCh := make(chan *stun.Message, 1)
	err := base.sendStun(msg, raddr, func(resp *stun.Message, raddr net.Addr, base *Base) {
		respCh <- resp
	})
	if err != nil {
		return nil, err
	}

	defer base.handlers.remove(msg.TransactionID)

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeoutQuerySTUNServer):
		return nil, errors.New("timeout")
	}
}

// Send a STUN message to the given remote address. If a handler is supplied, it will be used to
// process the STUN response, based on the transaction ID.
func (base *Base) sendStun(msg *stun.Message, raddr net.Addr, responseHandler stunHandler) error {
	_, err := base.WriteTo(msg.Bytes(), raddr)
	if err == nil && responseHandler != nil {
		base.handlers.put(msg.TransactionID, responseHandler)
	}
	return err
}

// Read incoming packets from the underlying PacketConn, until an error occurs.
// STUN messages are handled, the rest are sent to the dataIn channel.
func (base *Base) readLoop(defaultHandler stunHandler, dataIn chan []byte) {
	if base.dead != nil {
		panic("Base read loop already started")
	}

	base.dead = make(chan struct{})
	defer close(base.dead)

	buf := make([]byte, sizeMaximumTransmissionUnit)

	var logOnce sync.Once
	for {
		base.SetReadDeadline(time.Now().Add(timeoutReadFromBase))

		n, raddr, err := base.ReadFrom(buf)

		if err != nil {
			if neterr, ok := err.(net.Error); ok {
				if neterr.Timeout() {
					log.Debug("Connection timed out: %s\n", base.address)
					base.err = errReadTimeout
					break
				}
				if neterr.Temporary() {
					continue
				}
			}

			if operr, ok := err.(*net.OpError); ok {
				if operr.Op == "read" {
					log.Debug("Connection closed while reading: %s\n", base.address)
					break
				}
			}

			log.Warn("Read error in %s: %v\n", base.address, err)
			base.err = err
			break
		}

		data := make([]byte, n)
		copy(data, buf[0:n])

		if mux.MatchSTUN(data) {
			msg, err := stun.Parse(data)
			if err != nil {
				log.Warn("stun: discarding malformed message from %s: %v", raddr, err)
				continue
			}
			if msg != nil {
				log.Debug("Received from %s: %s\n", raddr, msg)
				handler := base.handlers.get(msg.TransactionID, defaultHandler)
				handler(msg, raddr, base)
			}
		} else {
			select {
			case dataIn <- data:
			default:
				logOnce.Do(func() {
					log.Warn("Dropping data packet (first byte %x) because reader cannot keep up", data[0])
				})
			}
		}
	}
}

// transactionHandlers manages a map of STUN transaction ID -> stunHandler. When an
// outgoing STUN request is made, a handler can be registered for processing the
// remote peer's STUN response.
type transactionHandlers struct {
	sync.Mutex
	m map[string]stunHandler
}

func (t *transactionHandlers) get(transactionID string, def stunHandler) stunHandler {
	t.lockAndInitialize()
	handler, found := t.m[transactionID]
	if found {
		delete(t.m, transactionID)
	} else {
		handler = def
	}
	t.Unlock()
	return handler
}

func (t *transactionHandlers) put(transactionID string, handler stunHandler) {
	t.lockAndInitialize()
	t.m[transactionID] = handler
	t.Unlock()
}

func (t *transactionHandlers) remove(transactionID string) {
	t.lockAndInitialize()
	delete(t.m, transactionID)
	t.Unlock()
}

func (t *transactionHandlers) lockAndInitialize() {
	t.Lock()
	if t.m == nil {
		t.m = make(map[string]stunHandler)
	}
}
