package conn

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

const maxDatagramSize = 65507

// Datagram is a raw inbound packet with the address it was observed from.
type Datagram struct {
	Data []byte
	From *net.UDPAddr
}

/*
UDPTransport provides an unreliable datagram transport. Every datagram read from the
socket is handed over through the msg channel; sending never waits for the receiver.
*/
type UDPTransport struct {
	conn *net.UDPConn

	msgCh chan Datagram // msgCh is used to transfer data between UDPTransport and outer variable (e.g., Link)

	logger hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewUDPTransport binds bindAddr and starts reading from it.
func NewUDPTransport(bindAddr string, logger hclog.Logger) (*UDPTransport, error) {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "hds-net",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	trans := &UDPTransport{
		conn:       conn,
		msgCh:      make(chan Datagram, 256),
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
	go trans.listen()
	return trans, nil
}

// MsgChan returns the channel of inbound datagrams. It is closed on shutdown.
func (n *UDPTransport) MsgChan() <-chan Datagram {
	return n.msgCh
}

// listen is used to handle incoming datagrams.
func (n *UDPTransport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	defer close(n.msgCh)
	buf := make([]byte, maxDatagramSize)
	var loopDelay time.Duration
	for {
		size, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			if n.IsShutdown() {
				return
			}
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}
			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}
			n.logger.Error("failed to read datagram", "error", err)

			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		// No error, reset loop delay
		loopDelay = 0

		data := make([]byte, size)
		copy(data, buf[:size])
		select {
		case n.msgCh <- Datagram{Data: data, From: from}:
		case <-n.shutdownCh:
			return
		}
	}
}

// SendTo sends one datagram without any delivery guarantee.
func (n *UDPTransport) SendTo(addr *net.UDPAddr, data []byte) error {
	if n.IsShutdown() {
		return ErrTransportShutdown
	}
	if len(data) > maxDatagramSize {
		return fmt.Errorf("datagram of %d bytes exceeds the maximum size", len(data))
	}
	_, err := n.conn.WriteToUDP(data, addr)
	return err
}

// LocalAddr returns the bound address.
func (n *UDPTransport) LocalAddr() *net.UDPAddr {
	return n.conn.LocalAddr().(*net.UDPAddr)
}

// IsShutdown is used to check if the transport is shutdown.
func (n *UDPTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Close is used to stop the transport.
func (n *UDPTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.shutdown = true
		return n.conn.Close()
	}
	return nil
}
