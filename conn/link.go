package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gitzhang10/hdsledger/message"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

var errNotAcked = errors.New("not acknowledged yet")

// Signer signs on behalf of the local process and verifies the signatures of its peers.
type Signer interface {
	ID() string
	Sign(signable string) ([]byte, error)
	Verify(id, signable string, sig []byte) (bool, error)
}

// LinkConfig encapsulates the configuration of a Link.
type LinkConfig struct {
	Signer Signer

	// BindAddr is the local address of the socket.
	BindAddr string

	// Peers maps every process this link talks to onto its address.
	Peers map[string]string

	// Replicas is the broadcast set. Every replica must be in Peers or be the local process.
	Replicas []string

	// BaseSleep is the first retransmission interval. It doubles up to MaxSleep.
	BaseSleep time.Duration
	MaxSleep  time.Duration

	Logger hclog.Logger
}

type ackKey struct {
	dest string
	id   uint64
}

// Link is a reliable authenticated channel over UDP. Every message sent to a peer is
// retransmitted with exponential back-off until the peer acknowledges it. Messages sent
// to the local process skip the network and go to a local queue.
type Link struct {
	id       string
	signer   Signer
	trans    *UDPTransport
	peers    map[string]*net.UDPAddr
	replicas []string

	baseSleep time.Duration
	maxSleep  time.Duration

	counter atomic.Uint64
	localCh chan *message.Message

	lock     sync.Mutex
	received map[string]*idSet
	pending  map[ackKey]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	logger hclog.Logger
}

// NewLink binds the socket of the link. A bind failure wraps ErrTransportUnavailable.
func NewLink(config *LinkConfig) (*Link, error) {
	logger := config.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "hds-link",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	id := config.Signer.ID()
	peers := make(map[string]*net.UDPAddr, len(config.Peers))
	for name, addr := range config.Peers {
		if name == id {
			continue
		}
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: address of %s: %v", ErrUnknownPeer, name, err)
		}
		peers[name] = udpAddr
	}
	for _, r := range config.Replicas {
		if _, ok := peers[r]; !ok && r != id {
			return nil, fmt.Errorf("%w: replica %s has no address", ErrUnknownPeer, r)
		}
	}
	baseSleep := config.BaseSleep
	if baseSleep <= 0 {
		baseSleep = 200 * time.Millisecond
	}
	maxSleep := config.MaxSleep
	if maxSleep < baseSleep {
		maxSleep = 16 * baseSleep
	}

	trans, err := NewUDPTransport(config.BindAddr, logger.Named("udp"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &Link{
		id:        id,
		signer:    config.Signer,
		trans:     trans,
		peers:     peers,
		replicas:  append([]string(nil), config.Replicas...),
		baseSleep: baseSleep,
		maxSleep:  maxSleep,
		localCh:   make(chan *message.Message, 1024),
		received:  make(map[string]*idSet),
		pending:   make(map[ackKey]chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
		logger:    logger,
	}, nil
}

// ID returns the identity of the local process.
func (l *Link) ID() string {
	return l.id
}

// LocalAddr returns the bound address of the link.
func (l *Link) LocalAddr() *net.UDPAddr {
	return l.trans.LocalAddr()
}

// Send delivers msg to dest. It assigns the next message id and signs the message unless
// that was already done, and returns once the retransmission is scheduled.
func (l *Link) Send(dest string, msg *message.Message) error {
	if l.ctx.Err() != nil {
		return ErrTransportShutdown
	}
	addr, ok := l.peers[dest]
	if !ok && dest != l.id {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, dest)
	}
	if msg.MessageID == 0 {
		msg.MessageID = l.counter.Add(1)
	}
	if msg.Signature == nil {
		sig, err := l.signer.Sign(msg.Signable())
		if err != nil {
			return err
		}
		msg.Signature = sig
	}

	if dest == l.id {
		select {
		case l.localCh <- msg:
			return nil
		case <-l.ctx.Done():
			return ErrTransportShutdown
		}
	}

	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	key := ackKey{dest: dest, id: msg.MessageID}
	l.lock.Lock()
	if _, ok := l.pending[key]; ok {
		// already retransmitting
		l.lock.Unlock()
		return nil
	}
	acked := make(chan struct{})
	l.pending[key] = acked
	l.lock.Unlock()

	l.group.Go(func() error {
		l.retransmit(addr, data, acked, key)
		return nil
	})
	return nil
}

// retransmit sends data until acked is closed or the link is closed.
func (l *Link) retransmit(addr *net.UDPAddr, data []byte, acked chan struct{}, key ackKey) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.baseSleep
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = l.maxSleep
	b.MaxElapsedTime = 0
	b.Reset()

	operation := func() error {
		select {
		case <-acked:
			return nil
		default:
		}
		if err := l.trans.SendTo(addr, data); err != nil {
			if errors.Is(err, ErrTransportShutdown) {
				return backoff.Permanent(err)
			}
			l.logger.Warn("failed to send datagram", "dest", key.dest, "id", key.id, "error", err)
		}
		return errNotAcked
	}
	_ = backoff.Retry(operation, backoff.WithContext(b, l.ctx))
}

// Broadcast sends a copy of msg to every replica, each with its own id and retransmissions.
func (l *Link) Broadcast(msg *message.Message) error {
	var firstErr error
	for _, r := range l.replicas {
		if err := l.Send(r, msg.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Receive blocks until the next message arrives. Local messages are delivered first.
// A message with a bad signature comes out as INVALID, and a duplicate as IGNORE unless it
// is a COMMIT. Errors concern a single datagram, except ErrTransportShutdown.
func (l *Link) Receive(ctx context.Context) (*message.Message, error) {
	select {
	case m := <-l.localCh:
		return m, nil
	default:
	}
	select {
	case m := <-l.localCh:
		return m, nil
	case d, ok := <-l.trans.MsgChan():
		if !ok {
			return nil, ErrTransportShutdown
		}
		return l.handleDatagram(d)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, ErrTransportShutdown
	}
}

func (l *Link) handleDatagram(d Datagram) (*message.Message, error) {
	m, err := message.Decode(d.Data)
	if err != nil {
		return nil, err
	}
	if _, ok := l.peers[m.SenderID]; !ok {
		return nil, fmt.Errorf("%w: datagram from %s (%s)", ErrUnknownPeer, m.SenderID, d.From)
	}
	valid, err := l.signer.Verify(m.SenderID, m.Signable(), m.Signature)
	if err != nil {
		return nil, err
	}

	if m.Type == message.AckTag {
		if valid {
			l.acknowledged(m.SenderID, m.MessageID)
		}
		return m, nil
	}
	if !valid {
		l.logger.Debug("invalid signature", "sender", m.SenderID, "id", m.MessageID, "type", m.Type)
		m.Type = message.InvalidTag
		return m, nil
	}

	original := m.Type
	if !l.markReceived(m.SenderID, m.MessageID) && original != message.CommitTag {
		m.Type = message.IgnoreTag
	}
	switch original {
	case message.PrepareTag, message.CommitTag, message.RoundChangeTag:
		if m.ReplyTo == l.id {
			l.acknowledged(m.SenderID, m.ReplyToMessageID)
		}
	}
	l.sendAck(d.From, m.MessageID)
	return m, nil
}

func (l *Link) markReceived(sender string, id uint64) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	s, ok := l.received[sender]
	if !ok {
		s = newIDSet()
		l.received[sender] = s
	}
	return s.add(id)
}

func (l *Link) acknowledged(dest string, id uint64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	key := ackKey{dest: dest, id: id}
	if acked, ok := l.pending[key]; ok {
		close(acked)
		delete(l.pending, key)
	}
}

// sendAck answers unreliably: duplicate acks are harmless and a lost one is recovered
// by the next retransmission.
func (l *Link) sendAck(to *net.UDPAddr, id uint64) {
	ack := message.NewAck(l.id, id)
	sig, err := l.signer.Sign(ack.Signable())
	if err != nil {
		l.logger.Error("failed to sign ack", "error", err)
		return
	}
	ack.Signature = sig
	data, err := message.Encode(ack)
	if err != nil {
		l.logger.Error("failed to encode ack", "error", err)
		return
	}
	if err := l.trans.SendTo(to, data); err != nil && !errors.Is(err, ErrTransportShutdown) {
		l.logger.Warn("failed to send ack", "to", to.String(), "error", err)
	}
}

// Pending returns the number of messages still waiting for an acknowledgement.
func (l *Link) Pending() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.pending)
}

// Close stops every retransmission and the transport.
func (l *Link) Close() error {
	l.cancel()
	err := l.trans.Close()
	_ = l.group.Wait()
	return err
}
