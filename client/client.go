/*
Package client implements the library the clients of the ledger use to submit transfers and to
query balances. A reply is accepted once f+1 replicas agree on it.
*/
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/gitzhang10/hdsledger/config"
	"github.com/gitzhang10/hdsledger/conn"
	"github.com/gitzhang10/hdsledger/ledger"
	"github.com/gitzhang10/hdsledger/message"
	"github.com/gitzhang10/hdsledger/sign"
	"github.com/hashicorp/go-hclog"
	"go.dedis.ch/kyber/v3/share"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidProof is returned for a decision whose threshold signature does not verify.
var ErrInvalidProof = errors.New("invalid proof of decision")

// TransferResult is the outcome of a transfer agreed by f+1 replicas.
type TransferResult struct {
	Transaction *ledger.Transaction
	Status      ledger.Status
	Position    int
	Instance    int
	BlockDigest string
	Proof       []byte
}

// BalanceResult is the balance of an account agreed by f+1 replicas.
type BalanceResult struct {
	AccountID string
	Balance   int64
	Status    ledger.Status
}

// waiter collects the replies of the replicas to one request, one per replica.
type waiter struct {
	replies map[string]*message.Message
	done    chan *message.Message
}

type Client struct {
	name          string
	link          *conn.Link
	keyRing       *sign.KeyRing
	replicas      []string
	existsCorrect int
	tsPublicKey   *share.PubPoly

	lock      sync.Mutex
	transfers map[string]*waiter // map from transaction key to waiter
	balances  map[string]*waiter // map from account to waiter
	balanceMu sync.Map           // map from account to *sync.Mutex, one query per account at a time

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	logger hclog.Logger
}

// NewClient binds the socket of the client named conf.Name.
func NewClient(conf *config.Config) (*Client, error) {
	addr, ok := conf.ClientAddr[conf.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a client", conn.ErrUnknownPeer, conf.Name)
	}
	replicas := conf.Replicas()
	peers := make(map[string]string, len(replicas))
	for _, r := range replicas {
		peers[r] = net.JoinHostPort(conf.ClusterAddr[r], strconv.Itoa(conf.ClusterClientPort[r]))
	}
	logger := conf.Logger("client-" + conf.Name)
	keyRing := conf.KeyRing()
	link, err := conn.NewLink(&conn.LinkConfig{
		Signer:    keyRing,
		BindAddr:  net.JoinHostPort(addr, strconv.Itoa(conf.ClientPort[conf.Name])),
		Peers:     peers,
		Replicas:  replicas,
		BaseSleep: conf.BaseSleep,
		Logger:    logger.Named("link"),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &Client{
		name:          conf.Name,
		link:          link,
		keyRing:       keyRing,
		replicas:      replicas,
		existsCorrect: conf.ExistsCorrectSize(),
		tsPublicKey:   conf.TsPublicKey,
		transfers:     make(map[string]*waiter),
		balances:      make(map[string]*waiter),
		ctx:           ctx,
		cancel:        cancel,
		group:         group,
		logger:        logger,
	}, nil
}

// Start runs the loop receiving the replies of the replicas.
func (c *Client) Start() {
	c.group.Go(c.receiveLoop)
}

// Close stops the client.
func (c *Client) Close() error {
	c.cancel()
	err := c.link.Close()
	_ = c.group.Wait()
	return err
}

// Name returns the identity of the client.
func (c *Client) Name() string {
	return c.name
}

// Transfer moves amount from the account of the client to receiver.
func (c *Client) Transfer(ctx context.Context, receiver string, amount int64) (*TransferResult, error) {
	tx := ledger.NewTransaction(c.name, receiver, amount)
	sig, err := c.keyRing.Sign(tx.Signable())
	if err != nil {
		return nil, err
	}
	tx.Signature = sig
	return c.SubmitTransaction(ctx, tx)
}

// SubmitTransaction broadcasts an already signed transaction and waits for f+1 matching replies.
func (c *Client) SubmitTransaction(ctx context.Context, tx *ledger.Transaction) (*TransferResult, error) {
	key := tx.Key()
	w := &waiter{replies: make(map[string]*message.Message), done: make(chan *message.Message, 1)}
	c.lock.Lock()
	c.transfers[key] = w
	c.lock.Unlock()
	defer func() {
		c.lock.Lock()
		delete(c.transfers, key)
		c.lock.Unlock()
	}()

	if err := c.link.Broadcast(message.New(c.name, message.TransferTag, &message.Transfer{Transaction: tx})); err != nil {
		return nil, err
	}
	select {
	case m := <-w.done:
		resp, _ := m.TransferResponse()
		result := &TransferResult{
			Transaction: resp.Transaction,
			Status:      resp.Status,
			Position:    resp.Position,
			Instance:    resp.Instance,
			BlockDigest: resp.BlockDigest,
			Proof:       resp.Proof,
		}
		if err := c.verifyProof(result); err != nil {
			return result, err
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, conn.ErrTransportShutdown
	}
}

// verifyProof checks the threshold signature of a successful transfer.
func (c *Client) verifyProof(r *TransferResult) error {
	if c.tsPublicKey == nil || r.Status != ledger.Success {
		return nil
	}
	ok, err := sign.VerifyTS(c.tsPublicKey, message.DecisionDigest(r.Instance, r.BlockDigest), r.Proof)
	if err != nil || !ok {
		return fmt.Errorf("%w: instance %d", ErrInvalidProof, r.Instance)
	}
	return nil
}

// Balance queries the balance of an account.
func (c *Client) Balance(ctx context.Context, account string) (*BalanceResult, error) {
	mu, _ := c.balanceMu.LoadOrStore(account, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	w := &waiter{replies: make(map[string]*message.Message), done: make(chan *message.Message, 1)}
	c.lock.Lock()
	c.balances[account] = w
	c.lock.Unlock()
	defer func() {
		c.lock.Lock()
		delete(c.balances, account)
		c.lock.Unlock()
	}()

	if err := c.link.Broadcast(message.New(c.name, message.BalanceTag, &message.Balance{AccountID: account})); err != nil {
		return nil, err
	}
	select {
	case m := <-w.done:
		resp, _ := m.BalanceResponse()
		return &BalanceResult{AccountID: resp.AccountID, Balance: resp.Balance, Status: resp.Status}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, conn.ErrTransportShutdown
	}
}

func (c *Client) receiveLoop() error {
	for {
		msg, err := c.link.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, conn.ErrTransportShutdown) {
				return nil
			}
			c.logger.Warn("failed to receive a reply", "error", err)
			continue
		}
		switch msg.Type {
		case message.TransferResponseTag:
			resp, _ := msg.TransferResponse()
			c.collect(c.transfers, resp.Transaction.Key(), msg, sameTransferReply)
		case message.BalanceResponseTag:
			resp, _ := msg.BalanceResponse()
			c.collect(c.balances, resp.AccountID, msg, sameBalanceReply)
		case message.AckTag, message.IgnoreTag:
		case message.InvalidTag:
			c.logger.Warn("dropped reply", "replica", msg.SenderID, "error", conn.ErrAuthentication)
		default:
			c.logger.Debug("unexpected reply type", "type", msg.Type, "replica", msg.SenderID)
		}
	}
}

// collect stores the reply of a replica, replacing its previous one, and completes the request
// once f+1 replicas sent the same reply.
func (c *Client) collect(waiters map[string]*waiter, key string, msg *message.Message,
	same func(a, b *message.Message) bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	w, ok := waiters[key]
	if !ok {
		return
	}
	w.replies[msg.SenderID] = msg
	matching := 0
	for _, r := range w.replies {
		if same(r, msg) {
			matching++
		}
	}
	if matching >= c.existsCorrect {
		select {
		case w.done <- msg:
		default:
		}
	}
}

func sameTransferReply(a, b *message.Message) bool {
	ra, _ := a.TransferResponse()
	rb, _ := b.TransferResponse()
	return ra.Status == rb.Status && ra.Position == rb.Position
}

func sameBalanceReply(a, b *message.Message) bool {
	ra, _ := a.BalanceResponse()
	rb, _ := b.BalanceResponse()
	return ra.Status == rb.Status && ra.Balance == rb.Balance
}
