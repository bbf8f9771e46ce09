package ibft

import (
	"github.com/gitzhang10/hdsledger/conn"
	"github.com/gitzhang10/hdsledger/ledger"
	"github.com/gitzhang10/hdsledger/message"
)

// HandleClientLoop receives the requests of the clients.
func (n *Node) HandleClientLoop() error {
	for {
		msg, err := n.clientLink.Receive(n.ctx)
		if err != nil {
			if n.stopped(err) {
				return nil
			}
			n.logger.Warn("failed to receive a request", "error", err)
			continue
		}
		switch msg.Type {
		case message.TransferTag:
			n.group.Go(func() error {
				n.handleTransfer(msg)
				return nil
			})
		case message.BalanceTag:
			n.group.Go(func() error {
				n.handleBalance(msg)
				return nil
			})
		case message.AckTag, message.IgnoreTag:
		case message.InvalidTag:
			n.logger.Warn("dropped request", "client", msg.SenderID, "id", msg.MessageID, "error", conn.ErrAuthentication)
		default:
			n.logger.Warn("unexpected request type", "type", msg.Type, "client", msg.SenderID)
		}
	}
}

func (n *Node) handleTransfer(msg *message.Message) {
	t, _ := msg.Transfer()
	tx := t.Transaction
	if n.ignoresClient(msg.SenderID) {
		n.logger.Info("ignoring a request", "client", msg.SenderID)
		return
	}

	status := n.admit(msg.SenderID, tx)
	n.logger.Debug("transfer request", "client", msg.SenderID, "tx", tx.Key(), "status", status)
	if status != ledger.Success {
		n.respondTransfer(msg.SenderID, &message.TransferResponse{Transaction: tx, Status: status}, msg.MessageID)
		return
	}

	n.lock.Lock()
	n.accepted++
	trigger := n.accepted%n.blockSize == 0
	n.lock.Unlock()
	if trigger {
		n.group.Go(func() error {
			n.startConsensus()
			return nil
		})
	}
}

// admit checks a transfer request and queues it on success.
func (n *Node) admit(client string, tx *ledger.Transaction) ledger.Status {
	if tx.Sender != client {
		return ledger.FailedSignature
	}
	if ok, err := n.keyRing.Verify(tx.Sender, tx.Signable(), tx.Signature); err != nil || !ok {
		return ledger.FailedSignature
	}
	if n.requests.Contains(tx) {
		return ledger.FailedRepeated
	}
	if status := n.ledger.Validate(tx); status != ledger.Success {
		return status
	}
	if !n.requests.Add(tx) {
		return ledger.FailedRepeated
	}
	return ledger.Success
}

func (n *Node) handleBalance(msg *message.Message) {
	b, _ := msg.Balance()
	if n.ignoresClient(msg.SenderID) {
		n.logger.Info("ignoring a request", "client", msg.SenderID)
		return
	}
	balance, ok := n.ledger.Balance(b.AccountID)
	status := ledger.Success
	if !ok {
		status = ledger.FailedID
	}
	resp := message.New(n.name, message.BalanceResponseTag, &message.BalanceResponse{
		AccountID: b.AccountID,
		Balance:   balance,
		Status:    status,
	})
	resp.ReplyTo = msg.SenderID
	resp.ReplyToMessageID = msg.MessageID
	if err := n.clientLink.Send(msg.SenderID, resp); err != nil {
		n.logger.Debug("failed to answer the client", "client", msg.SenderID, "error", err)
	}
}
