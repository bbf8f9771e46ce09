package ibft

import (
	"github.com/gitzhang10/hdsledger/ledger"
	"github.com/gitzhang10/hdsledger/message"
)

// send message to all replicas
func (n *Node) broadcast(msg *message.Message) {
	if err := n.link.Broadcast(msg); err != nil {
		n.logger.Error("failed to broadcast", "type", msg.Type, "instance", msg.ConsensusInstance,
			"round", msg.Round, "error", err)
	}
}

func (n *Node) send(dest string, msg *message.Message) {
	if err := n.link.Send(dest, msg); err != nil {
		n.logger.Error("failed to send", "type", msg.Type, "dest", dest, "instance", msg.ConsensusInstance,
			"round", msg.Round, "error", err)
	}
}

func (n *Node) broadcastPrePrepareLocked(pp *message.Message) {
	if n.behavior == SilentLeader {
		n.logger.Info("withholding PRE_PREPARE", "instance", pp.ConsensusInstance, "round", pp.Round)
		return
	}
	n.broadcast(pp)
}

// broadcastRoundChangeLocked announces the current round of an instance, justified by the
// PREPARE quorum of the prepared round, if any.
func (n *Node) broadcastRoundChangeLocked(instance int, info *InstanceInfo) {
	rc := message.NewConsensus(n.name, message.RoundChangeTag, instance, info.CurrentRound, &message.RoundChange{
		PreparedRound: info.PreparedRound,
		PreparedBlock: info.PreparedBlock,
	})
	if info.PreparedRound != -1 {
		rc.Justification = n.prepareBucket.Messages(instance, info.PreparedRound)
	}
	n.broadcast(rc)
}

// buildBlockLocked takes up to blockSize queued requests that apply in order on top of the ledger.
// The requests that can no longer succeed are answered and dropped.
func (n *Node) buildBlockLocked() *ledger.Block {
	scratch := n.ledger.Scratch()
	var txs []*ledger.Transaction
	for _, tx := range n.requests.Pending() {
		if len(txs) == n.blockSize {
			break
		}
		if status := scratch.Apply(tx); status != ledger.Success {
			n.requests.Remove(tx)
			n.respondTransfer(tx.Sender, &message.TransferResponse{Transaction: tx, Status: status}, 0)
			continue
		}
		txs = append(txs, tx)
	}
	return n.signedBlock(ledger.NewBlock(n.name, txs))
}

func (n *Node) signedBlock(block *ledger.Block) *ledger.Block {
	sig, err := n.keyRing.Sign(block.Signable())
	if err != nil {
		n.logger.Error("failed to sign the block", "error", err)
		return block
	}
	block.Signature = sig
	return block
}

// respondTransfer answers a client about a transaction. Unknown clients are not answered.
func (n *Node) respondTransfer(client string, resp *message.TransferResponse, replyTo uint64) {
	if n.clientLink == nil {
		return
	}
	m := message.New(n.name, message.TransferResponseTag, resp)
	m.ReplyTo = client
	m.ReplyToMessageID = replyTo
	if err := n.clientLink.Send(client, m); err != nil {
		n.logger.Debug("failed to answer the client", "client", client, "status", resp.Status, "error", err)
	}
}
