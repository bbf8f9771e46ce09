package ibft

import (
	"github.com/gitzhang10/hdsledger/ledger"
	"github.com/gitzhang10/hdsledger/message"
)

// justifyRoundChange checks the ROUND_CHANGE quorum stored for a round. It is justified when none
// of its messages carries a prepared value, or when justification holds a PREPARE quorum for the
// value of the highest prepared round.
func (n *Node) justifyRoundChange(instance, round int, justification []*message.Message) bool {
	if n.roundChangeBucket.NonePreparedJustification(instance, round) {
		return true
	}
	highest := n.roundChangeBucket.HighestPrepared(instance, round)
	if highest == nil {
		return false
	}
	rc, ok := highest.RoundChange()
	if !ok || rc.PreparedBlock == nil {
		return false
	}

	prepares := NewMessageBucket(n.nodeNum)
	for _, m := range justification {
		if m == nil || m.Type != message.PrepareTag || m.ConsensusInstance != instance ||
			m.Round != rc.PreparedRound {
			continue
		}
		// clients hold keys of the same ring but never vote
		if !n.conf.IsReplica(m.SenderID) {
			n.logger.Debug("justification from a non-replica", "instance", instance, "sender", m.SenderID)
			continue
		}
		if ok, err := n.keyRing.Verify(m.SenderID, m.Signable(), m.Signature); err != nil || !ok {
			n.logger.Debug("justification with an invalid signature", "instance", instance,
				"sender", m.SenderID)
			continue
		}
		prepares.AddMessage(m)
	}
	block := prepares.HasValidPrepareQuorum(instance, rc.PreparedRound)
	return block != nil && block.Digest() == rc.PreparedBlock.Digest()
}

// justifyPrePrepare accepts every PRE_PREPARE of round 1. Later rounds need a justified
// ROUND_CHANGE quorum, and when that quorum carries a prepared value the block must be that value.
func (n *Node) justifyPrePrepare(instance, round int, block *ledger.Block, justification []*message.Message) bool {
	if round == 1 {
		return true
	}
	if !n.justifyRoundChange(instance, round, justification) {
		return false
	}
	if n.roundChangeBucket.NonePreparedJustification(instance, round) {
		return true
	}
	rc, ok := n.roundChangeBucket.HighestPrepared(instance, round).RoundChange()
	return ok && block != nil && block.Digest() == rc.PreparedBlock.Digest()
}
