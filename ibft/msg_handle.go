package ibft

import (
	"fmt"

	"github.com/gitzhang10/hdsledger/conn"
	"github.com/gitzhang10/hdsledger/ledger"
	"github.com/gitzhang10/hdsledger/message"
	"github.com/gitzhang10/hdsledger/sign"
)

// HandleMsgLoop receives the messages of the replicas and dispatches each one to its own task.
func (n *Node) HandleMsgLoop() error {
	for {
		msg, err := n.link.Receive(n.ctx)
		if err != nil {
			if n.stopped(err) {
				return nil
			}
			n.logger.Warn("failed to receive a message", "error", err)
			continue
		}
		switch msg.Type {
		case message.PrePrepareTag:
			n.group.Go(func() error {
				n.uponPrePrepare(msg)
				return nil
			})
		case message.PrepareTag:
			n.group.Go(func() error {
				n.uponPrepare(msg)
				return nil
			})
		case message.CommitTag:
			n.group.Go(func() error {
				n.uponCommit(msg)
				return nil
			})
		case message.RoundChangeTag:
			n.group.Go(func() error {
				n.uponRoundChange(msg)
				return nil
			})
		case message.AckTag:
		case message.IgnoreTag:
			n.logger.Debug("dropped message", "sender", msg.SenderID, "id", msg.MessageID, "error", conn.ErrDuplicate)
		case message.InvalidTag:
			n.logger.Warn("dropped message", "sender", msg.SenderID, "id", msg.MessageID, "error", conn.ErrAuthentication)
		default:
			n.logger.Warn("unexpected message type", "type", msg.Type, "sender", msg.SenderID)
		}
	}
}

func (n *Node) uponPrePrepare(msg *message.Message) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.uponPrePrepareLocked(msg)
}

func (n *Node) uponPrePrepareLocked(msg *message.Message) {
	instance, round, sender := msg.ConsensusInstance, msg.Round, msg.SenderID
	n.logger.Debug("received PRE_PREPARE", "instance", instance, "round", round, "sender", sender)

	if instance <= n.lastDecided {
		n.logger.Debug("PRE_PREPARE for a decided instance", "instance", instance, "sender", sender)
		return
	}
	if instance > n.consensusInstance+1 {
		n.logger.Warn("PRE_PREPARE for an instance not started", "instance", instance,
			"current", n.consensusInstance, "sender", sender)
		return
	}
	info, ok := n.instances[instance]
	if !ok || !info.started {
		// the request that triggers this instance has not arrived yet
		n.deferLocked(msg)
		return
	}
	if info.Committed() {
		return
	}
	if round > 1 && info.LatestRoundChange < round {
		// the ROUND_CHANGE quorum of this round was not processed yet
		n.deferLocked(msg)
		return
	}
	if round < info.CurrentRound {
		n.logger.Debug("stale PRE_PREPARE", "instance", instance, "round", round, "current", info.CurrentRound)
		return
	}
	if leader := n.leaderOf(info, round); sender != leader {
		n.logger.Warn("PRE_PREPARE not sent by the leader", "instance", instance, "round", round,
			"sender", sender, "leader", leader)
		return
	}

	if n.receivedPrePrepare[instance] == nil {
		n.receivedPrePrepare[instance] = make(map[int]*message.Message)
	}
	if prepare, ok := n.receivedPrePrepare[instance][round]; ok {
		// answer again so the leader stops retransmitting
		reply := prepare.Clone()
		reply.MessageID = 0
		reply.ReplyToMessageID = msg.MessageID
		n.send(sender, reply)
		return
	}

	block := msg.Block()
	if err := n.verifyBlock(block); err != nil {
		n.logger.Warn("rejected PRE_PREPARE", "instance", instance, "round", round, "sender", sender, "error", err)
		return
	}
	if !n.justifyPrePrepare(instance, round, block, msg.Justification) {
		n.logger.Warn("rejected PRE_PREPARE", "instance", instance, "round", round, "sender", sender,
			"error", ErrUnjustified)
		return
	}

	prepare := message.NewConsensus(n.name, message.PrepareTag, instance, round,
		&message.Prepare{Block: n.prepareValue(block)})
	prepare.ReplyTo = sender
	prepare.ReplyToMessageID = msg.MessageID
	n.receivedPrePrepare[instance][round] = prepare.Clone()
	n.broadcast(prepare)
	n.armTimerLocked(instance, info.CurrentRound)
}

// deferLocked keeps a PRE_PREPARE until the state of this node catches up with it.
func (n *Node) deferLocked(msg *message.Message) {
	if len(n.deferred) == maxDeferred {
		n.deferred = n.deferred[1:]
	}
	n.deferred = append(n.deferred, msg)
}

func (n *Node) replayDeferredLocked() {
	pending := n.deferred
	n.deferred = nil
	for _, m := range pending {
		n.uponPrePrepareLocked(m)
	}
}

// verifyBlock checks the signature of the block and of every transaction, and that the
// transactions can be applied in order on top of the ledger.
func (n *Node) verifyBlock(block *ledger.Block) error {
	if block == nil {
		return fmt.Errorf("%w: no block", ErrValidation)
	}
	if !n.conf.IsReplica(block.AuthorID) {
		return fmt.Errorf("%w: author %s is not a replica", ErrValidation, block.AuthorID)
	}
	if len(block.Transactions) > n.blockSize {
		return fmt.Errorf("%w: %d transactions in a block of size %d", ErrValidation,
			len(block.Transactions), n.blockSize)
	}
	if ok, err := n.keyRing.Verify(block.AuthorID, block.Signable(), block.Signature); err != nil || !ok {
		return fmt.Errorf("%w: bad signature of the block by %s", ErrValidation, block.AuthorID)
	}
	scratch := n.ledger.Scratch()
	for _, tx := range block.Transactions {
		if ok, err := n.keyRing.Verify(tx.Sender, tx.Signable(), tx.Signature); err != nil || !ok {
			return fmt.Errorf("%w: transaction %s: %s", ErrValidation, tx.Key(), ledger.FailedSignature)
		}
		if status := scratch.Apply(tx); status != ledger.Success {
			return fmt.Errorf("%w: transaction %s: %s", ErrValidation, tx.Key(), status)
		}
	}
	return nil
}

func (n *Node) uponPrepare(msg *message.Message) {
	instance, round := msg.ConsensusInstance, msg.Round
	n.logger.Debug("received PREPARE", "instance", instance, "round", round, "sender", msg.SenderID)

	n.lock.Lock()
	defer n.lock.Unlock()
	n.prepareBucket.AddMessage(msg)
	info := n.instanceLocked(instance)

	if info.PreparedRound >= round {
		// a late preparer still needs the COMMIT of this node
		if info.PreparedRound == round && info.CommitMessage != nil && !n.withholdCommit(round) {
			n.replyCommitLocked(instance, round, info.CommitMessage, msg)
		}
		return
	}

	block := n.prepareBucket.HasValidPrepareQuorum(instance, round)
	if block == nil {
		return
	}
	n.logger.Debug("PREPARE quorum", "instance", instance, "round", round, "block", block.Digest())
	info.PreparedRound = round
	info.PreparedBlock = block

	commitBlock := n.commitValue(block)
	info.CommitMessage = &message.Commit{
		Block:      commitBlock,
		PartialSig: n.partialSign(instance, commitBlock),
	}
	if n.withholdCommit(round) {
		n.logger.Info("withholding COMMIT", "instance", instance, "round", round)
		return
	}
	for _, p := range n.prepareBucket.Messages(instance, round) {
		n.replyCommitLocked(instance, round, info.CommitMessage, p)
	}
}

func (n *Node) replyCommitLocked(instance, round int, commit *message.Commit, prepare *message.Message) {
	m := message.NewConsensus(n.name, message.CommitTag, instance, round, commit)
	m.ReplyTo = prepare.SenderID
	m.ReplyToMessageID = prepare.MessageID
	n.send(prepare.SenderID, m)
}

func (n *Node) partialSign(instance int, block *ledger.Block) []byte {
	if n.tsPrivateKey == nil {
		return nil
	}
	partial, err := sign.SignTSPartial(n.tsPrivateKey, message.DecisionDigest(instance, block.Digest()))
	if err != nil {
		n.logger.Error("failed to sign the decision", "instance", instance, "error", err)
		return nil
	}
	return partial
}

func (n *Node) uponCommit(msg *message.Message) {
	instance, round := msg.ConsensusInstance, msg.Round
	n.logger.Debug("received COMMIT", "instance", instance, "round", round, "sender", msg.SenderID)

	commit, _ := msg.Commit()
	if n.tsPublicKey != nil {
		data := message.DecisionDigest(instance, commit.Block.Digest())
		if err := sign.VerifyTSPartial(n.tsPublicKey, data, commit.PartialSig); err != nil {
			n.logger.Warn("dropped COMMIT", "instance", instance, "sender", msg.SenderID,
				"error", fmt.Errorf("%w: partial signature: %v", conn.ErrAuthentication, err))
			return
		}
	}

	n.lock.Lock()
	defer n.lock.Unlock()
	n.commitBucket.AddMessage(msg)
	info := n.instanceLocked(instance)
	if info.Committed() {
		return
	}
	block := n.commitBucket.HasValidCommitQuorum(instance, round)
	if block == nil {
		return
	}

	proof := n.assembleProofLocked(instance, round, block)
	position, statuses, err := n.ledger.Commit(instance, block)
	if err != nil {
		n.logger.Error("failed to append the decided block", "instance", instance, "error", err)
		return
	}
	info.CommittedRound = round
	n.timer.StopInstance(instance)
	for {
		next, ok := n.instances[n.lastDecided+1]
		if !ok || !next.Committed() {
			break
		}
		n.lastDecided++
	}
	digest := block.Digest()
	n.logger.Info("decided", "instance", instance, "round", round, "position", position,
		"transactions", len(block.Transactions), "block", digest)

	for i, tx := range block.Transactions {
		n.requests.Remove(tx)
		n.respondTransfer(tx.Sender, &message.TransferResponse{
			Transaction: tx,
			Status:      statuses[i],
			Position:    position,
			Instance:    instance,
			BlockDigest: digest,
			Proof:       proof,
		}, 0)
	}
	n.pruneRequestsLocked()
}

// assembleProofLocked combines the partial signatures of the COMMIT quorum into the proof of the decision.
func (n *Node) assembleProofLocked(instance, round int, block *ledger.Block) []byte {
	if n.tsPublicKey == nil {
		return nil
	}
	digest := block.Digest()
	var partials [][]byte
	for _, m := range n.commitBucket.Messages(instance, round) {
		c, ok := m.Commit()
		if !ok || len(c.PartialSig) == 0 || c.Block.Digest() != digest {
			continue
		}
		partials = append(partials, c.PartialSig)
	}
	proof, err := sign.AssembleIntactTSPartial(partials, n.tsPublicKey, message.DecisionDigest(instance, digest),
		n.quorumNum, n.nodeNum)
	if err != nil {
		n.logger.Warn("failed to assemble the proof of the decision", "instance", instance, "error", err)
		return nil
	}
	return proof
}

// pruneRequestsLocked answers and drops the queued requests the ledger can no longer accept.
func (n *Node) pruneRequestsLocked() {
	for _, tx := range n.requests.Pending() {
		if status := n.ledger.Validate(tx); status != ledger.Success {
			n.requests.Remove(tx)
			n.respondTransfer(tx.Sender, &message.TransferResponse{Transaction: tx, Status: status}, 0)
		}
	}
}

func (n *Node) uponRoundChange(msg *message.Message) {
	instance, round, sender := msg.ConsensusInstance, msg.Round, msg.SenderID
	n.logger.Debug("received ROUND_CHANGE", "instance", instance, "round", round, "sender", sender)

	n.lock.Lock()
	defer n.lock.Unlock()
	n.roundChangeBucket.AddMessage(msg)
	info := n.instanceLocked(instance)
	if info.Committed() {
		// the sender missed the decision, hand it the COMMIT quorum
		if sender == n.name {
			return
		}
		for _, c := range n.commitBucket.Messages(instance, info.CommittedRound) {
			n.send(sender, c)
		}
		return
	}
	if !info.started {
		// evaluated once the instance starts
		return
	}
	n.roundChangeRulesLocked(instance)
}

// roundChangeRulesLocked applies the two ROUND_CHANGE rules: move to the lowest round announced
// by f+1 replicas, and start a round once a justified quorum of ROUND_CHANGE is stored.
func (n *Node) roundChangeRulesLocked(instance int) {
	info := n.instances[instance]
	if info == nil || info.Committed() {
		return
	}

	if rc, minRound := n.roundChangeBucket.HasCorrectRoundChangeInSet(instance, info.CurrentRound); rc != nil &&
		minRound > info.LatestRoundChangeBroadcast {
		n.logger.Info("joining the round change", "instance", instance, "round", minRound)
		info.CurrentRound = minRound
		info.LatestRoundChangeBroadcast = minRound
		n.broadcastRoundChangeLocked(instance, info)
		n.armTimerLocked(instance, minRound)
	}

	if info.LatestRoundChange >= info.CurrentRound {
		return
	}
	round := info.CurrentRound
	q := n.roundChangeBucket.HasValidRoundChangeQuorum(instance, round)
	if q == nil {
		return
	}
	if !n.justifyRoundChange(instance, round, q.Justification) {
		n.logger.Warn("ROUND_CHANGE quorum without justification", "instance", instance, "round", round,
			"error", ErrUnjustified)
		return
	}
	info.LatestRoundChange = round
	n.leader = n.leaderOf(info, round)
	n.logger.Info("round change", "instance", instance, "round", round, "leader", n.leader)

	if n.leader == n.name {
		var block *ledger.Block
		if rc, ok := q.RoundChange(); ok && rc.PreparedRound != -1 && rc.PreparedBlock != nil {
			block = rc.PreparedBlock
		} else {
			block = n.buildBlockLocked()
		}
		pp := message.NewConsensus(n.name, message.PrePrepareTag, instance, round, &message.PrePrepare{Block: block})
		pp.Justification = q.Justification
		n.broadcastPrePrepareLocked(pp)
	}
	n.armTimerLocked(instance, round)
	n.replayDeferredLocked()
}

func (n *Node) uponTimerExpiry(e expiry) {
	n.lock.Lock()
	defer n.lock.Unlock()
	info, ok := n.instances[e.instance]
	if !ok || info.Committed() || info.CurrentRound != e.round {
		return
	}
	info.CurrentRound++
	info.LatestRoundChangeBroadcast = info.CurrentRound
	n.logger.Info("round timer expired", "instance", e.instance, "round", e.round, "next", info.CurrentRound)
	n.broadcastRoundChangeLocked(e.instance, info)
	n.armTimerLocked(e.instance, info.CurrentRound)
	n.roundChangeRulesLocked(e.instance)
}
