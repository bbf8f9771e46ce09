package ibft

import (
	"errors"
	"testing"

	"github.com/gitzhang10/hdsledger/ledger"
	"github.com/gitzhang10/hdsledger/message"
	"github.com/gitzhang10/hdsledger/sign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaderOf(t *testing.T) {
	c := newTestCluster(t)
	n, _, _ := newFakeNode(t, c, "2")
	info := NewInstanceInfo("1")
	assert.Equal(t, "1", n.leaderOf(info, 1))
	assert.Equal(t, "2", n.leaderOf(info, 2))
	assert.Equal(t, "4", n.leaderOf(info, 4))
	assert.Equal(t, "1", n.leaderOf(info, 5))
	assert.Equal(t, "1", n.nextReplica("4"))
}

func TestVerifyBlock(t *testing.T) {
	c := newTestCluster(t)
	n, _, _ := newFakeNode(t, c, "2")

	tx1 := c.signedTx(t, "20", "21", 10)
	tx2 := c.signedTx(t, "21", "20", 10)
	require.NoError(t, n.verifyBlock(c.signedBlock(t, "1", tx1, tx2)))
	require.NoError(t, n.verifyBlock(c.signedBlock(t, "1")))

	cases := map[string]*ledger.Block{
		"no block":          nil,
		"client author":     c.signedBlock(t, "20", tx1),
		"unsigned block":    ledger.NewBlock("1", []*ledger.Transaction{tx1}),
		"too many":          c.signedBlock(t, "1", tx1, tx2, c.signedTx(t, "20", "21", 1)),
		"unsigned tx":       c.signedBlock(t, "1", fabricatedBlock("1").Transactions...),
		"overdraft":         c.signedBlock(t, "1", c.signedTx(t, "20", "21", 1000)),
		"overdraft in turn": c.signedBlock(t, "1", c.signedTx(t, "20", "21", 600), c.signedTx(t, "20", "21", 600)),
	}
	for name, block := range cases {
		err := n.verifyBlock(block)
		assert.ErrorIs(t, err, ErrValidation, name)
	}
}

func TestPrePrepareIsAnsweredOnce(t *testing.T) {
	c := newTestCluster(t)
	n, link, _ := newFakeNode(t, c, "2")
	n.startConsensus()

	block := c.signedBlock(t, "1", c.signedTx(t, "20", "21", 10))
	pp := message.NewConsensus("1", message.PrePrepareTag, 1, 1, &message.PrePrepare{Block: block})
	pp.MessageID = 7
	n.uponPrePrepare(pp)

	prepares := link.byType(message.PrepareTag)
	require.Len(t, prepares, 1)
	assert.Empty(t, prepares[0].dest)
	assert.Equal(t, "1", prepares[0].msg.ReplyTo)
	assert.Equal(t, uint64(7), prepares[0].msg.ReplyToMessageID)
	assert.Equal(t, block.Digest(), prepares[0].msg.Block().Digest())

	// a retransmission is answered to the leader only
	pp2 := message.NewConsensus("1", message.PrePrepareTag, 1, 1, &message.PrePrepare{Block: block})
	pp2.MessageID = 9
	n.uponPrePrepare(pp2)
	prepares = link.byType(message.PrepareTag)
	require.Len(t, prepares, 2)
	assert.Equal(t, "1", prepares[1].dest)
	assert.Equal(t, uint64(9), prepares[1].msg.ReplyToMessageID)

	// only the leader proposes
	n.uponPrePrepare(message.NewConsensus("3", message.PrePrepareTag, 1, 1, &message.PrePrepare{Block: block}))
	assert.Len(t, link.byType(message.PrepareTag), 2)
}

func TestPrePrepareIsDeferredUntilTheInstanceStarts(t *testing.T) {
	c := newTestCluster(t)
	n, link, _ := newFakeNode(t, c, "3")

	block := c.signedBlock(t, "1")
	n.uponPrePrepare(message.NewConsensus("1", message.PrePrepareTag, 1, 1, &message.PrePrepare{Block: block}))
	assert.Empty(t, link.byType(message.PrepareTag))
	assert.Len(t, n.deferred, 1)

	// far ahead instances are rejected
	n.uponPrePrepare(message.NewConsensus("1", message.PrePrepareTag, bigInstance, 1, &message.PrePrepare{Block: block}))
	assert.Len(t, n.deferred, 1)

	n.startConsensus()
	assert.Len(t, link.byType(message.PrepareTag), 1)
	assert.Empty(t, n.deferred)
}

func TestPrepareAndCommitQuorums(t *testing.T) {
	c := newTestCluster(t)
	n, link, clientLink := newFakeNode(t, c, "2")
	n.startConsensus()

	tx1 := c.signedTx(t, "20", "21", 10)
	tx2 := c.signedTx(t, "21", "20", 5)
	require.True(t, n.requests.Add(tx1))
	require.True(t, n.requests.Add(tx2))
	block := c.signedBlock(t, "1", tx1, tx2)

	for _, r := range []string{"1", "3", "4"} {
		p := prepareMsg(r, 1, 1, block)
		p.MessageID = 3
		n.uponPrepare(p)
	}
	commits := link.byType(message.CommitTag)
	require.Len(t, commits, 3)
	for _, s := range commits {
		assert.Equal(t, s.dest, s.msg.ReplyTo)
		assert.Equal(t, uint64(3), s.msg.ReplyToMessageID)
	}
	info, ok := n.Instance(1)
	require.True(t, ok)
	assert.Equal(t, 1, info.PreparedRound)

	// a late preparer gets the COMMIT too
	n.uponPrepare(prepareMsg("2", 1, 1, block))
	assert.Len(t, link.byType(message.CommitTag), 4)

	data := message.DecisionDigest(1, block.Digest())
	for i, r := range testReplicas {
		if r == "2" {
			continue
		}
		partial, err := sign.SignTSPartial(c.tsShares[i], data)
		require.NoError(t, err)
		n.uponCommit(message.NewConsensus(r, message.CommitTag, 1, 1,
			&message.Commit{Block: block, PartialSig: partial}))
	}

	assert.Equal(t, 1, n.Ledger().Size())
	assert.Equal(t, 1, n.LastDecided())
	assert.Equal(t, 0, n.Requests().Len())
	balance, _ := n.Ledger().Balance("20")
	assert.Equal(t, int64(1000-10-1+5), balance)
	balance, _ = n.Ledger().Balance("1")
	assert.Equal(t, int64(2), balance)

	responses := clientLink.byType(message.TransferResponseTag)
	require.Len(t, responses, 2)
	for _, s := range responses {
		resp, ok := s.msg.TransferResponse()
		require.True(t, ok)
		assert.Equal(t, resp.Transaction.Sender, s.dest)
		assert.Equal(t, ledger.Success, resp.Status)
		assert.Equal(t, 1, resp.Position)
		valid, err := sign.VerifyTS(c.tsPub, message.DecisionDigest(resp.Instance, resp.BlockDigest), resp.Proof)
		require.NoError(t, err)
		assert.True(t, valid)
	}
}

func TestCommitWithBadPartialIsDropped(t *testing.T) {
	c := newTestCluster(t)
	n, _, _ := newFakeNode(t, c, "2")
	block := c.signedBlock(t, "1")

	partial, err := sign.SignTSPartial(c.tsShares[0], message.DecisionDigest(2, block.Digest()))
	require.NoError(t, err)
	n.uponCommit(message.NewConsensus("1", message.CommitTag, 1, 1,
		&message.Commit{Block: block, PartialSig: partial}))
	assert.Empty(t, n.commitBucket.Messages(1, 1))
}

func TestJustifyRoundChange(t *testing.T) {
	c := newTestCluster(t)
	n, _, _ := newFakeNode(t, c, "2")
	block := c.signedBlock(t, "1", c.signedTx(t, "20", "21", 10))

	var justification []*message.Message
	for _, r := range []string{"1", "3", "4"} {
		justification = append(justification, c.signedMsg(t, prepareMsg(r, 1, 1, block)))
	}
	n.roundChangeBucket.AddMessage(roundChangeMsg("1", 1, 2, 1, block))
	n.roundChangeBucket.AddMessage(roundChangeMsg("3", 1, 2, -1, nil))
	n.roundChangeBucket.AddMessage(roundChangeMsg("4", 1, 2, -1, nil))

	assert.True(t, n.justifyRoundChange(1, 2, justification))
	assert.True(t, n.justifyPrePrepare(1, 1, nil, nil))
	assert.True(t, n.justifyPrePrepare(1, 2, block, justification))
	assert.False(t, n.justifyPrePrepare(1, 2, block, justification[:2]))

	forged := prepareMsg("3", 1, 1, block)
	forged.Signature = justification[0].Signature
	assert.False(t, n.justifyRoundChange(1, 2, []*message.Message{justification[0], justification[1], forged}))

	other := c.signedBlock(t, "1")
	var wrongValue []*message.Message
	for _, r := range []string{"1", "3", "4"} {
		wrongValue = append(wrongValue, c.signedMsg(t, prepareMsg(r, 1, 1, other)))
	}
	assert.False(t, n.justifyRoundChange(1, 2, wrongValue))

	// a quorum that prepared nothing needs no justification
	assert.True(t, n.justifyRoundChange(1, 3, nil))
}

func TestTimerExpiryStartsRoundChange(t *testing.T) {
	c := newTestCluster(t)
	n, link, _ := newFakeNode(t, c, "3")
	n.startConsensus()

	n.uponTimerExpiry(expiry{instance: 1, round: 1})
	rcs := link.byType(message.RoundChangeTag)
	require.Len(t, rcs, 1)
	assert.Equal(t, 2, rcs[0].msg.Round)
	rc, ok := rcs[0].msg.RoundChange()
	require.True(t, ok)
	assert.Equal(t, -1, rc.PreparedRound)
	assert.Empty(t, rcs[0].msg.Justification)

	info, _ := n.Instance(1)
	assert.Equal(t, 2, info.CurrentRound)
	assert.Equal(t, 2, info.LatestRoundChangeBroadcast)
	inst, round, running := n.timer.Armed()
	assert.Equal(t, 1, inst)
	assert.Equal(t, 2, round)
	assert.True(t, running)

	// stale expiries are ignored
	n.uponTimerExpiry(expiry{instance: 1, round: 1})
	assert.Len(t, link.byType(message.RoundChangeTag), 1)
}

func TestRoundChangeElectsTheNextLeader(t *testing.T) {
	c := newTestCluster(t)
	n, link, _ := newFakeNode(t, c, "2")
	n.startConsensus()
	require.True(t, n.requests.Add(c.signedTx(t, "20", "21", 10)))

	n.uponRoundChange(roundChangeMsg("1", 1, 2, -1, nil))
	assert.Empty(t, link.byType(message.RoundChangeTag))

	// f+1 replicas moved on, join them
	n.uponRoundChange(roundChangeMsg("3", 1, 2, -1, nil))
	require.Len(t, link.byType(message.RoundChangeTag), 1)
	info, _ := n.Instance(1)
	assert.Equal(t, 2, info.CurrentRound)

	n.uponRoundChange(roundChangeMsg("4", 1, 2, -1, nil))
	assert.Equal(t, "2", n.Leader())
	pps := link.byType(message.PrePrepareTag)
	require.Len(t, pps, 1)
	assert.Equal(t, 2, pps[0].msg.Round)
	require.NotNil(t, pps[0].msg.Block())
	assert.Len(t, pps[0].msg.Block().Transactions, 1)

	// the quorum of a round is processed once
	n.uponRoundChange(roundChangeMsg("2", 1, 2, -1, nil))
	assert.Len(t, link.byType(message.PrePrepareTag), 1)
}

func TestRoundChangeProposesThePreparedValue(t *testing.T) {
	c := newTestCluster(t)
	n, link, _ := newFakeNode(t, c, "2")
	n.startConsensus()
	block := c.signedBlock(t, "1", c.signedTx(t, "20", "21", 10))

	var justification []*message.Message
	for _, r := range []string{"1", "3", "4"} {
		justification = append(justification, c.signedMsg(t, prepareMsg(r, 1, 1, block)))
	}
	prepared := roundChangeMsg("1", 1, 2, 1, block)
	prepared.Justification = justification
	n.uponRoundChange(prepared)
	n.uponRoundChange(roundChangeMsg("3", 1, 2, -1, nil))
	n.uponRoundChange(roundChangeMsg("4", 1, 2, -1, nil))

	pps := link.byType(message.PrePrepareTag)
	require.Len(t, pps, 1)
	assert.Equal(t, block.Digest(), pps[0].msg.Block().Digest())
	assert.Len(t, pps[0].msg.Justification, 3)
}

func TestRoundChangeOnDecidedInstanceResendsCommits(t *testing.T) {
	c := newTestCluster(t)
	n, link, _ := newFakeNode(t, c, "2")
	n.startConsensus()
	block := c.signedBlock(t, "1")

	data := message.DecisionDigest(1, block.Digest())
	for i, r := range []string{"1", "3", "4"} {
		idx := []int{0, 2, 3}[i]
		partial, err := sign.SignTSPartial(c.tsShares[idx], data)
		require.NoError(t, err)
		n.uponCommit(message.NewConsensus(r, message.CommitTag, 1, 1,
			&message.Commit{Block: block, PartialSig: partial}))
	}
	require.Equal(t, 1, n.LastDecided())
	link.reset()

	n.uponRoundChange(roundChangeMsg("4", 1, 2, -1, nil))
	commits := link.byType(message.CommitTag)
	require.Len(t, commits, 3)
	for _, s := range commits {
		assert.Equal(t, "4", s.dest)
	}
}

func TestAdmission(t *testing.T) {
	c := newTestCluster(t)
	n, _, _ := newFakeNode(t, c, "1")

	tx := c.signedTx(t, "20", "21", 10)
	assert.Equal(t, ledger.FailedSignature, n.admit("21", tx))
	assert.Equal(t, ledger.Success, n.admit("20", tx))
	assert.Equal(t, ledger.FailedRepeated, n.admit("20", tx))

	forged := ledger.NewTransaction("20", "21", 10)
	forged.Signature = tx.Signature
	assert.Equal(t, ledger.FailedSignature, n.admit("20", forged))

	assert.Equal(t, ledger.FailedBalance, n.admit("20", c.signedTx(t, "20", "21", 5000)))
	assert.Equal(t, ledger.FailedReceiver, n.admit("20", c.signedTx(t, "20", "99", 1)))
	assert.Equal(t, 1, n.Requests().Len())
}

func TestErrValidationWraps(t *testing.T) {
	c := newTestCluster(t)
	n, _, _ := newFakeNode(t, c, "1")
	err := n.verifyBlock(ledger.NewBlock("9", nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "not a replica")
}

func TestJustificationCountsReplicasOnly(t *testing.T) {
	c := newTestCluster(t)
	n, _, _ := newFakeNode(t, c, "1")
	block := c.signedBlock(t, "3", c.signedTx(t, "20", "21", 10))

	n.roundChangeBucket.AddMessage(roundChangeMsg("2", 1, 2, 1, block))
	n.roundChangeBucket.AddMessage(roundChangeMsg("3", 1, 2, -1, nil))
	n.roundChangeBucket.AddMessage(roundChangeMsg("4", 1, 2, -1, nil))

	// clients sign with keys of the same ring
	var withClients []*message.Message
	for _, sender := range []string{"2", "20", "21"} {
		withClients = append(withClients, c.signedMsg(t, prepareMsg(sender, 1, 1, block)))
	}
	assert.False(t, n.justifyRoundChange(1, 2, withClients))
	assert.False(t, n.justifyPrePrepare(1, 2, block, withClients))

	var replicas []*message.Message
	for _, sender := range []string{"2", "3", "4"} {
		replicas = append(replicas, c.signedMsg(t, prepareMsg(sender, 1, 1, block)))
	}
	assert.True(t, n.justifyRoundChange(1, 2, replicas))
}

func TestNewLeaderMustProposeThePreparedValue(t *testing.T) {
	c := newTestCluster(t)
	n, link, _ := newFakeNode(t, c, "3")
	n.startConsensus()
	prepared := c.signedBlock(t, "1", c.signedTx(t, "20", "21", 10))
	other := c.signedBlock(t, "2", c.signedTx(t, "21", "20", 7))

	var justification []*message.Message
	for _, r := range []string{"1", "2", "4"} {
		justification = append(justification, c.signedMsg(t, prepareMsg(r, 1, 1, prepared)))
	}
	rc := roundChangeMsg("1", 1, 2, 1, prepared)
	rc.Justification = justification
	n.uponRoundChange(rc)
	n.uponRoundChange(roundChangeMsg("2", 1, 2, -1, nil))
	n.uponRoundChange(roundChangeMsg("4", 1, 2, -1, nil))
	info, _ := n.Instance(1)
	require.Equal(t, 2, info.LatestRoundChange)
	require.Equal(t, "2", n.Leader())

	// a valid justification for the prepared value does not cover another block
	pp := message.NewConsensus("2", message.PrePrepareTag, 1, 2, &message.PrePrepare{Block: other})
	pp.Justification = justification
	n.uponPrePrepare(pp)
	assert.Empty(t, link.byType(message.PrepareTag))

	pp = message.NewConsensus("2", message.PrePrepareTag, 1, 2, &message.PrePrepare{Block: prepared})
	pp.Justification = justification
	n.uponPrePrepare(pp)
	prepares := link.byType(message.PrepareTag)
	require.Len(t, prepares, 1)
	assert.Equal(t, prepared.Digest(), prepares[0].msg.Block().Digest())
}

func TestVerifyBlockRejectsReshapedTransaction(t *testing.T) {
	c := newTestCluster(t)
	n, _, _ := newFakeNode(t, c, "2")

	tx := &ledger.Transaction{Sender: "20", Receiver: "21", Amount: 5, Nonce: 71}
	sig, err := c.keyRing("20").Sign(tx.Signable())
	require.NoError(t, err)
	tx.Signature = sig
	reshaped := &ledger.Transaction{Sender: "20", Receiver: "21", Amount: 57, Nonce: 1, Signature: sig}

	require.NoError(t, n.verifyBlock(c.signedBlock(t, "1", tx)))
	assert.ErrorIs(t, n.verifyBlock(c.signedBlock(t, "1", tx, reshaped)), ErrValidation)
	assert.Equal(t, ledger.FailedSignature, n.admit("20", reshaped))
}
