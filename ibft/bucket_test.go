package ibft

import (
	"testing"

	"github.com/gitzhang10/hdsledger/ledger"
	"github.com/gitzhang10/hdsledger/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prepareMsg(sender string, instance, round int, block *ledger.Block) *message.Message {
	return message.NewConsensus(sender, message.PrepareTag, instance, round, &message.Prepare{Block: block})
}

func roundChangeMsg(sender string, instance, round, preparedRound int, block *ledger.Block) *message.Message {
	return message.NewConsensus(sender, message.RoundChangeTag, instance, round,
		&message.RoundChange{PreparedRound: preparedRound, PreparedBlock: block})
}

func TestPrepareQuorum(t *testing.T) {
	b := NewMessageBucket(4)
	blockA := ledger.NewBlock("1", nil)
	blockB := ledger.NewBlock("2", nil)

	b.AddMessage(prepareMsg("1", 1, 1, blockA))
	b.AddMessage(prepareMsg("2", 1, 1, blockA))
	assert.Nil(t, b.HasValidPrepareQuorum(1, 1))

	// the same sender counts once
	b.AddMessage(prepareMsg("2", 1, 1, blockA))
	assert.Nil(t, b.HasValidPrepareQuorum(1, 1))

	b.AddMessage(prepareMsg("3", 1, 1, blockB))
	assert.Nil(t, b.HasValidPrepareQuorum(1, 1))

	b.AddMessage(prepareMsg("4", 1, 1, blockA))
	block := b.HasValidPrepareQuorum(1, 1)
	require.NotNil(t, block)
	assert.Equal(t, blockA.Digest(), block.Digest())

	assert.Nil(t, b.HasValidPrepareQuorum(1, 2))
	assert.Nil(t, b.HasValidCommitQuorum(2, 1))
	assert.Len(t, b.Messages(1, 1), 4)
	assert.Equal(t, "1", b.Messages(1, 1)[0].SenderID)
}

func TestRoundChangeQuorumReturnsHighestPrepared(t *testing.T) {
	b := NewMessageBucket(4)
	block := ledger.NewBlock("1", nil)

	b.AddMessage(roundChangeMsg("1", 1, 2, -1, nil))
	b.AddMessage(roundChangeMsg("2", 1, 2, 1, block))
	assert.Nil(t, b.HasValidRoundChangeQuorum(1, 2))
	assert.False(t, b.NonePreparedJustification(1, 2))

	b.AddMessage(roundChangeMsg("3", 1, 2, -1, nil))
	q := b.HasValidRoundChangeQuorum(1, 2)
	require.NotNil(t, q)
	assert.Equal(t, "2", q.SenderID)
	rc, ok := q.RoundChange()
	require.True(t, ok)
	assert.Equal(t, 1, rc.PreparedRound)
}

func TestNonePreparedJustification(t *testing.T) {
	b := NewMessageBucket(4)
	b.AddMessage(roundChangeMsg("1", 1, 2, -1, nil))
	b.AddMessage(roundChangeMsg("2", 1, 2, -1, nil))
	assert.True(t, b.NonePreparedJustification(1, 2))
	assert.True(t, b.NonePreparedJustification(1, 3))
}

func TestCorrectRoundChangeInSet(t *testing.T) {
	b := NewMessageBucket(4)
	block := ledger.NewBlock("1", nil)

	// one sender in two rounds is not enough
	b.AddMessage(roundChangeMsg("1", 1, 3, 1, block))
	b.AddMessage(roundChangeMsg("1", 1, 4, -1, nil))
	rc, minRound := b.HasCorrectRoundChangeInSet(1, 1)
	assert.Nil(t, rc)
	assert.Equal(t, 0, minRound)

	b.AddMessage(roundChangeMsg("2", 1, 5, -1, nil))
	rc, minRound = b.HasCorrectRoundChangeInSet(1, 1)
	require.NotNil(t, rc)
	assert.Equal(t, 3, minRound)

	// rounds up to the current one are not counted
	rc, _ = b.HasCorrectRoundChangeInSet(1, 4)
	assert.Nil(t, rc)
}
