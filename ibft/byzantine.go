package ibft

import (
	"github.com/gitzhang10/hdsledger/ledger"
)

// Behavior selects a faulty behaviour of a replica, used to exercise the protocol in tests.
type Behavior string

const (
	BehaviorNone Behavior = "NONE"
	// SilentLeader drops its own PRE_PREPARE messages.
	SilentLeader Behavior = "SILENT_LEADER"
	// DiffValue proposes a fabricated block when leading.
	DiffValue Behavior = "DIFF_VALUE"
	// PrepareValue prepares a fabricated block.
	PrepareValue Behavior = "PREPARE_VALUE"
	// CommitValue commits a fabricated block.
	CommitValue Behavior = "COMMIT_VALUE"
	// NoCommit withholds its COMMIT messages in round 1.
	NoCommit Behavior = "NO_COMMIT"
	// BigInstance proposes instance 2 as instance 10000.
	BigInstance Behavior = "BIG_INSTANCE"
	// IgnoreClient drops every request of the first client.
	IgnoreClient Behavior = "IGNORE_CLIENT"
)

const bigInstance = 10000

func parseBehavior(s string) Behavior {
	switch b := Behavior(s); b {
	case SilentLeader, DiffValue, PrepareValue, CommitValue, NoCommit, BigInstance, IgnoreClient:
		return b
	}
	return BehaviorNone
}

// fabricatedBlock is a block no correct replica would accept: its transaction is not signed.
func fabricatedBlock(author string) *ledger.Block {
	return ledger.NewBlock(author, []*ledger.Transaction{
		{Sender: author, Receiver: author, Amount: 1 << 40, Nonce: 1},
	})
}

func (n *Node) proposedInstance(instance int) int {
	if n.behavior == BigInstance && instance == 2 {
		return bigInstance
	}
	return instance
}

func (n *Node) prepareValue(block *ledger.Block) *ledger.Block {
	if n.behavior == PrepareValue {
		return fabricatedBlock(n.name)
	}
	return block
}

func (n *Node) commitValue(block *ledger.Block) *ledger.Block {
	if n.behavior == CommitValue {
		return fabricatedBlock(n.name)
	}
	return block
}

func (n *Node) withholdCommit(round int) bool {
	return n.behavior == NoCommit && round == 1
}

func (n *Node) ignoresClient(client string) bool {
	clients := n.conf.Clients()
	return n.behavior == IgnoreClient && len(clients) > 0 && clients[0] == client
}
