package ibft

import (
	"github.com/gitzhang10/hdsledger/ledger"
	"github.com/gitzhang10/hdsledger/message"
)

// InstanceInfo is the state of this node in one consensus instance. The round fields are
// watermarks: each upon rule fires at most once per round.
type InstanceInfo struct {
	CurrentRound   int
	PreparedRound  int // -1 if nothing was prepared
	PreparedBlock  *ledger.Block
	CommitMessage  *message.Commit // resent to late preparers
	CommittedRound int             // -1 until decided

	LatestRoundChangeBroadcast int // the highest round this node asked to move to
	LatestRoundChange          int // the highest round whose ROUND_CHANGE quorum was processed

	// BaseLeader leads round 1, round r is led by the (r-1)-th successor of BaseLeader.
	BaseLeader string
	started    bool
}

// NewInstanceInfo creates the state of an instance led by leader at round 1.
func NewInstanceInfo(leader string) *InstanceInfo {
	return &InstanceInfo{
		CurrentRound:               1,
		PreparedRound:              -1,
		CommittedRound:             -1,
		LatestRoundChangeBroadcast: -1,
		LatestRoundChange:          -1,
		BaseLeader:                 leader,
	}
}

// Committed reports whether the instance was decided.
func (i *InstanceInfo) Committed() bool {
	return i.CommittedRound != -1
}
