package ibft

import (
	"sort"
	"sync"

	"github.com/gitzhang10/hdsledger/ledger"
	"github.com/gitzhang10/hdsledger/message"
)

// MessageBucket stores the latest consensus message of every sender for each instance and round,
// and answers the quorum queries of the protocol.
type MessageBucket struct {
	quorumNum        int
	existsCorrectNum int

	lock     sync.RWMutex
	messages map[int]map[int]map[string]*message.Message // map from instance to round to sender to message
}

// NewMessageBucket creates a bucket for a cluster of nodeNum replicas.
func NewMessageBucket(nodeNum int) *MessageBucket {
	f := (nodeNum - 1) / 3
	return &MessageBucket{
		quorumNum:        (nodeNum+f)/2 + 1,
		existsCorrectNum: f + 1,
		messages:         make(map[int]map[int]map[string]*message.Message),
	}
}

// AddMessage stores msg, replacing an earlier message of the same sender for the same instance and round.
func (b *MessageBucket) AddMessage(msg *message.Message) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, ok := b.messages[msg.ConsensusInstance]; !ok {
		b.messages[msg.ConsensusInstance] = make(map[int]map[string]*message.Message)
	}
	if _, ok := b.messages[msg.ConsensusInstance][msg.Round]; !ok {
		b.messages[msg.ConsensusInstance][msg.Round] = make(map[string]*message.Message)
	}
	b.messages[msg.ConsensusInstance][msg.Round][msg.SenderID] = msg
}

// Messages returns the stored messages of an instance and round, ordered by sender.
func (b *MessageBucket) Messages(instance, round int) []*message.Message {
	b.lock.RLock()
	defer b.lock.RUnlock()
	stored := b.messages[instance][round]
	msgs := make([]*message.Message, 0, len(stored))
	for _, m := range stored {
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].SenderID < msgs[j].SenderID })
	return msgs
}

// HasValidPrepareQuorum returns the block voted by a quorum of PREPARE messages, if any.
func (b *MessageBucket) HasValidPrepareQuorum(instance, round int) *ledger.Block {
	return b.valueWithQuorum(instance, round)
}

// HasValidCommitQuorum returns the block voted by a quorum of COMMIT messages, if any.
func (b *MessageBucket) HasValidCommitQuorum(instance, round int) *ledger.Block {
	return b.valueWithQuorum(instance, round)
}

// valueWithQuorum groups the stored votes by block digest. At most one value reaches the
// quorum since the quorum is larger than half of the replicas.
func (b *MessageBucket) valueWithQuorum(instance, round int) *ledger.Block {
	b.lock.RLock()
	defer b.lock.RUnlock()
	count := make(map[string]int)
	for _, m := range b.messages[instance][round] {
		block := m.Block()
		if block == nil {
			continue
		}
		digest := block.Digest()
		count[digest]++
		if count[digest] >= b.quorumNum {
			return block
		}
	}
	return nil
}

// HasValidRoundChangeQuorum returns the ROUND_CHANGE with the highest prepared round when a
// quorum of ROUND_CHANGE messages is stored for the instance and round.
func (b *MessageBucket) HasValidRoundChangeQuorum(instance, round int) *message.Message {
	b.lock.RLock()
	size := len(b.messages[instance][round])
	b.lock.RUnlock()
	if size < b.quorumNum {
		return nil
	}
	return b.HighestPrepared(instance, round)
}

// HasCorrectRoundChangeInSet looks at the ROUND_CHANGE messages of every round above currentRound.
// When they come from at least f+1 distinct senders, it returns the one with the lowest
// prepared round and the lowest round of the set.
func (b *MessageBucket) HasCorrectRoundChangeInSet(instance, currentRound int) (*message.Message, int) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	senders := make(map[string]struct{})
	var lowest *message.Message
	minRound := 0
	for round, stored := range b.messages[instance] {
		if round <= currentRound {
			continue
		}
		for sender, m := range stored {
			senders[sender] = struct{}{}
			if minRound == 0 || round < minRound {
				minRound = round
			}
			if lowest == nil || preparedRound(m) < preparedRound(lowest) {
				lowest = m
			}
		}
	}
	if len(senders) < b.existsCorrectNum {
		return nil, 0
	}
	return lowest, minRound
}

// HighestPrepared returns the stored ROUND_CHANGE with the highest prepared round.
func (b *MessageBucket) HighestPrepared(instance, round int) *message.Message {
	b.lock.RLock()
	defer b.lock.RUnlock()
	var highest *message.Message
	for _, m := range b.messages[instance][round] {
		if highest == nil || preparedRound(m) > preparedRound(highest) ||
			(preparedRound(m) == preparedRound(highest) && m.SenderID < highest.SenderID) {
			highest = m
		}
	}
	return highest
}

// NonePreparedJustification reports whether no stored ROUND_CHANGE of the instance and round
// carries a prepared value.
func (b *MessageBucket) NonePreparedJustification(instance, round int) bool {
	b.lock.RLock()
	defer b.lock.RUnlock()
	for _, m := range b.messages[instance][round] {
		if rc, ok := m.RoundChange(); ok && rc.PreparedBlock != nil {
			return false
		}
	}
	return true
}

func preparedRound(m *message.Message) int {
	if rc, ok := m.RoundChange(); ok {
		return rc.PreparedRound
	}
	return -1
}
