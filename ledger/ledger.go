package ledger

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInstanceDecided is returned when a second block is committed for the same instance.
var ErrInstanceDecided = errors.New("instance already decided")

// Ledger holds the decided blocks, the account balances and the completed transactions.
// One lock covers all of them: a decision updates them atomically.
type Ledger struct {
	lock      sync.Mutex
	blocks    []*Block // blocks[i] is the decision of instance i+1
	balances  map[string]int64
	completed map[string]struct{}
	fee       int64
}

// New creates a Ledger whose accounts start with the given balances.
// Only those accounts can receive transfers.
func New(accounts map[string]int64, fee int64) *Ledger {
	balances := make(map[string]int64, len(accounts))
	for id, b := range accounts {
		balances[id] = b
	}
	return &Ledger{
		balances:  balances,
		completed: make(map[string]struct{}),
		fee:       fee,
	}
}

// Fee returns the fee paid to the block author per transaction.
func (l *Ledger) Fee() int64 {
	return l.fee
}

// Commit appends the decision of instance, moves the funds of every valid transaction and
// pays the fees to the author. It returns the ledger position of the block and the outcome
// of each transaction, in block order.
func (l *Ledger) Commit(instance int, block *Block) (int, []Status, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if instance < 1 {
		return 0, nil, fmt.Errorf("invalid instance %d", instance)
	}
	// reserve the capacity up to the instance index
	for len(l.blocks) < instance {
		l.blocks = append(l.blocks, nil)
	}
	if l.blocks[instance-1] != nil {
		return 0, nil, fmt.Errorf("%w: %d", ErrInstanceDecided, instance)
	}
	l.blocks[instance-1] = block

	statuses := make([]Status, len(block.Transactions))
	for i, tx := range block.Transactions {
		statuses[i] = l.applyLocked(tx, block.AuthorID)
	}
	// the slot of the instance, equal to the length of the ledger when decisions arrive in order
	return instance, statuses, nil
}

func (l *Ledger) applyLocked(tx *Transaction, author string) Status {
	s := validate(tx, l.balances, l.completed, l.fee)
	if s != Success {
		return s
	}
	l.balances[tx.Sender] -= tx.Amount + l.fee
	l.balances[tx.Receiver] += tx.Amount
	l.balances[author] += l.fee
	l.completed[tx.Key()] = struct{}{}
	return Success
}

func validate(tx *Transaction, balances map[string]int64, completed map[string]struct{}, fee int64) Status {
	if _, ok := completed[tx.Key()]; ok {
		return FailedRepeated
	}
	if _, ok := balances[tx.Sender]; !ok {
		return FailedSender
	}
	if _, ok := balances[tx.Receiver]; !ok {
		return FailedReceiver
	}
	if tx.Sender == tx.Receiver {
		return FailedSender
	}
	if tx.Amount < 0 || balances[tx.Sender] < tx.Amount+fee {
		return FailedBalance
	}
	return Success
}

// Validate checks a transaction against the committed state, without its signature.
func (l *Ledger) Validate(tx *Transaction) Status {
	l.lock.Lock()
	defer l.lock.Unlock()
	return validate(tx, l.balances, l.completed, l.fee)
}

// Balance returns the committed balance of an account.
func (l *Ledger) Balance(id string) (int64, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	b, ok := l.balances[id]
	return b, ok
}

// IsCompleted reports whether the transaction was already applied by a decided block.
func (l *Ledger) IsCompleted(tx *Transaction) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	_, ok := l.completed[tx.Key()]
	return ok
}

// Blocks returns a copy of the decided blocks in ledger order.
func (l *Ledger) Blocks() []*Block {
	l.lock.Lock()
	defer l.lock.Unlock()
	blocks := make([]*Block, len(l.blocks))
	copy(blocks, l.blocks)
	return blocks
}

// Size returns the number of ledger positions.
func (l *Ledger) Size() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.blocks)
}

// Scratch is a private copy of the committed state. Applying a sequence of transactions to it
// tells which of them could be decided together in one block.
type Scratch struct {
	balances  map[string]int64
	completed map[string]struct{}
	fee       int64
}

// Scratch snapshots the committed state.
func (l *Ledger) Scratch() *Scratch {
	l.lock.Lock()
	defer l.lock.Unlock()
	s := &Scratch{
		balances:  make(map[string]int64, len(l.balances)),
		completed: make(map[string]struct{}, len(l.completed)),
		fee:       l.fee,
	}
	for id, b := range l.balances {
		s.balances[id] = b
	}
	for k := range l.completed {
		s.completed[k] = struct{}{}
	}
	return s
}

// Apply validates tx against the scratch state and, when valid, applies it.
// Fees are not credited: a block author cannot spend the fees of its own block.
func (s *Scratch) Apply(tx *Transaction) Status {
	st := validate(tx, s.balances, s.completed, s.fee)
	if st != Success {
		return st
	}
	s.balances[tx.Sender] -= tx.Amount + s.fee
	s.balances[tx.Receiver] += tx.Amount
	s.completed[tx.Key()] = struct{}{}
	return Success
}
