package ibft

import (
	"sync"

	"github.com/gitzhang10/hdsledger/ledger"
)

// RequestQueue keeps the accepted transfer requests waiting for a decision, in arrival order.
type RequestQueue struct {
	lock  sync.Mutex
	order []string
	txs   map[string]*ledger.Transaction
}

// NewRequestQueue creates an empty queue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{txs: make(map[string]*ledger.Transaction)}
}

// Add appends tx and reports whether it was not queued yet.
func (q *RequestQueue) Add(tx *ledger.Transaction) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	key := tx.Key()
	if _, ok := q.txs[key]; ok {
		return false
	}
	q.txs[key] = tx
	q.order = append(q.order, key)
	return true
}

// Contains reports whether a transaction with the same key is queued.
func (q *RequestQueue) Contains(tx *ledger.Transaction) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	_, ok := q.txs[tx.Key()]
	return ok
}

// Remove drops the transaction with the same key.
func (q *RequestQueue) Remove(tx *ledger.Transaction) {
	q.lock.Lock()
	defer q.lock.Unlock()
	key := tx.Key()
	if _, ok := q.txs[key]; !ok {
		return
	}
	delete(q.txs, key)
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Pending returns the queued transactions in arrival order.
func (q *RequestQueue) Pending() []*ledger.Transaction {
	q.lock.Lock()
	defer q.lock.Unlock()
	txs := make([]*ledger.Transaction, 0, len(q.order))
	for _, k := range q.order {
		txs = append(txs, q.txs[k])
	}
	return txs
}

// Len returns the number of queued transactions.
func (q *RequestQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.order)
}
