package ibft

import (
	"sync"
	"time"
)

// expiry identifies the instance and round a round timer was armed for.
type expiry struct {
	instance int
	round    int
}

// RoundTimer is the single round-change timer of a node. Arming it cancels the previous deadline.
// A stale expiry that races with a re-arm is filtered by the round watermarks of the node.
type RoundTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	armed   expiry
	running bool
	gen     uint64
	ch      chan expiry
}

// NewRoundTimer creates a stopped timer.
func NewRoundTimer() *RoundTimer {
	return &RoundTimer{
		ch: make(chan expiry, 1),
	}
}

// Start arms the timer for an instance and round, replacing any running deadline.
func (t *RoundTimer) Start(instance, round int, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	e := expiry{instance: instance, round: round}
	t.armed = e
	t.running = true
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.gen != gen {
			// re-armed or stopped meanwhile
			return
		}
		t.running = false
		select {
		case t.ch <- e:
		default:
			// Channel full, timer already fired
		}
	})
}

// StopInstance cancels the timer if it runs for instance.
func (t *RoundTimer) StopInstance(instance int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running && t.armed.instance == instance {
		t.stopLocked()
	}
}

// Stop cancels the timer.
func (t *RoundTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *RoundTimer) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.running = false
	t.gen++
	// Drain channel
	select {
	case <-t.ch:
	default:
	}
}

// Armed returns the instance and round of the running deadline.
func (t *RoundTimer) Armed() (instance, round int, running bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed.instance, t.armed.round, t.running
}

// C returns the channel that receives the expired deadlines.
func (t *RoundTimer) C() <-chan expiry {
	return t.ch
}
