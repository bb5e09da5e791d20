package dispatch

import "sync"

// statusInbox collects task updates from submitter goroutines for the
// offer loop. Push never blocks, so a submitter may report from inside
// Submit.
type statusInbox struct {
	mu      sync.Mutex
	updates []TaskStatus
	signal  chan struct{} // buffered, size 1
}

func newStatusInbox() *statusInbox {
	return &statusInbox{signal: make(chan struct{}, 1)}
}

// Push records an update and wakes the loop.
func (b *statusInbox) Push(s TaskStatus) {
	b.mu.Lock()
	b.updates = append(b.updates, s)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Drain returns and clears the pending updates in arrival order.
func (b *statusInbox) Drain() []TaskStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.updates
	b.updates = nil
	return out
}

// Wait signals that updates may be pending.
func (b *statusInbox) Wait() <-chan struct{} {
	return b.signal
}
