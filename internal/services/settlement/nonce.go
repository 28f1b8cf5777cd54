package settlement

import (
	"context"
	"sync"
)

// nonceTracker hands out per-wallet sequence numbers. The network's pending
// count can lag behind broadcasts, so the local counter wins when it is ahead.
type nonceTracker struct {
	mu   sync.Mutex
	next map[string]uint64
}

func newNonceTracker() *nonceTracker {
	return &nonceTracker{next: make(map[string]uint64)}
}

// Next returns max(local next, network pending).
func (t *nonceTracker) Next(ctx context.Context, wallet string, network func(ctx context.Context) (uint64, error)) (uint64, error) {
	n, err := network(ctx)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if local := t.next[wallet]; local > n {
		return local, nil
	}
	return n, nil
}

// Commit records that used went out.
func (t *nonceTracker) Commit(wallet string, used uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if used+1 > t.next[wallet] {
		t.next[wallet] = used + 1
	}
}

// Reset forgets the local counter so the next call trusts the network.
func (t *nonceTracker) Reset(wallet string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.next, wallet)
}
