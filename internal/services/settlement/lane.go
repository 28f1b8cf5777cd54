package settlement

import (
	"context"
	"sync"
)

// walletLane serializes everything that touches one hot wallet's signing key
// and sequence. Waiters are admitted in arrival order and give up with ctx.
type walletLane struct {
	slot chan struct{}
}

func newWalletLane() *walletLane {
	return &walletLane{slot: make(chan struct{}, 1)}
}

func (l *walletLane) acquire(ctx context.Context) error {
	select {
	case l.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *walletLane) release() {
	<-l.slot
}

type laneKey struct {
	chain  string
	wallet string
}

type lanes struct {
	mu    sync.Mutex
	byKey map[laneKey]*walletLane
}

func (ls *lanes) get(chain, wallet string) *walletLane {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.byKey == nil {
		ls.byKey = make(map[laneKey]*walletLane)
	}
	k := laneKey{chain: chain, wallet: wallet}
	l, ok := ls.byKey[k]
	if !ok {
		l = newWalletLane()
		ls.byKey[k] = l
	}
	return l
}
