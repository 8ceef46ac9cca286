package matrix

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallnest/checkpointgo/store"
)

// keyedMutex serializes mutating operations per thread address. The
// Matrix adapter commits through a read-modify-write cycle, so two
// writers on the same address must not interleave; writers on different
// addresses are independent.
type keyedMutex struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{slots: make(map[string]chan struct{})}
}

func (k *keyedMutex) slot(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot, ok := k.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		k.slots[key] = slot
	}
	return slot
}

// lock acquires the slot for key, waiting at most timeout. On success the
// caller must call unlock with the same key.
func (k *keyedMutex) lock(ctx context.Context, key string, timeout time.Duration) error {
	slot := k.slot(key)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("lock %s: %w", key, store.ErrAddressLockTimeout)
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

func (k *keyedMutex) unlock(key string) {
	<-k.slot(key)
}
