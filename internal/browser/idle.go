package browser

import (
	"context"
	"sync"
	"time"
)

const idlePollInterval = 50 * time.Millisecond

// idleTracker implements the "network idle" heuristic: the page has loaded and no
// more than maxInflight requests have been pending for a full window
type idleTracker struct {
	mu          sync.Mutex
	inflight    map[string]struct{}
	maxInflight int
	window      time.Duration
	loaded      bool
	idleSince   time.Time
	now         func() time.Time
}

func newIdleTracker(maxInflight int, window time.Duration) *idleTracker {
	t := &idleTracker{
		inflight:    make(map[string]struct{}),
		maxInflight: maxInflight,
		window:      window,
		now:         time.Now,
	}
	t.idleSince = t.now()
	return t
}

func (t *idleTracker) started(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[id] = struct{}{}
	if len(t.inflight) > t.maxInflight {
		t.idleSince = time.Time{}
	}
}

func (t *idleTracker) finished(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[id]; !ok {
		return
	}
	delete(t.inflight, id)
	if len(t.inflight) <= t.maxInflight && t.idleSince.IsZero() {
		t.idleSince = t.now()
	}
}

func (t *idleTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loaded = false
}

func (t *idleTracker) markLoaded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loaded = true
}

func (t *idleTracker) idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded || t.idleSince.IsZero() {
		return false
	}
	return t.now().Sub(t.idleSince) >= t.window
}

// wait blocks until idle or ctx is done
func (t *idleTracker) wait(ctx context.Context) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		if t.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
