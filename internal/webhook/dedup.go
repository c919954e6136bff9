package webhook

import (
	"sync"
	"time"
)

// dedupWindow is how long a processed MsgId stays remembered. The platform
// retries deliveries for minutes, not days, so a day is comfortably past it.
const dedupWindow = 24 * time.Hour

// Deduper remembers recently processed message ids so platform redeliveries
// do not trigger duplicate extractions.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewDeduper creates an empty dedup window.
func NewDeduper() *Deduper {
	return &Deduper{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// SeenOrMark reports whether the message id was already marked within the
// window, marking it in the same critical section. Concurrent deliveries of
// the same id therefore agree on exactly one first-timer.
func (d *Deduper) SeenOrMark(msgID string) bool {
	if msgID == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	at, ok := d.seen[msgID]
	if ok && now.Sub(at) < dedupWindow {
		return true
	}

	d.seen[msgID] = now
	// Opportunistic GC keeps the map bounded without a sweeper goroutine.
	if len(d.seen) > 10000 {
		cutoff := now.Add(-dedupWindow)
		for id, stamped := range d.seen {
			if stamped.Before(cutoff) {
				delete(d.seen, id)
			}
		}
	}
	return false
}

// Forget drops the mark so a later redelivery is processed again. Used when
// the work behind a first-time delivery could not be started.
func (d *Deduper) Forget(msgID string) {
	if msgID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, msgID)
}
