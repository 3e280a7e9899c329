package sync

import (
	gosync "sync"

	"github.com/nhle/imapsync/internal/model"
)

// Fanout hands every status indication to all subscribers. A subscriber
// that does not keep up misses indications instead of blocking the engine.
type Fanout struct {
	mu      gosync.Mutex
	subs    map[int]chan model.Notification
	next    int
	dropped int
}

// NewFanout creates a Fanout without subscribers.
func NewFanout() *Fanout {
	return &Fanout{subs: make(map[int]chan model.Notification)}
}

// Subscribe returns a channel of indications and a function that ends the
// subscription and closes the channel.
func (f *Fanout) Subscribe(buffer int) (<-chan model.Notification, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan model.Notification, buffer)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	var once gosync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Notify implements engine.Notifier.
func (f *Fanout) Notify(n model.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subs {
		select {
		case ch <- n:
		default:
			f.dropped++
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (f *Fanout) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}
