package sqlstore

import "sync"

// bus wakes live subscriptions after a commit. Signals are coalesced: a
// listener that already has a wakeup pending does not get a second one, and
// re-reads the change log from its own cursor when it wakes.
type bus struct {
	m    sync.Mutex
	next int
	subs map[int]chan struct{}
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan struct{})}
}

func (b *bus) subscribe() (int, <-chan struct{}) {
	b.m.Lock()
	defer b.m.Unlock()
	b.next++
	ch := make(chan struct{}, 1)
	b.subs[b.next] = ch
	return b.next, ch
}

func (b *bus) unsubscribe(id int) {
	b.m.Lock()
	defer b.m.Unlock()
	delete(b.subs, id)
}

func (b *bus) publish() {
	b.m.Lock()
	defer b.m.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
