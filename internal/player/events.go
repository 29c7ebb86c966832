package player

import "sync"

// DefaultSubscriberBuffer is the channel capacity used when Subscribe is
// called with a non-positive size.
const DefaultSubscriberBuffer = 8

// Events fans PlayerState snapshots out to subscribers. Publishing never
// blocks: a subscriber that falls behind loses its oldest snapshot.
type Events struct {
	mu     sync.Mutex
	latest PlayerState
	subs   map[int]chan PlayerState
	nextID int
	closed bool
}

// NewEvents returns an Events holding initial as the latest snapshot.
func NewEvents(initial PlayerState) *Events {
	return &Events{
		latest: initial.clone(),
		subs:   make(map[int]chan PlayerState),
	}
}

// Latest returns the most recently published snapshot.
func (e *Events) Latest() PlayerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest.clone()
}

// Subscribe returns a channel receiving every subsequent snapshot, starting
// with the current one, and a function that unsubscribes and closes it.
func (e *Events) Subscribe(size int) (<-chan PlayerState, func()) {
	if size <= 0 {
		size = DefaultSubscriberBuffer
	}
	ch := make(chan PlayerState, size)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	ch <- e.latest.clone()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
}

// Publish records s as the latest snapshot and delivers it to subscribers.
func (e *Events) Publish(s PlayerState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.latest = s.clone()
	for _, ch := range e.subs {
		deliver(ch, e.latest.clone())
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (e *Events) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}

// deliver sends s, dropping the oldest queued snapshot when ch is full.
// Caller must hold the Events lock, which makes it the only sender.
func deliver(ch chan PlayerState, s PlayerState) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
