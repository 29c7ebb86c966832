package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"chunk-player/internal/player"
)

// ErrAutoplayBlocked is returned by Play when autoplay is disabled and no
// user interaction has been recorded.
var ErrAutoplayBlocked = errors.New("autoplay blocked")

// Listener receives media clock events.
type Listener interface {
	OnTimeUpdate(t float64)
	OnWaiting()
	OnPlaying()
	OnPause()
	OnEnded()
}

// Timeline exposes what the clock may play through.
type Timeline interface {
	Buffered() []player.TimeRange
	Duration() float64
}

// Element is a simulated media element. Its clock only advances through
// buffered data and stops at the timeline's duration.
type Element struct {
	timeline Timeline
	autoplay bool

	mu         sync.Mutex
	listener   Listener
	current    float64
	paused     bool
	waiting    bool
	ended      bool
	interacted bool
}

// NewElement returns a paused element at position zero.
func NewElement(timeline Timeline, autoplay bool) *Element {
	return &Element{timeline: timeline, autoplay: autoplay, paused: true}
}

// SetListener registers the receiver of clock events.
func (e *Element) SetListener(l Listener) {
	e.mu.Lock()
	e.listener = l
	e.mu.Unlock()
}

// CurrentTime implements player.Element.
func (e *Element) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// SetCurrentTime implements player.Element.
func (e *Element) SetCurrentTime(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = max(0, t)
	if d := e.timeline.Duration(); d > 0 && e.current < d {
		e.ended = false
	}
}

// Play implements player.Element.
func (e *Element) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.autoplay && !e.interacted {
		return ErrAutoplayBlocked
	}
	if e.ended {
		e.current = 0
		e.ended = false
	}
	e.paused = false
	return nil
}

// Pause implements player.Element.
func (e *Element) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Paused implements player.Element.
func (e *Element) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Interact records a user gesture, which lifts the autoplay restriction.
func (e *Element) Interact() {
	e.mu.Lock()
	e.interacted = true
	e.mu.Unlock()
}

// Run advances the clock by tick on every tick until ctx is done.
func (e *Element) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Step(tick.Seconds())
		}
	}
}

// Step advances a playing clock by up to dt seconds of buffered media and
// notifies the listener.
func (e *Element) Step(dt float64) {
	var events []func(Listener)

	e.mu.Lock()
	l := e.listener
	if e.paused || e.ended {
		e.mu.Unlock()
		return
	}
	duration := e.timeline.Duration()
	end, ok := bufferedEnd(e.timeline.Buffered(), e.current)
	switch {
	case !ok:
		if !e.waiting {
			e.waiting = true
			events = append(events, func(l Listener) { l.OnWaiting() })
		}
	default:
		if e.waiting {
			e.waiting = false
			events = append(events, func(l Listener) { l.OnPlaying() })
		}
		next := min(e.current+dt, end)
		if duration > 0 {
			next = min(next, duration)
		}
		e.current = next
		t := next
		events = append(events, func(l Listener) { l.OnTimeUpdate(t) })
		if duration > 0 && next >= duration-rangeEpsilon {
			e.ended = true
			e.paused = true
			events = append(events, func(l Listener) { l.OnEnded() })
		}
	}
	e.mu.Unlock()

	if l == nil {
		return
	}
	for _, ev := range events {
		ev(l)
	}
}

// bufferedEnd returns the end of the range containing t.
func bufferedEnd(ranges []player.TimeRange, t float64) (float64, bool) {
	for _, r := range ranges {
		if t >= r.Start-rangeEpsilon && t < r.End {
			return r.End, true
		}
	}
	return 0, false
}
