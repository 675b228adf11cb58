// Package ratelimit implements per-channel sliding-window admission
// decisions keyed by (channel, subject). It generalizes the teacher's
// per-IP token-bucket limiter into the sliding-window-log algorithm the
// realtime core requires: every channel must be able to report
// retryAfterMs as the time until the oldest in-window event ages out, which
// a pure token bucket cannot express.
package ratelimit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Clock abstracts wall-clock time so windows can be evaluated
// deterministically in tests.
type Clock interface {
	Now() time.Time
}

// systemClock is the default Clock backed by time.Now.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Channel declares a sliding-window policy: at most Limit events per
// Window, per subject.
type Channel struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of evaluating one (channel, subject) event.
type Decision struct {
	Allowed      bool
	RetryAfterMs int64
	Remaining    int
}

// window is the slice of event timestamps for one (channel, subject)
// pair. Timestamps are kept in insertion order, which is also chronological
// order since evaluate always appends to the tail.
type window struct {
	events []time.Time
}

// Limiter evaluates sliding-window-log rate limits across any number of
// declared channels. It is safe for concurrent use; a single mutex guards
// every (channel, subject) window.
type Limiter struct {
	mu       sync.Mutex
	channels map[string]Channel
	windows  map[string]*window // key: channel + "\x00" + subject
	clock    Clock
	log      *logrus.Entry
}

// NewLimiter constructs a Limiter with the given channel declarations and
// the system clock.
func NewLimiter(channels map[string]Channel) *Limiter {
	return NewLimiterWithClock(channels, systemClock{})
}

// NewLimiterWithClock constructs a Limiter using the supplied Clock,
// primarily for deterministic testing.
func NewLimiterWithClock(channels map[string]Channel, clock Clock) *Limiter {
	cp := make(map[string]Channel, len(channels))
	for k, v := range channels {
		cp[k] = v
	}
	return &Limiter{
		channels: cp,
		windows:  make(map[string]*window),
		clock:    clock,
		log:      logrus.WithField("component", "ratelimit.Limiter"),
	}
}

func windowKey(channel, subject string) string {
	return channel + "\x00" + subject
}

// Evaluate reports whether an event on (channel, subject) is allowed right
// now without recording it. It is a read-only peek used by callers that
// want to check before committing.
func (l *Limiter) Evaluate(channel, subject string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evaluateLocked(channel, subject, false)
}

// Enforce evaluates (channel, subject) and, if allowed, records the event so
// it counts against future windows. This is the method callers should use
// on the hot path: evaluate-and-commit is atomic under the limiter's lock.
func (l *Limiter) Enforce(channel, subject string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evaluateLocked(channel, subject, true)
}

func (l *Limiter) evaluateLocked(channel, subject string, commit bool) Decision {
	ch, ok := l.channels[channel]
	if !ok {
		l.log.WithField("channel", channel).Warn("rate limit evaluated against unknown channel, allowing")
		return Decision{Allowed: true}
	}

	now := l.clock.Now()
	key := windowKey(channel, subject)
	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}

	cutoff := now.Add(-ch.Window)
	w.events = evictBefore(w.events, cutoff)

	if len(w.events) >= ch.Limit {
		retryAfter := w.events[0].Add(ch.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, RetryAfterMs: retryAfter.Milliseconds(), Remaining: 0}
	}

	if commit {
		w.events = append(w.events, now)
	}

	remaining := ch.Limit - len(w.events)
	if commit {
		remaining = ch.Limit - len(w.events)
	} else {
		remaining = ch.Limit - len(w.events) - 1
	}
	if remaining < 0 {
		remaining = 0
	}

	return Decision{Allowed: true, Remaining: remaining}
}

func evictBefore(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append([]time.Time(nil), events[i:]...)
}

// Declare registers or replaces a channel's policy at runtime.
func (l *Limiter) Declare(name string, ch Channel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channels[name] = ch
}

// Cleanup drops windows that hold no events or whose newest event is older
// than the longest declared channel Window, bounding memory growth for
// subjects that stop appearing. No code outside this package's tests calls
// it; the Janitor does not.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for key, w := range l.windows {
		if len(w.events) == 0 {
			delete(l.windows, key)
			removed++
			continue
		}
		last := w.events[len(w.events)-1]
		if now.Sub(last) > maxChannelWindow(l.channels) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

func maxChannelWindow(channels map[string]Channel) time.Duration {
	var max time.Duration
	for _, ch := range channels {
		if ch.Window > max {
			max = ch.Window
		}
	}
	return max
}
