// Package healthpoll implements the Health Poller (§4.17): a fixed-interval
// ping of the shared cache dependency that emits degraded/healthy signals
// rather than ever failing the scheduler loop that drives it. Grounded on
// the teacher's HealthChecker (pkg/server/health.go) generalized from a
// registry of named checks into a single pinger with a Degraded Signal
// Service sink.
package healthpoll

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tilemud/core/pkg/protocol"
)

const (
	defaultInterval = 10 * time.Second
	defaultTimeout  = 3 * time.Second
)

// Pinger is the dependency a Poller checks, e.g. a Redis client wrapped to
// answer PING.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a plain function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Signal is emitted to the Degraded Signal Service on every poll, carrying
// the same shape as protocol.EventDegraded so it can be broadcast to
// sessions verbatim.
type Signal struct {
	Dependency string
	Healthy    bool
	ObservedAt time.Time
	Message    string
}

// SignalSink receives every poll's outcome.
type SignalSink func(Signal)

// Config tunes poll cadence and per-check timeout.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Poller is the Health Poller.
type Poller struct {
	cfg        Config
	dependency string
	pinger     Pinger
	sink       SignalSink
	log        *logrus.Entry

	mu      sync.Mutex
	polling bool

	lastHealthy bool
	lastChecked time.Time
}

// NewPoller constructs a Poller for one named dependency.
func NewPoller(dependency string, pinger Pinger, sink SignalSink, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Poller{
		cfg:         cfg,
		dependency:  dependency,
		pinger:      pinger,
		sink:        sink,
		log:         logrus.WithField("component", "healthpoll.Poller").WithField("dependency", dependency),
		lastHealthy: true,
	}
}

// Interval returns the configured poll cadence.
func (p *Poller) Interval() time.Duration { return p.cfg.Interval }

// Poll runs one check, skipping if a check for this dependency is already
// in flight (§5's "at most one in flight per dependency"). It never
// panics or returns an error to the caller: failures are reported only
// through the sink, so a scheduler loop calling Poll on a ticker is never
// itself at risk.
func (p *Poller) Poll(ctx context.Context) {
	p.mu.Lock()
	if p.polling {
		p.mu.Unlock()
		return
	}
	p.polling = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.polling = false
		p.mu.Unlock()
	}()

	checkCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	now := time.Now().UTC()
	err := p.pinger.Ping(checkCtx)

	signal := Signal{Dependency: p.dependency, ObservedAt: now, Healthy: err == nil}
	if err != nil {
		signal.Message = err.Error()
		p.log.WithError(err).Warn("dependency ping failed")
	}

	p.mu.Lock()
	p.lastHealthy = signal.Healthy
	p.lastChecked = now
	p.mu.Unlock()

	if p.sink != nil {
		p.sink(signal)
	}
}

// LastObserved reports the most recent poll's outcome, for a readiness
// handler that should not block on a fresh ping per request.
func (p *Poller) LastObserved() (healthy bool, checkedAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHealthy, p.lastChecked
}

// ToEnvelope renders a Signal as a protocol.EventDegraded envelope for
// broadcast to connected sessions.
func ToEnvelope(sig Signal) (protocol.Envelope, error) {
	status := "healthy"
	if !sig.Healthy {
		status = "degraded"
	}
	return protocol.Encode(protocol.EventTypeDegraded, protocol.EventDegraded{
		Dependency: sig.Dependency,
		Status:     status,
		ObservedAt: sig.ObservedAt,
		Message:    sig.Message,
	})
}
