// Package presence keeps the local peer visible in the shared registry
// by republishing its profile on a fixed interval. The pulse is the
// only thing standing between a live session and the staleness window:
// stop pulsing and other peers stop seeing you.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/linkup-app/linkup/types"
)

// Publisher writes a peer identity into the shared registry.
type Publisher interface {
	PublishProfile(ctx context.Context, identity types.PeerIdentity) error
}

// Pulse republishes the current identity every interval. One pulse
// belongs to exactly one session; Stop must run on session teardown so
// the timer never leaks across logout/login cycles.
type Pulse struct {
	publisher Publisher
	identity  func() types.PeerIdentity
	interval  time.Duration
	timeout   time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a pulse. identity is sampled at every tick so profile
// edits reach the registry without restarting the loop.
func New(publisher Publisher, identity func() types.PeerIdentity, interval, timeout time.Duration) *Pulse {
	return &Pulse{
		publisher: publisher,
		identity:  identity,
		interval:  interval,
		timeout:   timeout,
	}
}

// Start launches the loop. The first publish happens immediately so a
// fresh login is discoverable before the first full interval elapses.
// Starting a running pulse is a no-op.
func (p *Pulse) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	done := p.done
	p.mu.Unlock()

	go p.run(runCtx, done)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"interval": p.interval,
	}).Info("Presence pulse started")
}

// Stop cancels the loop and waits for it to exit. Idempotent.
func (p *Pulse) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Presence pulse stopped")
}

func (p *Pulse) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	p.publish(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

// publish pushes the current identity, swallowing failures. No backoff:
// the next tick retries at the same fixed interval regardless of how
// many publishes in a row have failed.
func (p *Pulse) publish(ctx context.Context) {
	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	identity := p.identity()
	if err := p.publisher.PublishProfile(pubCtx, identity); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "publish",
			"peer_id":  identity.ID,
			"error":    err,
		}).Warn("Pulse publish failed")
	}
}
