// Package schedule runs recurring background work.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Poller calls fn after an initial delay and then every period, measured from
// the end of the previous call. Calls never overlap.
type Poller struct {
	delay  time.Duration
	period time.Duration
	fn     func(context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller returns a stopped poller. A period <= 0 runs fn once.
func NewPoller(delay, period time.Duration, fn func(context.Context)) *Poller {
	return &Poller{delay: delay, period: period, fn: fn}
}

// Start launches the loop. It returns false if the poller is already running.
// The loop ends when ctx is done or Stop is called.
func (p *Poller) Start(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		select {
		case <-p.done:
		default:
			return false
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	go p.loop(ctx, done)
	return true
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTimer(p.delay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		p.fn(ctx)
		if p.period <= 0 {
			return
		}
		t.Reset(p.period)
	}
}

// Stop cancels the loop and waits for an in-flight call to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}
