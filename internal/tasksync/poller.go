package tasksync

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultPollInterval is the background refresh cadence.
const DefaultPollInterval = 3 * time.Minute

// Poller periodically re-fetches the remote task collection through the
// Syncer. Ticks that arrive while a fetch is in flight are skipped, not
// queued. Only the timer is cancelled on Stop; an in-flight remote call
// runs to its own timeout.
type Poller struct {
	syncer   *Syncer
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a Poller. interval <= 0 falls back to the default.
func NewPoller(s *Syncer, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{syncer: s, interval: interval}
}

// Start launches the polling loop. It returns immediately; the loop runs
// until Stop or context cancellation.
func (p *Poller) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.tick(runCtx)
			case <-runCtx.Done():
				return
			}
		}
	}()

	log.Printf("[poller] started, interval %s", p.interval)
}

// tick runs one background fetch. Errors are already folded into state by
// Poll according to their kind; the loop itself never stops on error.
func (p *Poller) tick(ctx context.Context) {
	if err := p.syncer.Poll(ctx); err != nil {
		log.Printf("[poller] poll warning: %v", err)
	}
}

// Stop cancels the timer loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	log.Printf("[poller] stopped")
}
