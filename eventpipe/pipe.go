// Package eventpipe implements the one-shot wake descriptor returned by
// get_event_pipe: an fd an embedding application's own event loop (epoll,
// select, or a Go select over channels) can watch, which becomes readable
// exactly when process_events has work to do. Built on a self-pipe, the
// classic portable technique for injecting a wakeup into a blocking
// readiness wait without a dedicated OS primitive.
package eventpipe

import (
	"os"
	"sync"
	"time"
)

// Pipe is a one-shot wake descriptor: Wake makes Fd's read side ready;
// Drain consumes the pending wake so the next Wake is observable again.
type Pipe struct {
	mu     sync.Mutex
	r, w   *os.File
	pending bool
}

// New creates a Pipe backed by an OS pipe.
func New() (*Pipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &Pipe{r: r, w: w}, nil
}

// Fd returns the file an external event loop should watch for readability.
func (p *Pipe) Fd() *os.File { return p.r }

// Wake marks the pipe readable, coalescing repeated wakes before the
// consumer drains them into a single byte.
func (p *Pipe) Wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending {
		return nil
	}
	p.pending = true
	_, err := p.w.Write([]byte{1})
	return err
}

// Drain consumes the pending wake byte, if any, resetting the pipe to
// non-readable until the next Wake.
func (p *Pipe) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pending {
		return nil
	}
	buf := make([]byte, 1)
	if _, err := p.r.Read(buf); err != nil {
		return err
	}
	p.pending = false
	return nil
}

// Wait blocks until the pipe is woken or deadline passes. It consumes the
// wake byte to unblock the read, then immediately writes it back so the
// pipe remains readable for a subsequent Drain — Wait only observes that a
// wake occurred, it does not itself perform the one-shot consumption
// Drain is responsible for.
func (p *Pipe) Wait(deadline time.Time) error {
	if err := p.r.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer p.r.SetReadDeadline(time.Time{})

	buf := make([]byte, 1)
	if _, err := p.r.Read(buf); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.w.Write(buf)
	return err
}

// Close closes both ends of the pipe.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	werr := p.w.Close()
	rerr := p.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
