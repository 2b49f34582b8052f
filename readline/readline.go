// Package readline defines the input-reading collaborator consumed by the
// pipeline execution host.
//
// The host only needs three capabilities from a line editor: a blocking,
// cancelable ReadLine; a hook invoked while ReadLine is blocked so the host
// can service queued background work (the idle handler); and a history
// append hook. Everything else about line editing (key handling, completion
// rendering, history navigation) stays on the collaborator's side.
//
// Threading contract: the idle handler must be invoked on the same goroutine
// that called ReadLine. The host relies on this to keep all engine access on
// the pipeline goroutine.
package readline

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"
)

// IdleHandler is called periodically while ReadLine is blocked waiting for
// input. ctx is canceled when the enclosing read is canceled.
type IdleHandler func(ctx context.Context)

// ReadLine is the collaborator contract.
//
//nolint:revive // ReadLine is the established name for this capability
type ReadLine interface {
	// ReadLine blocks until a full line is available, the reader is closed
	// (io.EOF), or ctx is canceled.
	ReadLine(ctx context.Context) (string, error)

	// SetIdleHandler registers the handler invoked while blocked. Passing
	// nil disables idle callbacks.
	SetIdleHandler(fn IdleHandler)

	// AddToHistory records an executed input line.
	AddToHistory(line string)
}

// DefaultPollInterval is how often Buffered yields to the idle handler while
// no input is available.
const DefaultPollInterval = 50 * time.Millisecond

// Buffered is a channel-fed ReadLine implementation. Producers push complete
// lines with Feed; the pipeline goroutine consumes them with ReadLine,
// yielding to the idle handler between polls.
type Buffered struct {
	lines chan string
	done  chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	idle    IdleHandler
	history []string
	poll    time.Duration
}

// NewBuffered creates an empty Buffered reader.
func NewBuffered() *Buffered {
	return &Buffered{
		lines: make(chan string, 64),
		done:  make(chan struct{}),
		poll:  DefaultPollInterval,
	}
}

// NewReader creates a Buffered reader fed by a background goroutine scanning
// r line by line. The reader is closed when r is exhausted.
func NewReader(r io.Reader) *Buffered {
	b := NewBuffered()
	go func() {
		defer b.Close()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			b.Feed(scanner.Text())
		}
	}()
	return b
}

// SetPollInterval overrides the idle poll interval.
func (b *Buffered) SetPollInterval(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > 0 {
		b.poll = d
	}
}

// Feed makes one line available to ReadLine. It is safe from any goroutine
// and is a no-op after Close.
func (b *Buffered) Feed(line string) {
	// A two-way select would pick at random once done is closed; check it
	// first so post-close input is dropped deterministically.
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case <-b.done:
	case b.lines <- line:
	}
}

// Close ends the input stream; pending and future ReadLine calls return
// io.EOF once buffered lines are drained.
func (b *Buffered) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// ReadLine implements the collaborator contract.
func (b *Buffered) ReadLine(ctx context.Context) (string, error) {
	b.mu.Lock()
	idle := b.idle
	poll := b.poll
	b.mu.Unlock()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		// Buffered lines win over shutdown so no input is dropped.
		select {
		case line := <-b.lines:
			return line, nil
		default:
		}

		select {
		case line := <-b.lines:
			return line, nil
		case <-ctx.Done():
			return "", ctx.Err()
		case <-b.done:
			return "", io.EOF
		case <-ticker.C:
			if idle != nil {
				idle(ctx)
				if err := ctx.Err(); err != nil {
					return "", err
				}
			}
		}
	}
}

// SetIdleHandler registers fn.
func (b *Buffered) SetIdleHandler(fn IdleHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.idle = fn
}

// AddToHistory records line.
func (b *Buffered) AddToHistory(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, line)
}

// History returns a copy of recorded lines.
func (b *Buffered) History() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.history...)
}
