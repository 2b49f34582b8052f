package execution

import (
	"context"
	"sync"
)

// CancellationContext manages a stack of cancellation scopes so nested
// operations can be canceled individually or as a whole stack.
//
// The pipeline goroutine enters a scope around every unit of work it
// performs: a task scope while executing queued work or REPL input, and an
// idle scope while blocked waiting for interactive input. Cancel requests
// arrive from arbitrary goroutines; canceling a context is inherently
// thread-safe, so no cancel call ever blocks on the pipeline goroutine.
type CancellationContext struct {
	mu    sync.Mutex
	stack []*CancelScope
}

// NewCancellationContext creates an empty scope stack.
func NewCancellationContext() *CancellationContext {
	return &CancellationContext{}
}

// CancelScope is one entry on the cancellation stack. It is pushed by
// EnterScope and must be released with Close when the operation ends.
type CancelScope struct {
	cc     *CancellationContext
	ctx    context.Context
	cancel context.CancelFunc
	idle   bool
	closed bool
}

// EnterScope pushes a new scope whose context is canceled when the scope
// itself, the parent, or a stack-wide unwind cancels. idle marks scopes that
// wrap a blocked interactive input read.
func (cc *CancellationContext) EnterScope(parent context.Context, idle bool) *CancelScope {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &CancelScope{cc: cc, ctx: ctx, cancel: cancel, idle: idle}

	cc.mu.Lock()
	cc.stack = append(cc.stack, s)
	cc.mu.Unlock()
	return s
}

// Context returns the scope's cancellation context.
func (s *CancelScope) Context() context.Context { return s.ctx }

// IsIdle reports whether this scope wraps an input wait.
func (s *CancelScope) IsIdle() bool { return s.idle }

// Cancel cancels this scope only. Safe from any goroutine; idempotent.
func (s *CancelScope) Cancel() { s.cancel() }

// Close cancels the scope and pops it off the stack. Double release is a
// no-op.
func (s *CancelScope) Close() {
	s.cancel()

	cc := s.cc
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for i := len(cc.stack) - 1; i >= 0; i-- {
		if cc.stack[i] == s {
			cc.stack = append(cc.stack[:i], cc.stack[i+1:]...)
			break
		}
	}
}

// CancelCurrentTask cancels the top-of-stack scope only. A no-op when the
// stack is empty.
func (cc *CancellationContext) CancelCurrentTask() {
	cc.mu.Lock()
	var s *CancelScope
	if n := len(cc.stack); n > 0 {
		s = cc.stack[n-1]
	}
	cc.mu.Unlock()

	if s != nil {
		s.cancel()
	}
}

// CancelIdleParentTask cancels the nearest scope marked idle, displacing a
// blocked input read rather than a running task. A no-op when no idle scope
// is active.
func (cc *CancellationContext) CancelIdleParentTask() {
	cc.mu.Lock()
	var s *CancelScope
	for i := len(cc.stack) - 1; i >= 0; i-- {
		if cc.stack[i].idle {
			s = cc.stack[i]
			break
		}
	}
	cc.mu.Unlock()

	if s != nil {
		s.cancel()
	}
}

// CancelCurrentTaskStack cancels every scope on the stack, top first. Used
// to unwind all nested operations atomically (broken session recovery,
// forced shutdown).
func (cc *CancellationContext) CancelCurrentTaskStack() {
	cc.mu.Lock()
	scopes := append([]*CancelScope(nil), cc.stack...)
	cc.mu.Unlock()

	for i := len(scopes) - 1; i >= 0; i-- {
		scopes[i].cancel()
	}
}

// Depth returns the number of active scopes.
func (cc *CancellationContext) Depth() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.stack)
}
