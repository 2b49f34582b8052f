package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalRunspace is an in-process runspace backing LocalEngine handles.
type LocalRunspace struct {
	mu           sync.RWMutex
	id           uuid.UUID
	origin       Origin
	computerName string
	state        RunspaceState

	nextSub int
	subs    map[int]Handlers
}

// NewLocalRunspace creates an opened local runspace.
func NewLocalRunspace() *LocalRunspace {
	return &LocalRunspace{
		id:           uuid.New(),
		origin:       OriginLocal,
		computerName: "localhost",
		state:        RunspaceOpened,
		subs:         map[int]Handlers{},
	}
}

// NewRemoteRunspace creates an opened runspace that reports a remote origin.
// The implementation still runs in-process; it exists so hosts and tests can
// exercise remote-session bookkeeping without a transport.
func NewRemoteRunspace(computerName string) *LocalRunspace {
	rs := NewLocalRunspace()
	rs.origin = OriginRemote
	rs.computerName = computerName
	return rs
}

// ID returns the runspace identifier.
func (r *LocalRunspace) ID() uuid.UUID { return r.id }

// Origin reports how the runspace was obtained.
func (r *LocalRunspace) Origin() Origin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.origin
}

// ComputerName returns the machine backing the runspace.
func (r *LocalRunspace) ComputerName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.computerName
}

// State returns the current lifecycle state.
func (r *LocalRunspace) State() RunspaceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Subscribe registers notification handlers.
func (r *LocalRunspace) Subscribe(h Handlers) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs, id)
		})
	}
}

// SubscriberCount returns the number of active handler registrations.
func (r *LocalRunspace) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// SetState transitions the runspace and notifies StateChanged subscribers on
// the calling goroutine.
func (r *LocalRunspace) SetState(state RunspaceState, reason error) {
	r.mu.Lock()
	if r.state == state {
		r.mu.Unlock()
		return
	}
	r.state = state
	handlers := r.snapshotLocked()
	r.mu.Unlock()

	ev := StateChangedEvent{RunspaceID: r.id, NewState: state, Reason: reason}
	for _, h := range handlers {
		if h.StateChanged != nil {
			h.StateChanged(ev)
		}
	}
}

func (r *LocalRunspace) snapshotLocked() []Handlers {
	handlers := make([]Handlers, 0, len(r.subs))
	for _, h := range r.subs {
		handlers = append(handlers, h)
	}
	return handlers
}

func (r *LocalRunspace) fireDebuggerStopped(ev DebuggerStoppedEvent) {
	r.mu.RLock()
	handlers := r.snapshotLocked()
	r.mu.RUnlock()
	for _, h := range handlers {
		if h.DebuggerStopped != nil {
			h.DebuggerStopped(ev)
		}
	}
}

// FireBreakpointUpdated notifies BreakpointUpdated subscribers.
func (r *LocalRunspace) FireBreakpointUpdated(ev BreakpointUpdatedEvent) {
	ev.RunspaceID = r.id
	r.mu.RLock()
	handlers := r.snapshotLocked()
	r.mu.RUnlock()
	for _, h := range handlers {
		if h.BreakpointUpdated != nil {
			h.BreakpointUpdated(ev)
		}
	}
}

// Function is a host-registered command exposed by a LocalEngine.
type Function func(ctx context.Context, args []any) ([]any, error)

// LocalEngine is a minimal in-process engine. It echoes unrecognized
// statements, supports a handful of built-in statements useful for hosts
// (sleep, exit, fail, break/continue, debug, nested), and dispatches
// registered functions. It exists for demos and tests; production hosts plug
// a real interpreter behind the Engine interface.
//
// Statement forms, split on ";":
//
//	sleep <duration>   block honoring ctx cancellation
//	exit [code]        raise *ExitError
//	fail <message>     raise an error
//	break | continue   raise *FlowControlError
//	debug              pause with PauseDebuggerStop
//	nested             pause with PauseNestedPrompt
//	<name> [args...]   call a registered Function
//	anything else      evaluates to its own text
type LocalEngine struct {
	runspace *LocalRunspace
	nested   bool
	disposed bool

	mu        sync.RWMutex
	functions map[string]Function
	idleSubs  []func()
}

// NewLocalEngine creates an engine over a fresh local runspace.
func NewLocalEngine() *LocalEngine {
	return NewLocalEngineOn(NewLocalRunspace())
}

// NewLocalEngineOn creates an engine bound to an existing runspace.
func NewLocalEngineOn(rs *LocalRunspace) *LocalEngine {
	return &LocalEngine{
		runspace:  rs,
		functions: map[string]Function{},
	}
}

// RegisterFunction makes fn callable by name from scripts.
func (e *LocalEngine) RegisterFunction(name string, fn Function) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[name] = fn
}

// AddIdleSubscriber registers a script-level engine-idle subscriber, run by
// SynthesizeIdleEvent.
func (e *LocalEngine) AddIdleSubscriber(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idleSubs = append(e.idleSubs, fn)
}

// Runspace returns the backing runspace.
func (e *LocalEngine) Runspace() Runspace { return e.runspace }

// CreateNested returns a handle sharing this engine's runspace and functions.
func (e *LocalEngine) CreateNested() (Engine, error) {
	if e.disposed {
		return nil, ErrDisposed
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	nested := NewLocalEngineOn(e.runspace)
	nested.nested = true
	for name, fn := range e.functions {
		nested.functions[name] = fn
	}
	return nested, nil
}

// HasPendingEventSubscribers reports whether any idle subscriber exists.
func (e *LocalEngine) HasPendingEventSubscribers() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.idleSubs) > 0
}

// SynthesizeIdleEvent runs all registered idle subscribers once.
func (e *LocalEngine) SynthesizeIdleEvent(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.RLock()
	subs := append([]func(){}, e.idleSubs...)
	e.mu.RUnlock()
	for _, fn := range subs {
		fn()
	}
	return nil
}

// Dispose releases the handle. The root handle closes the runspace.
func (e *LocalEngine) Dispose() {
	if e.disposed {
		return
	}
	e.disposed = true
	if !e.nested {
		e.runspace.SetState(RunspaceClosed, nil)
	}
}

// Invoke executes the command pipeline.
func (e *LocalEngine) Invoke(ctx context.Context, cmd *Command, opts InvokeOptions) ([]any, *Pause, error) {
	if e.disposed {
		return nil, nil, ErrDisposed
	}
	if !e.runspace.State().Usable() {
		return nil, nil, fmt.Errorf("%w: state %s", ErrRunspaceNotUsable, e.runspace.State())
	}

	statements := flatten(cmd)
	return e.run(ctx, statements, nil, opts)
}

// run evaluates statements in order, accumulating results, pausing when a
// statement requests it. acc carries results gathered before the current
// (possibly resumed) segment.
func (e *LocalEngine) run(ctx context.Context, statements []string, acc []any, opts InvokeOptions) ([]any, *Pause, error) {
	results := acc
	for i, stmt := range statements {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		switch kind := pauseKindFor(stmt); {
		case kind != nil:
			rest := statements[i+1:]
			if *kind == PauseDebuggerStop {
				e.runspace.fireDebuggerStopped(DebuggerStoppedEvent{RunspaceID: e.runspace.ID()})
			}
			pause := e.newPause(*kind, rest, results, opts)
			return nil, pause, nil

		default:
			out, err := e.eval(ctx, stmt)
			if err != nil {
				if opts.MergeErrors && !isControlFlow(err) && !opts.ThrowOnError {
					results = append(results, fmt.Sprintf("ERROR: %v", err))
					continue
				}
				return results, nil, err
			}
			results = append(results, out...)
		}
	}
	return results, nil, nil
}

func (e *LocalEngine) newPause(kind PauseKind, rest []string, acc []any, opts InvokeOptions) *Pause {
	ev := DebuggerStoppedEvent{RunspaceID: e.runspace.ID()}
	return NewPause(kind, ev, func(ctx context.Context, action ResumeAction) ([]any, *Pause, error) {
		if action == ResumeStop {
			return acc, nil, context.Canceled
		}
		// Step granularity is not modeled; every step acts like continue.
		return e.run(ctx, rest, acc, opts)
	})
}

func (e *LocalEngine) eval(ctx context.Context, stmt string) ([]any, error) {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return nil, nil
	}

	name, args := fields[0], fields[1:]
	switch name {
	case "sleep":
		if len(args) != 1 {
			return nil, fmt.Errorf("sleep: expected one duration argument")
		}
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return nil, fmt.Errorf("sleep: %w", err)
		}
		select {
		case <-time.After(d):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case "exit":
		code := 0
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil {
				code = n
			}
		}
		return nil, &ExitError{Code: code}

	case "fail":
		return nil, fmt.Errorf("%s", strings.Join(args, " "))

	case "break", "continue":
		return nil, &FlowControlError{Statement: name}
	}

	e.mu.RLock()
	fn, ok := e.functions[name]
	e.mu.RUnlock()
	if ok {
		anyArgs := make([]any, len(args))
		for i, a := range args {
			anyArgs[i] = a
		}
		return fn(ctx, anyArgs)
	}

	// Echo semantics for everything else.
	return []any{stmt}, nil
}

func pauseKindFor(stmt string) *PauseKind {
	var kind PauseKind
	switch strings.TrimSpace(stmt) {
	case "debug":
		kind = PauseDebuggerStop
	case "nested":
		kind = PauseNestedPrompt
	default:
		return nil
	}
	return &kind
}

func isControlFlow(err error) bool {
	var exit *ExitError
	var flow *FlowControlError
	return errors.As(err, &exit) || errors.As(err, &flow)
}

// flatten expands pipeline entries into individual statements, splitting
// script entries on ";" and appending rendered parameters to named commands.
func flatten(cmd *Command) []string {
	if cmd == nil {
		return nil
	}
	var statements []string
	for _, entry := range cmd.entries {
		if entry.isScript {
			for _, part := range strings.Split(entry.text, ";") {
				if s := strings.TrimSpace(part); s != "" {
					statements = append(statements, s)
				}
			}
			continue
		}
		var b strings.Builder
		b.WriteString(entry.text)
		for _, p := range entry.parameters {
			fmt.Fprintf(&b, " %v", p.Value)
		}
		statements = append(statements, b.String())
	}
	return statements
}
