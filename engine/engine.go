// Package engine defines the scripting-engine collaborator contract.
//
// The pipeline execution host never touches an interpreter directly; it
// drives an Engine, an opaque session handle bound to exactly one runspace.
// Engines are not safe for concurrent use: every call on an Engine must come
// from the single goroutine that owns it (the pipeline goroutine).
//
// # Nesting
//
// Script execution can pause itself mid-flight: a breakpoint hit pauses the
// script in the debugger, and a script can request a nested prompt. Rather
// than blocking inside Invoke until the pause ends, Invoke returns a non-nil
// *Pause and no results. The caller is expected to service the pause (run a
// debug or nested REPL against a nested handle) and then continue the
// original invocation through Pause.Resume, which either completes with the
// final results or pauses again.
//
// This resumable-invocation shape lets the host model nesting as an explicit
// frame stack instead of re-entrant calls.
//
// # Events
//
// A Runspace publishes notifications (debugger stopped, breakpoints updated,
// state changed) through Subscribe. Handlers may be invoked from an
// engine-owned goroutine and must not call back into the Engine; they exist
// for editor notification and recovery signaling only.
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Engine is one interpreter session handle bound to a single runspace.
// All methods must be called from the goroutine that owns the handle.
type Engine interface {
	// Runspace returns the runspace backing this handle. Multiple handles
	// (for example a nested handle) may share one runspace.
	Runspace() Runspace

	// Invoke executes a command pipeline synchronously. When the script
	// pauses itself (breakpoint, nested prompt request), Invoke returns a
	// non-nil *Pause with nil results; the invocation completes only once
	// the pause chain is resumed to the end.
	Invoke(ctx context.Context, cmd *Command, opts InvokeOptions) ([]any, *Pause, error)

	// CreateNested creates a handle sharing this handle's runspace, used to
	// evaluate commands while the parent invocation is paused.
	CreateNested() (Engine, error)

	// HasPendingEventSubscribers reports whether any event subscriber
	// (including an engine-idle subscriber) is registered in this session.
	HasPendingEventSubscribers() bool

	// SynthesizeIdleEvent generates one engine-idle event and processes
	// pending subscriber actions for it.
	SynthesizeIdleEvent(ctx context.Context) error

	// Dispose releases the handle. Disposing a nested handle does not close
	// the shared runspace; disposing the root handle does.
	Dispose()
}

// Runspace is an isolated execution context for the engine.
type Runspace interface {
	// ID returns the unique identifier of the runspace.
	ID() uuid.UUID

	// Origin reports how this runspace was obtained.
	Origin() Origin

	// ComputerName returns the machine backing the runspace ("localhost"
	// for local runspaces).
	ComputerName() string

	// State returns the current lifecycle state.
	State() RunspaceState

	// Subscribe registers notification handlers and returns a function that
	// removes exactly that registration. Handlers may run on an
	// engine-owned goroutine.
	Subscribe(h Handlers) (unsubscribe func())
}

// Origin reports how a runspace was obtained.
type Origin int

const (
	// OriginLocal is an in-process runspace.
	OriginLocal Origin = iota
	// OriginRemote is a runspace on another machine.
	OriginRemote
	// OriginEnteredProcess is a runspace attached to another local process.
	OriginEnteredProcess
)

// String returns a string representation of the origin.
func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "Local"
	case OriginRemote:
		return "Remote"
	case OriginEnteredProcess:
		return "EnteredProcess"
	default:
		return fmt.Sprintf("Unknown(%d)", int(o))
	}
}

// RunspaceState represents the lifecycle state of a runspace.
type RunspaceState int

const (
	// RunspaceOpening indicates initialization is in progress.
	RunspaceOpening RunspaceState = iota
	// RunspaceOpened indicates the runspace is ready for use.
	RunspaceOpened
	// RunspaceClosing indicates close is in progress.
	RunspaceClosing
	// RunspaceClosed indicates the runspace is closed.
	RunspaceClosed
	// RunspaceBroken indicates an unrecoverable failure.
	RunspaceBroken
)

// String returns a string representation of the state.
func (s RunspaceState) String() string {
	switch s {
	case RunspaceOpening:
		return "Opening"
	case RunspaceOpened:
		return "Opened"
	case RunspaceClosing:
		return "Closing"
	case RunspaceClosed:
		return "Closed"
	case RunspaceBroken:
		return "Broken"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Usable reports whether commands can still run against the runspace.
func (s RunspaceState) Usable() bool {
	return s == RunspaceOpened
}

// Handlers carries the notification callbacks a subscriber cares about.
// Nil fields are ignored.
type Handlers struct {
	DebuggerStopped   func(DebuggerStoppedEvent)
	BreakpointUpdated func(BreakpointUpdatedEvent)
	StateChanged      func(StateChangedEvent)
}

// DebuggerStoppedEvent notifies that script execution paused in the debugger.
type DebuggerStoppedEvent struct {
	RunspaceID uuid.UUID
	// Breakpoints hit at the stop location, if any.
	Breakpoints []Breakpoint
}

// BreakpointUpdatedEvent notifies that a breakpoint was set, removed,
// enabled or disabled.
type BreakpointUpdatedEvent struct {
	RunspaceID uuid.UUID
	Breakpoint Breakpoint
	UpdateType BreakpointUpdateType
}

// BreakpointUpdateType describes a breakpoint change.
type BreakpointUpdateType int

const (
	// BreakpointSet indicates the breakpoint was added.
	BreakpointSet BreakpointUpdateType = iota
	// BreakpointRemoved indicates the breakpoint was removed.
	BreakpointRemoved
	// BreakpointEnabled indicates the breakpoint was enabled.
	BreakpointEnabled
	// BreakpointDisabled indicates the breakpoint was disabled.
	BreakpointDisabled
)

// Breakpoint identifies a script breakpoint.
type Breakpoint struct {
	ID     int
	Script string
	Line   int
}

// StateChangedEvent notifies that the runspace lifecycle state changed.
type StateChangedEvent struct {
	RunspaceID uuid.UUID
	NewState   RunspaceState
	Reason     error
}

// InvokeOptions controls how a single invocation behaves.
type InvokeOptions struct {
	// MergeErrors folds non-terminating error records into the output
	// stream instead of returning them through the error result.
	MergeErrors bool
	// AddToHistory records the invocation in the engine's own history.
	AddToHistory bool
	// ThrowOnError promotes error records to a terminating error result.
	ThrowOnError bool
}

// PauseKind identifies why an invocation paused.
type PauseKind int

const (
	// PauseDebuggerStop is a breakpoint or break request.
	PauseDebuggerStop PauseKind = iota
	// PauseNestedPrompt is a script-requested nested prompt.
	PauseNestedPrompt
)

// String returns a string representation of the pause kind.
func (k PauseKind) String() string {
	switch k {
	case PauseDebuggerStop:
		return "DebuggerStop"
	case PauseNestedPrompt:
		return "NestedPrompt"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// ResumeAction tells a paused invocation how to continue.
type ResumeAction int

const (
	// ResumeContinue runs until completion or the next pause.
	ResumeContinue ResumeAction = iota
	// ResumeStepInto executes the next statement, stepping into calls.
	ResumeStepInto
	// ResumeStepOver executes the next statement, stepping over calls.
	ResumeStepOver
	// ResumeStepOut runs until the current call returns.
	ResumeStepOut
	// ResumeStop aborts the paused invocation.
	ResumeStop
)

// Pause represents a suspended invocation awaiting a resume action.
type Pause struct {
	kind   PauseKind
	event  DebuggerStoppedEvent
	resume func(ctx context.Context, action ResumeAction) ([]any, *Pause, error)
}

// NewPause constructs a Pause. Engine implementations provide the resume
// continuation; hosts only consume pauses.
func NewPause(kind PauseKind, event DebuggerStoppedEvent,
	resume func(ctx context.Context, action ResumeAction) ([]any, *Pause, error)) *Pause {
	return &Pause{kind: kind, event: event, resume: resume}
}

// Kind reports why the invocation paused.
func (p *Pause) Kind() PauseKind { return p.kind }

// Event returns the debugger-stop details for PauseDebuggerStop pauses.
func (p *Pause) Event() DebuggerStoppedEvent { return p.event }

// Resume continues the suspended invocation with the given action. It
// returns the invocation's final results, or another Pause if the script
// paused again before completing.
func (p *Pause) Resume(ctx context.Context, action ResumeAction) ([]any, *Pause, error) {
	return p.resume(ctx, action)
}
