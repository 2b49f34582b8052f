// Package runspace tracks session metadata for the pipeline execution host.
//
// The host must never query a runspace for identity metadata while that
// runspace may be paused in the debugger, because the query itself can
// deadlock against the stopped pipeline. Info therefore captures everything
// the host needs (origin, computer name, identity) once, at the moment a
// runspace enters the stack, and the cached record is reused for as long as
// the runspace stays on the stack.
package runspace

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/smnsjas/go-pseshost/engine"
)

// Info is the cached metadata record for one runspace.
type Info struct {
	id           uuid.UUID
	origin       engine.Origin
	computerName string
	runspace     engine.Runspace
}

// Describe captures the metadata of rs. Call it only when the runspace is
// known to be safe to query (immediately after obtaining the handle, before
// any script can pause it).
func Describe(rs engine.Runspace) *Info {
	return &Info{
		id:           rs.ID(),
		origin:       rs.Origin(),
		computerName: rs.ComputerName(),
		runspace:     rs,
	}
}

// ID returns the runspace identifier.
func (i *Info) ID() uuid.UUID { return i.id }

// Origin reports how the runspace was obtained.
func (i *Info) Origin() engine.Origin { return i.origin }

// ComputerName returns the machine backing the runspace.
func (i *Info) ComputerName() string { return i.computerName }

// Runspace returns the underlying handle. State queries on it are safe
// cross-goroutine; identity queries should go through the cached accessors.
func (i *Info) Runspace() engine.Runspace { return i.runspace }

// IsRemote reports whether the runspace is not in-process local.
func (i *Info) IsRemote() bool { return i.origin != engine.OriginLocal }

// String renders the record for logs.
func (i *Info) String() string {
	return fmt.Sprintf("%s@%s (%s)", i.id, i.computerName, i.origin)
}

// ChangeAction describes why the active runspace changed.
type ChangeAction int

const (
	// ChangeEnter indicates a new runspace became active.
	ChangeEnter ChangeAction = iota
	// ChangeExit indicates the active runspace was popped.
	ChangeExit
	// ChangeShutdown indicates the host is shutting the runspace down.
	ChangeShutdown
)

// String returns a string representation of the action.
func (a ChangeAction) String() string {
	switch a {
	case ChangeEnter:
		return "Enter"
	case ChangeExit:
		return "Exit"
	case ChangeShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("Unknown(%d)", int(a))
	}
}

// ChangedEvent notifies observers that the active runspace changed.
type ChangedEvent struct {
	Action ChangeAction
	// Info describes the runspace that is now active (Enter) or the one
	// that was left (Exit, Shutdown).
	Info *Info
}
