package execution

import (
	"strings"

	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/runspace"
)

// FrameType is a bit set describing why an execution frame exists.
type FrameType uint8

const (
	// FrameNormal is an ordinary frame, including the root frame.
	FrameNormal FrameType = 1 << iota
	// FrameNested marks a frame pushed on top of another within the same
	// process, such as a nested prompt.
	FrameNested
	// FrameDebug marks a frame servicing a debugger stop.
	FrameDebug
	// FrameRemote marks a frame bound to a pushed remote session.
	FrameRemote
	// FrameRepl marks a frame that reads and evaluates interactive input.
	FrameRepl
)

// Has reports whether all bits in flag are set.
func (t FrameType) Has(flag FrameType) bool { return t&flag == flag }

func (t FrameType) String() string {
	if t == 0 {
		return "None"
	}
	var parts []string
	for _, f := range []struct {
		bit  FrameType
		name string
	}{
		{FrameNormal, "Normal"},
		{FrameNested, "Nested"},
		{FrameDebug, "Debug"},
		{FrameRemote, "Remote"},
		{FrameRepl, "Repl"},
	} {
		if t.Has(f.bit) {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// suspendedInvocation is an engine invocation paused by a debugger stop or
// nested prompt. Popping the frame that carries it resumes the invocation;
// the originating task (nil for REPL input) is completed when the resumed
// invocation finally finishes.
type suspendedInvocation struct {
	pause *engine.Pause
	task  Task
}

// executionFrame is one level of the execution stack. All fields are owned
// by the pipeline goroutine except where noted.
type executionFrame struct {
	engine    engine.Engine
	info      *runspace.Info
	frameType FrameType

	// shouldExit is set when script or input requested this level exit
	// (the exit keyword, EOF). The root frame clears it instead of
	// popping.
	shouldExit bool
	// awaitingPop is set when a host operation (pop runspace, unwind)
	// scheduled this frame for teardown on the next loop pass.
	awaitingPop bool

	// resumeAction is handed to the suspended invocation when this frame
	// pops. Defaults to continue.
	resumeAction engine.ResumeAction
	suspension   *suspendedInvocation

	// pushedRunspace records that this frame also pushed a runspace frame
	// and must pop it on teardown.
	pushedRunspace bool
	// ownsEngine frames dispose their engine handle when popped.
	ownsEngine bool
}

func (f *executionFrame) usable() bool {
	return f.engine.Runspace().State().Usable()
}

// runspaceFrame tracks one level of the runspace stack: the cached metadata
// and the active event subscription for that runspace.
type runspaceFrame struct {
	info        *runspace.Info
	unsubscribe func()
}

// framePush is a deferred frame push. Pushes are requested from inside an
// iteration (a paused invocation, an entered remote session) and applied by
// the frame machine between iterations so the stack never mutates under a
// running frame.
type framePush struct {
	engine     engine.Engine
	frameType  FrameType
	suspension *suspendedInvocation
	ownsEngine bool
}
