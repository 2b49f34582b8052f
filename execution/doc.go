// Package execution implements the pipeline execution host: a single
// goroutine that owns all access to a scripting engine and the machinery
// that lets many callers share it safely.
//
// # Threading model
//
// An Engine is not safe for concurrent use, so the host funnels every
// interaction through one pipeline goroutine. Callers on other goroutines
// submit Tasks; the pipeline goroutine executes them one at a time and
// resolves their handles. Code that needs richer access runs as a delegate
// task, receiving the current engine handle for its duration.
//
// # Frames
//
// Nesting (debugger stops, nested prompts, pushed remote sessions) is
// modeled as an explicit stack of execution frames rather than re-entrant
// calls:
//
//	                  +-------------------+
//	  top             |  Debug | Nested   |  <- services a paused invocation
//	                  +-------------------+
//	                  |  Remote | Repl    |  <- pushed remote session
//	                  +-------------------+
//	  bottom (root)   |  Normal | Repl    |  <- never pops
//	                  +-------------------+
//
// A paused invocation travels with the frame pushed to service it; popping
// the frame resumes the invocation, which either completes its originating
// task or pauses again and earns a fresh frame. A parallel runspace stack
// tracks which runspace is active, moving event subscriptions and notifying
// observers as sessions are entered and left.
//
// # Cancellation
//
// Cancellation is scoped: every unit of work runs under a scope on a shared
// stack, so callers can cancel just the current task, displace a blocked
// input read, or unwind the whole stack at once. Foreground tasks pre-empt
// whatever the pipeline goroutine is doing through exactly that mechanism.
package execution
