package execution

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/runspace"
)

// ErrNotSuspended is returned by ResumeDebugger when the current frame is
// not servicing a suspended invocation.
var ErrNotSuspended = errors.New("no suspended invocation to resume")

// run is the body of the pipeline goroutine: the only goroutine that ever
// touches an engine handle. It pushes the root frame, then loops popping
// frames scheduled for teardown and running one iteration of the top frame
// until shutdown empties the stack.
func (h *PipelineHost) run(ready chan<- error) {
	defer close(h.doneCh)

	eng, err := h.newEngine()
	if err != nil {
		h.runErr = err
		ready <- err
		return
	}
	h.pushFrame(framePush{
		engine:     eng,
		frameType:  h.replFrameType(FrameNormal),
		ownsEngine: true,
	})
	ready <- nil
	h.log.Info("pipeline host started", "interactive", h.interactive)

	h.drainStartupTasks()

	for {
		if h.shuttingDown.Load() || h.runCtx.Err() != nil {
			break
		}
		if h.pendingPush != nil {
			p := *h.pendingPush
			h.pendingPush = nil
			h.pushFrame(p)
		}

		f := h.top()
		if f.shouldExit || f.awaitingPop {
			if len(h.frames) > 1 {
				h.popFrameAndResume()
				continue
			}
			// The root frame never pops into a parent. Only a closed
			// input stream flags it, and that ends the session.
			h.shuttingDown.Store(true)
			break
		}

		h.runIteration(f)
	}

	h.shuttingDown.Store(true)
	h.stop()
	for len(h.frames) > 0 {
		h.abortFrame()
	}
	h.failQueued()
	h.log.Info("pipeline host stopped")
}

// drainStartupTasks runs work queued before Start ahead of the first prompt.
func (h *PipelineHost) drainStartupTasks() {
	scope := h.cancelCtx.EnterScope(h.runCtx, false)
	defer scope.Close()
	f := h.top()
	for h.pendingPush == nil && !f.shouldExit && scope.Context().Err() == nil {
		t, ok := h.queue.TryTake()
		if !ok {
			return
		}
		h.executeTask(f, t, scope.Context())
		if h.top() != f {
			return
		}
	}
}

// runIteration performs one pass of the top frame: service interactive input
// if the frame has a REPL, otherwise wait for queued work, then drain the
// task queue until it empties or the frame changes shape.
func (h *PipelineHost) runIteration(f *executionFrame) {
	scope := h.cancelCtx.EnterScope(h.runCtx, false)
	defer scope.Close()

	if h.interactive && f.frameType.Has(FrameRepl) && h.reader != nil {
		h.doOneRepl(f, scope.Context())
	} else if h.queue.Len() == 0 {
		if err := h.queue.Wait(scope.Context()); err != nil {
			return
		}
	}

	for h.pendingPush == nil && !f.shouldExit && !f.awaitingPop &&
		scope.Context().Err() == nil {
		t, ok := h.queue.TryTake()
		if !ok {
			return
		}
		h.executeTask(f, t, scope.Context())
		if h.top() != f {
			// Recovery rebuilt the stack underneath us.
			return
		}
	}
}

// doOneRepl writes the prompt, reads one line and executes it. Cancellation
// of the read (Ctrl-C, a pre-empting foreground task) is not an error; the
// loop simply comes back around.
func (h *PipelineHost) doOneRepl(f *executionFrame, ctx context.Context) {
	if h.skipPrompt.CompareAndSwap(true, false) {
		return
	}
	if !h.prompter.IsActive() {
		h.ui.Write(h.promptString(f, ctx))
	}

	idle := h.cancelCtx.EnterScope(ctx, true)
	h.readingInput.Store(true)
	line, err := h.reader.ReadLine(idle.Context())
	h.readingInput.Store(false)
	idle.Close()

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		// Input stream closed; leave this level.
		f.shouldExit = true
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The read was displaced. The line editor never emitted the
		// trailing newline, so emit it here before re-prompting.
		h.ui.WriteLine("")
		return
	default:
		h.log.Error("failed to read input", "error", err)
		f.shouldExit = true
		return
	}

	if line == "" {
		return
	}
	if h.prompter.HandleResponse(line) {
		return
	}
	h.reader.AddToHistory(line)

	t := NewCommandTask(engine.NewScript(line), ExecutionOptions{
		AddToHistory:      true,
		WriteOutputToHost: true,
		FromRepl:          true,
	}, nil)
	h.executeTask(f, t, ctx)
}

// promptString evaluates the session's prompt function, falling back to the
// configured default when it fails or produces nothing.
func (h *PipelineHost) promptString(f *executionFrame, ctx context.Context) string {
	prompt := h.promptFallback
	cmd := engine.NewCommand().AddCommand("prompt")
	results, pause, err := f.engine.Invoke(ctx, cmd, engine.InvokeOptions{ThrowOnError: true})
	if pause != nil {
		// A prompt function has no business pausing; abort it.
		_, _, _ = pause.Resume(ctx, engine.ResumeStop)
	} else if err == nil && len(results) > 0 {
		if s := fmt.Sprint(results[0]); s != "" {
			prompt = s
		}
	}
	if f.frameType.Has(FrameDebug) {
		prompt = "[DBG]: " + prompt
	}
	return prompt
}

// executeTask runs one task on the pipeline goroutine. A paused invocation
// turns into a deferred frame push carrying the suspension.
func (h *PipelineHost) executeTask(f *executionFrame, t Task, ctx context.Context) {
	h.setBusy(true)
	defer h.setBusy(false)
	h.log.Debug("executing task", "task", t.Name(), "priority", t.Options().Priority.String())

	pause := t.execute(ctx, f.engine, h.taskEnv())
	if pause != nil {
		h.requestPushForPause(f, ctx, pause, t)
		return
	}
	h.applyTaskOutcome(t)
}

// applyTaskOutcome reacts to a resolved task's error: a script exit marks
// the current frame for teardown, everything else has already been routed to
// the task handle or the UI. The root frame absorbs exit signals and keeps
// running; only a closed input stream or an explicit Shutdown ends the
// session.
func (h *PipelineHost) applyTaskOutcome(t Task) {
	err := t.Err()
	if err == nil {
		return
	}
	var exitErr *engine.ExitError
	if errors.As(err, &exitErr) {
		f := h.top()
		if f == nil {
			return
		}
		if len(h.frames) == 1 {
			h.log.Debug("exit absorbed at root frame", "code", exitErr.Code)
			return
		}
		f.shouldExit = true
	}
}

// requestPushForPause defers a frame push for a paused invocation. The new
// frame evaluates against a nested engine handle sharing the paused
// runspace.
func (h *PipelineHost) requestPushForPause(f *executionFrame, ctx context.Context, pause *engine.Pause, t Task) {
	nested, err := f.engine.CreateNested()
	if err != nil {
		// Cannot service the pause; abort the invocation instead of
		// leaving it suspended forever.
		h.log.Error("failed to create nested engine for pause", "error", err)
		results, _, rerr := pause.Resume(ctx, engine.ResumeStop)
		if t != nil {
			if rerr == nil {
				rerr = err
			}
			t.complete(results, rerr, h.taskEnv())
		}
		return
	}

	ft := FrameNested
	if pause.Kind() == engine.PauseDebuggerStop {
		ft |= FrameDebug
	}
	h.requestPush(framePush{
		engine:     nested,
		frameType:  h.replFrameType(ft),
		suspension: &suspendedInvocation{pause: pause, task: t},
		ownsEngine: true,
	})
}

func (h *PipelineHost) requestPush(p framePush) {
	h.pendingPush = &p
}

// pushFrame makes p the top of the execution stack. When the frame's
// runspace differs from the current one, a runspace frame is pushed too:
// event handlers move to the new runspace and observers get an enter
// notification. Reusing the current runspace skips the metadata query
// entirely, which matters when the runspace is paused in the debugger.
func (h *PipelineHost) pushFrame(p framePush) {
	rs := p.engine.Runspace()
	cur := h.topRunspace()
	pushedRunspace := false
	var info *runspace.Info
	if cur != nil && cur.info.ID() == rs.ID() {
		info = cur.info
	} else {
		info = runspace.Describe(rs)
		if cur != nil && cur.unsubscribe != nil {
			cur.unsubscribe()
			cur.unsubscribe = nil
		}
		rf := &runspaceFrame{info: info}
		rf.unsubscribe = rs.Subscribe(h.subscriptionHandlers())
		h.pushRunspaceFrame(rf)
		pushedRunspace = true
		h.notifyRunspaceChanged(runspace.ChangedEvent{Action: runspace.ChangeEnter, Info: info})
	}

	h.frames = append(h.frames, &executionFrame{
		engine:         p.engine,
		info:           info,
		frameType:      p.frameType,
		suspension:     p.suspension,
		pushedRunspace: pushedRunspace,
		ownsEngine:     p.ownsEngine,
	})
	h.log.Debug("pushed execution frame",
		"type", p.frameType.String(), "depth", len(h.frames), "runspace", info.String())
}

// popFrame removes the top frame, unwinding its runspace frame and engine
// handle. The suspension, if any, is left to the caller.
func (h *PipelineHost) popFrame() *executionFrame {
	f := h.frames[len(h.frames)-1]
	h.frames = h.frames[:len(h.frames)-1]

	if f.pushedRunspace {
		rf := h.popRunspaceFrame()
		if rf.unsubscribe != nil {
			rf.unsubscribe()
		}
		action := runspace.ChangeExit
		if h.shuttingDown.Load() {
			action = runspace.ChangeShutdown
		}
		h.notifyRunspaceChanged(runspace.ChangedEvent{Action: action, Info: rf.info})
		if prev := h.topRunspace(); prev != nil {
			prev.unsubscribe = prev.info.Runspace().Subscribe(h.subscriptionHandlers())
		}
	}
	if f.ownsEngine {
		f.engine.Dispose()
	}
	h.log.Debug("popped execution frame", "type", f.frameType.String(), "depth", len(h.frames))
	return f
}

// popFrameAndResume pops the top frame and resumes the invocation it
// suspended. If the invocation pauses again before finishing, a fresh frame
// is pushed to service the new pause.
func (h *PipelineHost) popFrameAndResume() {
	f := h.popFrame()
	s := f.suspension
	if s == nil {
		return
	}

	parent := h.top()
	scope := h.cancelCtx.EnterScope(h.runCtx, false)
	results, pause, err := s.pause.Resume(scope.Context(), f.resumeAction)
	scope.Close()

	if pause != nil {
		h.requestPushForPause(parent, h.runCtx, pause, s.task)
		return
	}
	if s.task != nil {
		s.task.complete(results, err, h.taskEnv())
		h.applyTaskOutcome(s.task)
	}
}

// abortFrame tears the top frame down without running it again: its
// suspended invocation is resumed with a stop action and the originating
// task resolves canceled. Used for recovery and shutdown.
func (h *PipelineHost) abortFrame() {
	f := h.popFrame()
	s := f.suspension
	if s == nil {
		return
	}
	// The run context may already be canceled; stopping an invocation
	// must still be attempted.
	_, _, err := s.pause.Resume(context.Background(), engine.ResumeStop)
	if s.task != nil {
		if err == nil {
			err = context.Canceled
		}
		s.task.fail(err)
	}
}

func (h *PipelineHost) failQueued() {
	for _, t := range h.queue.Drain() {
		t.fail(ErrHostShutdown)
	}
}

func (h *PipelineHost) taskEnv() *taskEnv {
	history := func(string) {}
	if h.reader != nil {
		history = h.reader.AddToHistory
	}
	return &taskEnv{ui: h.ui, history: history}
}

// ResumeDebugger schedules the current suspended invocation to resume with
// action: the servicing frame pops and the paused script continues, steps or
// stops. Blocks until the resume is scheduled.
func (h *PipelineHost) ResumeDebugger(ctx context.Context, action engine.ResumeAction) error {
	t := NewActionTask("resume debugger",
		ExecutionOptions{Priority: PriorityNext, RequiresForeground: true}, ctx,
		func(context.Context) error {
			f := h.top()
			if f == nil || f.suspension == nil {
				return ErrNotSuspended
			}
			f.resumeAction = action
			f.awaitingPop = true
			return nil
		})
	if err := h.SubmitTask(t); err != nil {
		return err
	}
	_, err := t.Wait(ctx)
	return err
}

// cancelForegroundAndPrepend pre-empts the current foreground activity on
// behalf of a task that requires it. Under the consumer gate the task is
// prepended, then either the blocked input read (via its idle parent scope)
// or the running task is canceled so the pipeline goroutine picks the task
// up next. Returns false for tasks that do not require the foreground.
func (h *PipelineHost) cancelForegroundAndPrepend(t Task, idle bool) bool {
	if !t.Options().RequiresForeground {
		return false
	}
	h.skipPrompt.Store(true)

	release := h.queue.BlockConsumers()
	defer release()
	h.queue.Prepend(t)
	if idle || h.readingInput.Load() {
		h.cancelCtx.CancelIdleParentTask()
	} else {
		h.cancelCtx.CancelCurrentTask()
	}
	return true
}

// onIdle runs on the pipeline goroutine while ReadLine polls for input. It
// pumps engine event subscribers and drains background tasks so queued work
// is not starved while the user is idle at the prompt.
func (h *PipelineHost) onIdle(idleCtx context.Context) {
	f := h.top()
	if f == nil || h.shuttingDown.Load() {
		return
	}

	subscribers := f.engine.HasPendingEventSubscribers()
	if subscribers {
		if err := f.engine.SynthesizeIdleEvent(idleCtx); err != nil {
			h.log.Debug("idle event synthesis failed", "error", err)
		}
	}
	if h.queue.Len() == 0 {
		return
	}

	scope := h.cancelCtx.EnterScope(idleCtx, false)
	defer scope.Close()

	ranTask := false
	for scope.Context().Err() == nil && h.pendingPush == nil {
		t, ok := h.queue.TryTake()
		if !ok {
			break
		}
		if t.Options().RequiresForeground {
			// Foreground work cannot run under a blocked read. Hand
			// the task back and displace the read so the main loop
			// runs it.
			h.cancelForegroundAndPrepend(t, true)
			return
		}
		h.executeTask(f, t, scope.Context())
		ranTask = true
		if h.top() != f {
			return
		}
	}

	if h.pendingPush != nil {
		// A task paused mid-flight; the frame machine must take over.
		h.skipPrompt.Store(true)
		h.cancelCtx.CancelIdleParentTask()
		return
	}
	if !ranTask && subscribers {
		// Force one event-processing pass through the engine.
		_, _, _ = f.engine.Invoke(idleCtx, engine.NewCommand(), engine.InvokeOptions{})
	}
}
