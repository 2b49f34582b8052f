package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/host"
	"github.com/smnsjas/go-pseshost/logging"
	"github.com/smnsjas/go-pseshost/readline"
	"github.com/smnsjas/go-pseshost/runspace"
)

var (
	// ErrAlreadyStarted is returned by Start when the host is running.
	ErrAlreadyStarted = errors.New("pipeline host already started")
	// ErrNotStarted is returned by operations that need a running host.
	ErrNotStarted = errors.New("pipeline host not started")
	// ErrNoRemoteSession is returned by PopRunspace when the current frame
	// is not a pushed remote session.
	ErrNoRemoteSession = errors.New("no remote session to pop")
)

// Config assembles the collaborators of a PipelineHost.
type Config struct {
	// EngineFactory creates the root engine, and a replacement when the
	// session has to be reinitialized after becoming unusable. Required.
	EngineFactory func() (engine.Engine, error)

	// UI receives command output, prompts and diagnostics. Defaults to a
	// discarding UI.
	UI host.UI

	// Reader supplies interactive input. Required when Interactive.
	Reader readline.ReadLine

	// Interactive runs a REPL on the root frame. When false the host only
	// services the task queue.
	Interactive bool

	// PromptFallback is shown when the session's prompt function fails or
	// returns nothing.
	PromptFallback string

	// Logger defaults to a no-op logger.
	Logger logging.Logger
}

// PipelineHost owns the single pipeline goroutine that all engine access is
// funneled through. Callers on other goroutines submit work through the task
// queue and observe completion through task handles; the pipeline goroutine
// alone touches the engine, the execution frame stack and the runspace
// stack.
type PipelineHost struct {
	log            logging.Logger
	ui             host.UI
	reader         readline.ReadLine
	newEngine      func() (engine.Engine, error)
	interactive    bool
	promptFallback string

	queue     *TaskQueue
	cancelCtx *CancellationContext
	prompter  *host.Prompter

	// Frame state below is owned by the pipeline goroutine. The runspace
	// stack is additionally read from other goroutines (CurrentRunspace)
	// and guarded by rsMu.
	frames      []*executionFrame
	rsMu        sync.Mutex
	runspaces   []*runspaceFrame
	pendingPush *framePush

	started      atomic.Bool
	shuttingDown atomic.Bool
	readingInput atomic.Bool
	skipPrompt   atomic.Bool
	recovering   atomic.Bool
	busy         atomic.Bool

	runCtx  context.Context
	stop    context.CancelFunc
	doneCh  chan struct{}
	runErr  error

	handlerMu          sync.Mutex
	nextHandlerID      int
	runspaceHandlers   map[int]func(runspace.ChangedEvent)
	busyHandlers       map[int]func(bool)
	debugStopHandlers  map[int]func(engine.DebuggerStoppedEvent)
	breakpointHandlers map[int]func(engine.BreakpointUpdatedEvent)
}

// New creates a stopped PipelineHost from cfg.
func New(cfg Config) (*PipelineHost, error) {
	if cfg.EngineFactory == nil {
		return nil, errors.New("engine factory is required")
	}
	if cfg.Interactive && cfg.Reader == nil {
		return nil, errors.New("interactive host requires a reader")
	}
	if cfg.UI == nil {
		cfg.UI = host.NewNullUI()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	if cfg.PromptFallback == "" {
		cfg.PromptFallback = "> "
	}

	return &PipelineHost{
		log:            cfg.Logger,
		ui:             cfg.UI,
		reader:         cfg.Reader,
		newEngine:      cfg.EngineFactory,
		interactive:    cfg.Interactive,
		promptFallback: cfg.PromptFallback,

		queue:     NewTaskQueue(),
		cancelCtx: NewCancellationContext(),
		prompter:  host.NewPrompter(cfg.UI),
		doneCh:    make(chan struct{}),

		runspaceHandlers:   make(map[int]func(runspace.ChangedEvent)),
		busyHandlers:       make(map[int]func(bool)),
		debugStopHandlers:  make(map[int]func(engine.DebuggerStoppedEvent)),
		breakpointHandlers: make(map[int]func(engine.BreakpointUpdatedEvent)),
	}, nil
}

// Start spawns the pipeline goroutine and blocks until the root frame is
// ready or its engine could not be created.
func (h *PipelineHost) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.runCtx, h.stop = context.WithCancel(ctx)

	if h.reader != nil {
		h.reader.SetIdleHandler(h.onIdle)
	}

	ready := make(chan error, 1)
	go h.run(ready)
	return <-ready
}

// Done is closed when the pipeline goroutine has exited.
func (h *PipelineHost) Done() <-chan struct{} { return h.doneCh }

// Err returns the pipeline goroutine's exit error. Valid only after Done.
func (h *PipelineHost) Err() error {
	select {
	case <-h.doneCh:
		return h.runErr
	default:
		return nil
	}
}

// Shutdown stops the host: every scope is canceled, all frames are torn down
// (suspended invocations resume with a stop action) and queued tasks resolve
// with ErrHostShutdown. Shutdown blocks until the pipeline goroutine exits
// or ctx is canceled. Safe to call more than once.
func (h *PipelineHost) Shutdown(ctx context.Context) error {
	if !h.started.Load() {
		return ErrNotStarted
	}
	if h.shuttingDown.CompareAndSwap(false, true) {
		h.log.Info("pipeline host shutting down")
		h.prompter.CancelPrompt()
		h.cancelCtx.CancelCurrentTaskStack()
		h.stop()
	}
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prompter exposes the interactive prompt router so callers can run choice
// and input prompts through the REPL's input stream.
func (h *PipelineHost) Prompter() *host.Prompter { return h.prompter }

// IsBusy reports whether the pipeline goroutine is currently executing work
// rather than waiting for input or tasks.
func (h *PipelineHost) IsBusy() bool { return h.busy.Load() }

// SubmitTask queues an already-constructed task. Foreground tasks pre-empt
// the current activity. Returns ErrHostShutdown (and resolves the task with
// it) when the host is no longer accepting work.
func (h *PipelineHost) SubmitTask(t Task) error {
	if h.shuttingDown.Load() {
		t.fail(ErrHostShutdown)
		return ErrHostShutdown
	}
	if h.cancelForegroundAndPrepend(t, false) {
		return nil
	}
	if t.Options().Priority == PriorityNext {
		h.queue.Prepend(t)
	} else {
		h.queue.Append(t)
	}
	return nil
}

// ExecuteCommandAsync queues cmd for execution and returns its handle.
func (h *PipelineHost) ExecuteCommandAsync(ctx context.Context, cmd *engine.Command, opts ExecutionOptions) *CommandTask {
	t := NewCommandTask(cmd, opts, ctx)
	_ = h.SubmitTask(t)
	return t
}

// InvokeCommand queues cmd and blocks until it resolves. Must not be called
// from the pipeline goroutine itself; code already running there holds an
// engine handle and invokes it directly.
func (h *PipelineHost) InvokeCommand(ctx context.Context, cmd *engine.Command, opts ExecutionOptions) ([]any, error) {
	return h.ExecuteCommandAsync(ctx, cmd, opts).Wait(ctx)
}

// ExecuteDelegateAsync queues fn to run on the pipeline goroutine with
// exclusive engine access and returns its handle.
func ExecuteDelegateAsync[T any](h *PipelineHost, ctx context.Context, name string, opts ExecutionOptions, fn func(ctx context.Context, eng engine.Engine) (T, error)) *DelegateTask[T] {
	t := NewDelegateTask(name, opts, ctx, fn)
	_ = h.SubmitTask(t)
	return t
}

// InvokeDelegate queues fn and blocks until it resolves.
func InvokeDelegate[T any](h *PipelineHost, ctx context.Context, name string, opts ExecutionOptions, fn func(ctx context.Context, eng engine.Engine) (T, error)) (T, error) {
	return ExecuteDelegateAsync(h, ctx, name, opts, fn).Wait(ctx)
}

// CancelCurrentTask cancels the innermost running operation: the current
// task if one is executing, otherwise the current REPL read or prompt.
// Idempotent; canceling when nothing is running is a no-op.
func (h *PipelineHost) CancelCurrentTask() {
	h.prompter.CancelPrompt()
	h.cancelCtx.CancelCurrentTask()
}

// UnwindCallStack aborts every nested operation at once: all cancellation
// scopes are canceled and every frame above the root is scheduled to pop
// with a stop resume action.
func (h *PipelineHost) UnwindCallStack() {
	h.cancelCtx.CancelCurrentTaskStack()
	t := NewActionTask("unwind call stack",
		ExecutionOptions{Priority: PriorityNext, RequiresForeground: true}, nil,
		func(context.Context) error {
			for i := len(h.frames) - 1; i >= 1; i-- {
				h.frames[i].awaitingPop = true
				h.frames[i].resumeAction = engine.ResumeStop
			}
			return nil
		})
	_ = h.SubmitTask(t)
}

// PushRunspace makes eng's runspace the active session. eng must be a fresh
// handle (typically a just-connected remote session); the host owns it from
// here and disposes it when the session is popped. Blocks until the push is
// scheduled on the pipeline goroutine.
func (h *PipelineHost) PushRunspace(ctx context.Context, eng engine.Engine) error {
	t := NewActionTask("push runspace",
		ExecutionOptions{Priority: PriorityNext, RequiresForeground: true}, ctx,
		func(context.Context) error {
			h.requestPush(framePush{
				engine:     eng,
				frameType:  h.replFrameType(FrameRemote),
				ownsEngine: true,
			})
			return nil
		})
	if err := h.SubmitTask(t); err != nil {
		return err
	}
	_, err := t.Wait(ctx)
	return err
}

// PopRunspace leaves the current pushed session and returns to the previous
// frame. Blocks until the pop is scheduled.
func (h *PipelineHost) PopRunspace(ctx context.Context) error {
	t := NewActionTask("pop runspace",
		ExecutionOptions{Priority: PriorityNext, RequiresForeground: true}, ctx,
		func(context.Context) error {
			f := h.top()
			if f == nil || !f.frameType.Has(FrameRemote) {
				return ErrNoRemoteSession
			}
			f.awaitingPop = true
			return nil
		})
	if err := h.SubmitTask(t); err != nil {
		return err
	}
	_, err := t.Wait(ctx)
	return err
}

// CurrentRunspace returns the cached metadata of the active runspace, nil
// before Start.
func (h *PipelineHost) CurrentRunspace() *runspace.Info {
	if rf := h.topRunspace(); rf != nil {
		return rf.info
	}
	return nil
}

// OnRunspaceChanged registers fn for active-runspace transitions. The
// returned func removes the registration.
func (h *PipelineHost) OnRunspaceChanged(fn func(runspace.ChangedEvent)) (remove func()) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	id := h.nextHandlerID
	h.nextHandlerID++
	h.runspaceHandlers[id] = fn
	return func() {
		h.handlerMu.Lock()
		defer h.handlerMu.Unlock()
		delete(h.runspaceHandlers, id)
	}
}

// OnBusyChanged registers fn for busy-state transitions.
func (h *PipelineHost) OnBusyChanged(fn func(bool)) (remove func()) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	id := h.nextHandlerID
	h.nextHandlerID++
	h.busyHandlers[id] = fn
	return func() {
		h.handlerMu.Lock()
		defer h.handlerMu.Unlock()
		delete(h.busyHandlers, id)
	}
}

// OnDebuggerStopped registers fn for debugger-stop notifications from the
// active runspace. Handlers must not call back into the host's synchronous
// APIs.
func (h *PipelineHost) OnDebuggerStopped(fn func(engine.DebuggerStoppedEvent)) (remove func()) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	id := h.nextHandlerID
	h.nextHandlerID++
	h.debugStopHandlers[id] = fn
	return func() {
		h.handlerMu.Lock()
		defer h.handlerMu.Unlock()
		delete(h.debugStopHandlers, id)
	}
}

// OnBreakpointUpdated registers fn for breakpoint-change notifications from
// the active runspace.
func (h *PipelineHost) OnBreakpointUpdated(fn func(engine.BreakpointUpdatedEvent)) (remove func()) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	id := h.nextHandlerID
	h.nextHandlerID++
	h.breakpointHandlers[id] = fn
	return func() {
		h.handlerMu.Lock()
		defer h.handlerMu.Unlock()
		delete(h.breakpointHandlers, id)
	}
}

func (h *PipelineHost) notifyRunspaceChanged(ev runspace.ChangedEvent) {
	h.log.Info("active runspace changed", "action", ev.Action.String(), "runspace", ev.Info.String())
	for _, fn := range h.snapshotRunspaceHandlers() {
		fn(ev)
	}
}

func (h *PipelineHost) snapshotRunspaceHandlers() []func(runspace.ChangedEvent) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	out := make([]func(runspace.ChangedEvent), 0, len(h.runspaceHandlers))
	for _, fn := range h.runspaceHandlers {
		out = append(out, fn)
	}
	return out
}

func (h *PipelineHost) setBusy(busy bool) {
	if h.busy.Swap(busy) == busy {
		return
	}
	h.handlerMu.Lock()
	fns := make([]func(bool), 0, len(h.busyHandlers))
	for _, fn := range h.busyHandlers {
		fns = append(fns, fn)
	}
	h.handlerMu.Unlock()
	for _, fn := range fns {
		fn(busy)
	}
}

// subscriptionHandlers builds the subscription attached to whichever
// runspace is on top of the stack.
func (h *PipelineHost) subscriptionHandlers() engine.Handlers {
	return engine.Handlers{
		StateChanged: h.handleRunspaceStateChanged,
		DebuggerStopped: func(ev engine.DebuggerStoppedEvent) {
			h.handlerMu.Lock()
			fns := make([]func(engine.DebuggerStoppedEvent), 0, len(h.debugStopHandlers))
			for _, fn := range h.debugStopHandlers {
				fns = append(fns, fn)
			}
			h.handlerMu.Unlock()
			for _, fn := range fns {
				fn(ev)
			}
		},
		BreakpointUpdated: func(ev engine.BreakpointUpdatedEvent) {
			h.handlerMu.Lock()
			fns := make([]func(engine.BreakpointUpdatedEvent), 0, len(h.breakpointHandlers))
			for _, fn := range h.breakpointHandlers {
				fns = append(fns, fn)
			}
			h.handlerMu.Unlock()
			for _, fn := range fns {
				fn(ev)
			}
		},
	}
}

// handleRunspaceStateChanged watches for the active runspace becoming
// unusable and schedules recovery. It runs on an engine-owned goroutine and
// must not block or touch the engine.
func (h *PipelineHost) handleRunspaceStateChanged(ev engine.StateChangedEvent) {
	if ev.NewState.Usable() || h.shuttingDown.Load() {
		return
	}
	if !h.recovering.CompareAndSwap(false, true) {
		return
	}
	h.log.Warn("active runspace became unusable",
		"runspace", ev.RunspaceID.String(), "state", ev.NewState.String(), "reason", ev.Reason)

	// Abort everything in flight, then repair the frame stack from the
	// pipeline goroutine itself via the foreground task path.
	h.cancelCtx.CancelCurrentTaskStack()
	t := NewActionTask("recover unusable session",
		ExecutionOptions{Priority: PriorityNext, RequiresForeground: true}, nil,
		func(ctx context.Context) error {
			return h.recoverFrames(ctx)
		})
	_ = h.SubmitTask(t)
}

// recoverFrames runs on the pipeline goroutine. It pops frames until one
// with a usable runspace is on top; if none remains, it rebuilds a fresh
// root session. Exactly one error-level diagnostic is produced.
func (h *PipelineHost) recoverFrames(_ context.Context) error {
	defer h.recovering.Store(false)

	popped := 0
	for len(h.frames) > 1 && !h.top().usable() {
		h.abortFrame()
		popped++
	}
	if h.top().usable() {
		if popped > 0 {
			h.log.Warn("session recovered by exiting broken frames", "popped", popped)
			h.ui.WriteErrorLine("The current session became unusable; execution has returned to the previous session.")
		}
		return nil
	}

	// The root itself is broken. Tear it down and initialize a new one.
	h.abortFrame()
	eng, err := h.newEngine()
	if err != nil {
		h.log.Error("failed to reinitialize session", "error", err)
		h.runErr = err
		h.shuttingDown.Store(true)
		h.stop()
		return err
	}
	h.pushFrame(framePush{
		engine:     eng,
		frameType:  h.replFrameType(FrameNormal),
		ownsEngine: true,
	})
	h.log.Error("session became unusable and was reinitialized", "popped", popped)
	h.ui.WriteErrorLine("The session became unusable and was reinitialized. Previous session state was lost.")
	return nil
}

// replFrameType adds the REPL bit when the host is interactive.
func (h *PipelineHost) replFrameType(base FrameType) FrameType {
	if h.interactive {
		return base | FrameRepl
	}
	return base
}

func (h *PipelineHost) top() *executionFrame {
	if len(h.frames) == 0 {
		return nil
	}
	return h.frames[len(h.frames)-1]
}

func (h *PipelineHost) topRunspace() *runspaceFrame {
	h.rsMu.Lock()
	defer h.rsMu.Unlock()
	if len(h.runspaces) == 0 {
		return nil
	}
	return h.runspaces[len(h.runspaces)-1]
}

func (h *PipelineHost) pushRunspaceFrame(rf *runspaceFrame) {
	h.rsMu.Lock()
	h.runspaces = append(h.runspaces, rf)
	h.rsMu.Unlock()
}

func (h *PipelineHost) popRunspaceFrame() *runspaceFrame {
	h.rsMu.Lock()
	defer h.rsMu.Unlock()
	if len(h.runspaces) == 0 {
		return nil
	}
	rf := h.runspaces[len(h.runspaces)-1]
	h.runspaces = h.runspaces[:len(h.runspaces)-1]
	return rf
}
