package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/host"
)

// Priority controls where a task lands in the queue.
type Priority int

const (
	// PriorityNormal appends the task behind all queued work.
	PriorityNormal Priority = iota
	// PriorityNext prepends the task ahead of all queued work.
	PriorityNext
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "Normal"
	case PriorityNext:
		return "Next"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ExecutionOptions configure how a task is queued and executed.
type ExecutionOptions struct {
	// Priority selects queue placement.
	Priority Priority

	// RequiresForeground pre-empts the current foreground activity: the
	// task is prepended and the running task or blocked input read is
	// canceled so the task runs at the first opportunity.
	RequiresForeground bool

	// ThrowOnError resolves the task's handle with engine errors instead
	// of surfacing them through the host UI.
	ThrowOnError bool

	// AddToHistory records the command in the engine's invocation history.
	AddToHistory bool

	// WriteOutputToHost streams the command's output to the host UI as it
	// completes instead of only returning it to the caller.
	WriteOutputToHost bool

	// FromRepl marks input typed at the interactive prompt.
	FromRepl bool
}

// ErrHostShutdown resolves tasks that can no longer run because the pipeline
// host has shut down.
var ErrHostShutdown = errors.New("pipeline host is shut down")

// Task is a unit of work executed on the pipeline goroutine. Submission and
// completion are observed from any goroutine; execution itself is
// single-threaded.
type Task interface {
	ID() uuid.UUID
	Name() string
	Options() ExecutionOptions

	// Done is closed when the task has resolved, whether it ran, was
	// canceled, or was rejected.
	Done() <-chan struct{}
	// Err returns the task's resolution error. Valid only after Done.
	Err() error

	// execute runs the task on the pipeline goroutine. A non-nil pause
	// means the invocation suspended; the task stays unresolved until the
	// frame machine resumes it and calls complete.
	execute(ctx context.Context, eng engine.Engine, env *taskEnv) *engine.Pause
	// complete resolves a task whose suspended invocation has finished.
	complete(results []any, err error, env *taskEnv)
	// fail resolves the task without running it.
	fail(err error)
}

// taskEnv carries the host services a task may touch while executing.
type taskEnv struct {
	ui      host.UI
	history func(line string)
}

type taskBase struct {
	id        uuid.UUID
	name      string
	opts      ExecutionOptions
	callerCtx context.Context

	doneCh chan struct{}
	once   sync.Once
	err    error
}

func newTaskBase(name string, opts ExecutionOptions, callerCtx context.Context) taskBase {
	return taskBase{
		id:        uuid.New(),
		name:      name,
		opts:      opts,
		callerCtx: callerCtx,
		doneCh:    make(chan struct{}),
	}
}

func (b *taskBase) ID() uuid.UUID             { return b.id }
func (b *taskBase) Name() string              { return b.name }
func (b *taskBase) Options() ExecutionOptions { return b.opts }
func (b *taskBase) Done() <-chan struct{}     { return b.doneCh }

func (b *taskBase) Err() error {
	select {
	case <-b.doneCh:
		return b.err
	default:
		return nil
	}
}

// resolve sets the task's outcome exactly once.
func (b *taskBase) resolve(err error) bool {
	resolved := false
	b.once.Do(func() {
		b.err = err
		close(b.doneCh)
		resolved = true
	})
	return resolved
}

func (b *taskBase) fail(err error) { b.resolve(err) }

// linkContext derives the task's execution context from the enclosing scope
// and, when the submitter supplied its own context, links the two so either
// side can cancel the run.
func (b *taskBase) linkContext(scope context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(scope)
	if b.callerCtx == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(b.callerCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// DelegateTask runs an arbitrary function on the pipeline goroutine, with
// exclusive access to the current frame's engine for its duration.
type DelegateTask[T any] struct {
	taskBase
	fn     func(ctx context.Context, eng engine.Engine) (T, error)
	result T
}

// NewDelegateTask wraps fn as a queueable task. callerCtx may be nil; when
// set, its cancellation is linked into the task's execution context.
func NewDelegateTask[T any](name string, opts ExecutionOptions, callerCtx context.Context, fn func(ctx context.Context, eng engine.Engine) (T, error)) *DelegateTask[T] {
	return &DelegateTask[T]{
		taskBase: newTaskBase(name, opts, callerCtx),
		fn:       fn,
	}
}

// NewActionTask wraps a resultless function that does not need engine
// access.
func NewActionTask(name string, opts ExecutionOptions, callerCtx context.Context, fn func(ctx context.Context) error) *DelegateTask[struct{}] {
	return NewDelegateTask(name, opts, callerCtx, func(ctx context.Context, _ engine.Engine) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
}

func (t *DelegateTask[T]) execute(ctx context.Context, eng engine.Engine, _ *taskEnv) *engine.Pause {
	runCtx, cancel := t.linkContext(ctx)
	defer cancel()
	if err := runCtx.Err(); err != nil {
		t.resolve(err)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			t.resolve(fmt.Errorf("task %q panicked: %v", t.name, r))
		}
	}()

	result, err := t.fn(runCtx, eng)
	t.result = result
	t.resolve(err)
	return nil
}

func (t *DelegateTask[T]) complete(_ []any, err error, _ *taskEnv) {
	t.resolve(err)
}

// Result blocks until the task resolves and returns its outcome.
func (t *DelegateTask[T]) Result() (T, error) {
	<-t.doneCh
	return t.result, t.err
}

// Wait is Result with a caller-side timeout. The task keeps running if ctx
// expires first.
func (t *DelegateTask[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.doneCh:
		return t.result, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// CommandTask invokes an engine command or script on the pipeline goroutine.
type CommandTask struct {
	taskBase
	cmd     *engine.Command
	results []any
}

// NewCommandTask wraps cmd as a queueable task. callerCtx may be nil.
func NewCommandTask(cmd *engine.Command, opts ExecutionOptions, callerCtx context.Context) *CommandTask {
	return &CommandTask{
		taskBase: newTaskBase(cmd.String(), opts, callerCtx),
		cmd:      cmd,
	}
}

func (t *CommandTask) execute(ctx context.Context, eng engine.Engine, env *taskEnv) *engine.Pause {
	runCtx, cancel := t.linkContext(ctx)
	defer cancel()
	if err := runCtx.Err(); err != nil {
		t.resolve(err)
		return nil
	}

	invokeOpts := engine.InvokeOptions{
		MergeErrors:  !t.opts.ThrowOnError,
		AddToHistory: t.opts.AddToHistory,
		ThrowOnError: t.opts.ThrowOnError,
	}
	results, pause, err := eng.Invoke(runCtx, t.cmd, invokeOpts)
	if pause != nil {
		// Suspended on a debugger stop or nested prompt. The frame
		// machine resumes the invocation and completes the task later.
		return pause
	}
	t.complete(results, err, env)
	return nil
}

func (t *CommandTask) complete(results []any, err error, env *taskEnv) {
	if env != nil && t.opts.WriteOutputToHost {
		for _, r := range results {
			env.ui.WriteLine(fmt.Sprint(r))
		}
		if err != nil && !t.opts.ThrowOnError && isDisplayableError(err) {
			env.ui.WriteErrorLine(err.Error())
		}
	}
	t.results = results
	t.resolve(err)
}

// Results blocks until the task resolves and returns the invocation output.
func (t *CommandTask) Results() ([]any, error) {
	<-t.doneCh
	return t.results, t.err
}

// Wait is Results with a caller-side timeout.
func (t *CommandTask) Wait(ctx context.Context) ([]any, error) {
	select {
	case <-t.doneCh:
		return t.results, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// isDisplayableError filters out errors that represent control flow rather
// than failures: cancellation, script exit, and loop flow control are all
// handled by the execution loop and never shown to the user.
func isDisplayableError(err error) bool {
	var exitErr *engine.ExitError
	var flowErr *engine.FlowControlError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.As(err, &exitErr), errors.As(err, &flowErr):
		return false
	}
	return true
}
