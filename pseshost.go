package pseshost

import (
	"context"

	"github.com/google/uuid"

	"github.com/smnsjas/go-pseshost/config"
	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/execution"
	hostui "github.com/smnsjas/go-pseshost/host"
	"github.com/smnsjas/go-pseshost/logging"
	"github.com/smnsjas/go-pseshost/readline"
	"github.com/smnsjas/go-pseshost/runspace"
)

// Host is the top-level handle for one pipeline execution host instance.
type Host struct {
	id       uuid.UUID
	pipeline *execution.PipelineHost
}

type options struct {
	cfg    config.Config
	logger logging.Logger
	ui     hostui.UI
	reader readline.ReadLine
}

// Option configures a Host.
type Option func(*options)

// WithConfig applies a loaded configuration.
func WithConfig(cfg config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithUI sets the host UI. Defaults to a discarding UI.
func WithUI(ui hostui.UI) Option {
	return func(o *options) { o.ui = ui }
}

// WithReadLine sets the interactive input source. Without one the host runs
// non-interactively regardless of configuration.
func WithReadLine(r readline.ReadLine) Option {
	return func(o *options) { o.reader = r }
}

// historyless suppresses history recording on a wrapped reader.
type historyless struct {
	inner readline.ReadLine
}

func (h historyless) ReadLine(ctx context.Context) (string, error) { return h.inner.ReadLine(ctx) }

func (h historyless) SetIdleHandler(fn readline.IdleHandler) { h.inner.SetIdleHandler(fn) }

func (historyless) AddToHistory(string) {}

// New assembles a Host around an engine factory. The factory creates the
// root session and any replacement session after recovery.
func New(factory func() (engine.Engine, error), opts ...Option) (*Host, error) {
	o := &options{cfg: config.Default()}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg.Normalize()
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	interactive := o.cfg.Interactive && o.reader != nil
	reader := o.reader
	if reader != nil {
		if buffered, ok := reader.(*readline.Buffered); ok && o.cfg.PollInterval > 0 {
			buffered.SetPollInterval(o.cfg.PollInterval.Std())
		}
		if o.cfg.HistoryEnabled != nil && !*o.cfg.HistoryEnabled {
			reader = historyless{inner: reader}
		}
	}

	pipeline, err := execution.New(execution.Config{
		EngineFactory:  factory,
		UI:             o.ui,
		Reader:         reader,
		Interactive:    interactive,
		PromptFallback: o.cfg.PromptFallback,
		Logger:         o.logger,
	})
	if err != nil {
		return nil, err
	}
	return &Host{id: uuid.New(), pipeline: pipeline}, nil
}

// ID identifies this host instance.
func (h *Host) ID() uuid.UUID { return h.id }

// Start spawns the pipeline goroutine and blocks until the root session is
// ready.
func (h *Host) Start(ctx context.Context) error { return h.pipeline.Start(ctx) }

// Done is closed when the host has fully stopped.
func (h *Host) Done() <-chan struct{} { return h.pipeline.Done() }

// Err returns the host's exit error. Valid only after Done.
func (h *Host) Err() error { return h.pipeline.Err() }

// Shutdown stops the host and blocks until it has wound down or ctx expires.
func (h *Host) Shutdown(ctx context.Context) error { return h.pipeline.Shutdown(ctx) }

// ExecuteCommandAsync queues a command and returns its handle.
func (h *Host) ExecuteCommandAsync(ctx context.Context, cmd *engine.Command, opts execution.ExecutionOptions) *execution.CommandTask {
	return h.pipeline.ExecuteCommandAsync(ctx, cmd, opts)
}

// InvokeCommand queues a command and blocks until it resolves.
func (h *Host) InvokeCommand(ctx context.Context, cmd *engine.Command, opts execution.ExecutionOptions) ([]any, error) {
	return h.pipeline.InvokeCommand(ctx, cmd, opts)
}

// SubmitTask queues an already-constructed task.
func (h *Host) SubmitTask(t execution.Task) error { return h.pipeline.SubmitTask(t) }

// ExecuteDelegateAsync queues fn to run on the pipeline goroutine with
// exclusive engine access.
func ExecuteDelegateAsync[T any](h *Host, ctx context.Context, name string, opts execution.ExecutionOptions, fn func(ctx context.Context, eng engine.Engine) (T, error)) *execution.DelegateTask[T] {
	return execution.ExecuteDelegateAsync(h.pipeline, ctx, name, opts, fn)
}

// InvokeDelegate queues fn and blocks until it resolves.
func InvokeDelegate[T any](h *Host, ctx context.Context, name string, opts execution.ExecutionOptions, fn func(ctx context.Context, eng engine.Engine) (T, error)) (T, error) {
	return execution.InvokeDelegate(h.pipeline, ctx, name, opts, fn)
}

// CancelCurrentTask cancels the innermost running operation.
func (h *Host) CancelCurrentTask() { h.pipeline.CancelCurrentTask() }

// UnwindCallStack aborts every nested operation and drains the stack back to
// the root frame.
func (h *Host) UnwindCallStack() { h.pipeline.UnwindCallStack() }

// ResumeDebugger resumes the currently suspended invocation with action.
func (h *Host) ResumeDebugger(ctx context.Context, action engine.ResumeAction) error {
	return h.pipeline.ResumeDebugger(ctx, action)
}

// PushRunspace makes eng's runspace the active session.
func (h *Host) PushRunspace(ctx context.Context, eng engine.Engine) error {
	return h.pipeline.PushRunspace(ctx, eng)
}

// PopRunspace leaves the current pushed session.
func (h *Host) PopRunspace(ctx context.Context) error { return h.pipeline.PopRunspace(ctx) }

// CurrentRunspace returns cached metadata for the active runspace.
func (h *Host) CurrentRunspace() *runspace.Info { return h.pipeline.CurrentRunspace() }

// IsBusy reports whether the host is executing work right now.
func (h *Host) IsBusy() bool { return h.pipeline.IsBusy() }

// Prompter routes choice and input prompts through the interactive input
// stream.
func (h *Host) Prompter() *hostui.Prompter { return h.pipeline.Prompter() }

// OnRunspaceChanged registers fn for active-runspace transitions.
func (h *Host) OnRunspaceChanged(fn func(runspace.ChangedEvent)) (remove func()) {
	return h.pipeline.OnRunspaceChanged(fn)
}

// OnBusyChanged registers fn for busy-state transitions.
func (h *Host) OnBusyChanged(fn func(bool)) (remove func()) {
	return h.pipeline.OnBusyChanged(fn)
}

// OnDebuggerStopped registers fn for debugger-stop notifications.
func (h *Host) OnDebuggerStopped(fn func(engine.DebuggerStoppedEvent)) (remove func()) {
	return h.pipeline.OnDebuggerStopped(fn)
}

// OnBreakpointUpdated registers fn for breakpoint-change notifications.
func (h *Host) OnBreakpointUpdated(fn func(engine.BreakpointUpdatedEvent)) (remove func()) {
	return h.pipeline.OnBreakpointUpdated(fn)
}
