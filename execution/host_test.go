package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/readline"
	"github.com/smnsjas/go-pseshost/runspace"
)

// hostFixture is a started PipelineHost backed by in-process engines, with
// every engine and runspace the factory produced captured for inspection.
type hostFixture struct {
	h      *PipelineHost
	ui     *memoryUI
	reader *readline.Buffered

	mu        sync.Mutex
	runspaces []*engine.LocalRunspace
	engines   []*engine.LocalEngine
}

func newHostFixture(t *testing.T, interactive bool) *hostFixture {
	t.Helper()
	fx := &hostFixture{ui: newMemoryUI()}

	cfg := Config{
		EngineFactory: func() (engine.Engine, error) {
			rs := engine.NewLocalRunspace()
			eng := engine.NewLocalEngineOn(rs)
			fx.mu.Lock()
			fx.runspaces = append(fx.runspaces, rs)
			fx.engines = append(fx.engines, eng)
			fx.mu.Unlock()
			return eng, nil
		},
		UI:             fx.ui,
		Interactive:    interactive,
		PromptFallback: "> ",
	}
	if interactive {
		fx.reader = readline.NewBuffered()
		fx.reader.SetPollInterval(5 * time.Millisecond)
		cfg.Reader = fx.reader
	}

	h, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	fx.h = h

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		if fx.reader != nil {
			fx.reader.Close()
		}
	})
	return fx
}

func (fx *hostFixture) rootRunspace() *engine.LocalRunspace {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.runspaces[0]
}

func (fx *hostFixture) engineCount() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return len(fx.engines)
}

// frameDepth observes the execution stack from the pipeline goroutine
// itself, via the delegate path every other caller would use.
func frameDepth(t *testing.T, h *PipelineHost) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	depth, err := InvokeDelegate(h, ctx, "frame depth", ExecutionOptions{},
		func(context.Context, engine.Engine) (int, error) {
			return len(h.frames), nil
		})
	require.NoError(t, err)
	return depth
}

func waitTask(t *testing.T, task Task) error {
	t.Helper()
	select {
	case <-task.Done():
		return task.Err()
	case <-time.After(5 * time.Second):
		t.Fatalf("task %q did not resolve", task.Name())
		return nil
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{
		EngineFactory: func() (engine.Engine, error) { return engine.NewLocalEngine(), nil },
		Interactive:   true,
	})
	require.Error(t, err)
}

func TestStartTwice(t *testing.T) {
	fx := newHostFixture(t, false)
	assert.ErrorIs(t, fx.h.Start(context.Background()), ErrAlreadyStarted)
}

func TestTasksRunInSubmissionOrder(t *testing.T) {
	fx := newHostFixture(t, false)

	var mu sync.Mutex
	var order []int
	var tasks []Task
	for i := 0; i < 5; i++ {
		i := i
		task := NewActionTask("record", ExecutionOptions{}, nil, func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, fx.h.SubmitTask(task))
		tasks = append(tasks, task)
	}
	for _, task := range tasks {
		require.NoError(t, waitTask(t, task))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestNextPriorityRunsAheadOfQueuedWork(t *testing.T) {
	fx := newHostFixture(t, false)

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	started := make(chan struct{})
	release := make(chan struct{})
	t0 := NewActionTask("t0", ExecutionOptions{}, nil, func(context.Context) error {
		close(started)
		<-release
		record("t0")
		return nil
	})
	require.NoError(t, fx.h.SubmitTask(t0))
	<-started

	t1 := NewActionTask("t1", ExecutionOptions{}, nil, func(context.Context) error {
		record("t1")
		return nil
	})
	t2 := NewActionTask("t2", ExecutionOptions{Priority: PriorityNext}, nil, func(context.Context) error {
		record("t2")
		return nil
	})
	require.NoError(t, fx.h.SubmitTask(t1))
	require.NoError(t, fx.h.SubmitTask(t2))
	close(release)

	require.NoError(t, waitTask(t, t1))
	require.NoError(t, waitTask(t, t2))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t0", "t2", "t1"}, order)
}

func TestForegroundTaskCancelsRunningTask(t *testing.T) {
	fx := newHostFixture(t, false)

	started := make(chan struct{})
	blocker := NewActionTask("blocker", ExecutionOptions{}, nil, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, fx.h.SubmitTask(blocker))
	<-started

	fg := NewActionTask("foreground", ExecutionOptions{RequiresForeground: true}, nil,
		func(context.Context) error { return nil })
	require.NoError(t, fx.h.SubmitTask(fg))

	assert.ErrorIs(t, waitTask(t, blocker), context.Canceled)
	assert.NoError(t, waitTask(t, fg))
}

func TestForegroundTaskDisplacesBlockedRead(t *testing.T) {
	fx := newHostFixture(t, true)

	fg := NewActionTask("foreground", ExecutionOptions{RequiresForeground: true}, nil,
		func(context.Context) error { return nil })
	require.NoError(t, fx.h.SubmitTask(fg))
	assert.NoError(t, waitTask(t, fg))
}

func TestCancelCurrentTaskStopsLongRunningTask(t *testing.T) {
	fx := newHostFixture(t, false)

	started := make(chan struct{})
	task := NewActionTask("long", ExecutionOptions{}, nil, func(ctx context.Context) error {
		close(started)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return errors.New("ran to completion")
		}
	})
	require.NoError(t, fx.h.SubmitTask(task))
	<-started

	begin := time.Now()
	fx.h.CancelCurrentTask()
	err := waitTask(t, task)
	elapsed := time.Since(begin)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, elapsed, 300*time.Millisecond, "cancellation must not wait out the task")
}

func TestCancelWithNothingRunningIsHarmless(t *testing.T) {
	fx := newHostFixture(t, false)

	fx.h.CancelCurrentTask()
	fx.h.CancelCurrentTask()

	// The host keeps servicing work afterwards.
	task := NewActionTask("after", ExecutionOptions{}, nil, func(context.Context) error { return nil })
	require.NoError(t, fx.h.SubmitTask(task))
	assert.NoError(t, waitTask(t, task))
}

func TestDebuggerPausePushesFrame(t *testing.T) {
	fx := newHostFixture(t, false)

	var evMu sync.Mutex
	var events []runspace.ChangedEvent
	remove := fx.h.OnRunspaceChanged(func(ev runspace.ChangedEvent) {
		evMu.Lock()
		events = append(events, ev)
		evMu.Unlock()
	})
	defer remove()

	originalID := fx.h.CurrentRunspace().ID()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task := fx.h.ExecuteCommandAsync(ctx, engine.NewScript("one; debug; two"),
		ExecutionOptions{ThrowOnError: true})

	// The paused invocation is serviced by a new frame on the same
	// runspace: depth grows, identity and subscriptions do not move.
	assert.Equal(t, 2, frameDepth(t, fx.h))
	assert.Equal(t, originalID, fx.h.CurrentRunspace().ID())

	require.NoError(t, fx.h.ResumeDebugger(ctx, engine.ResumeContinue))
	results, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"one", "two"}, results)
	assert.Equal(t, 1, frameDepth(t, fx.h))

	evMu.Lock()
	defer evMu.Unlock()
	assert.Empty(t, events, "reusing the current runspace must not fire change events")
}

func TestNestedPromptPushesFrame(t *testing.T) {
	fx := newHostFixture(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task := fx.h.ExecuteCommandAsync(ctx, engine.NewScript("before; nested; after"),
		ExecutionOptions{ThrowOnError: true})

	assert.Equal(t, 2, frameDepth(t, fx.h))

	require.NoError(t, fx.h.ResumeDebugger(ctx, engine.ResumeContinue))
	results, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"before", "after"}, results)
	assert.Equal(t, 1, frameDepth(t, fx.h))
}

func TestResumeDebuggerWithoutSuspension(t *testing.T) {
	fx := newHostFixture(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.ErrorIs(t, fx.h.ResumeDebugger(ctx, engine.ResumeContinue), ErrNotSuspended)
}

func TestUnusableRunspaceRecovery(t *testing.T) {
	fx := newHostFixture(t, false)
	originalID := fx.h.CurrentRunspace().ID()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task1 := fx.h.ExecuteCommandAsync(ctx, engine.NewScript("a; debug; b"),
		ExecutionOptions{ThrowOnError: true})
	task2 := fx.h.ExecuteCommandAsync(ctx, engine.NewScript("c; nested; d"),
		ExecutionOptions{ThrowOnError: true})

	require.Equal(t, 3, frameDepth(t, fx.h))

	fx.rootRunspace().SetState(engine.RunspaceBroken, errors.New("connection reset"))

	// Both suspended invocations abort rather than hang.
	assert.ErrorIs(t, waitTask(t, task1), context.Canceled)
	assert.ErrorIs(t, waitTask(t, task2), context.Canceled)

	// The stack collapses to a single fresh frame on a brand new session.
	assert.Equal(t, 1, frameDepth(t, fx.h))
	assert.Equal(t, 2, fx.engineCount())
	assert.NotEqual(t, originalID, fx.h.CurrentRunspace().ID())

	errLines := fx.ui.Errors()
	require.Len(t, errLines, 1, "recovery must produce exactly one diagnostic")
	assert.Contains(t, errLines[0], "reinitialized")

	// And the fresh session works.
	results, err := fx.h.InvokeCommand(ctx, engine.NewScript("alive"),
		ExecutionOptions{ThrowOnError: true})
	require.NoError(t, err)
	assert.Equal(t, []any{"alive"}, results)
}

func TestShutdownFailsQueuedTasks(t *testing.T) {
	fx := newHostFixture(t, false)

	started := make(chan struct{})
	blocker := NewActionTask("blocker", ExecutionOptions{}, nil, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	queued := NewActionTask("queued", ExecutionOptions{}, nil, func(context.Context) error { return nil })
	require.NoError(t, fx.h.SubmitTask(blocker))
	<-started
	require.NoError(t, fx.h.SubmitTask(queued))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fx.h.Shutdown(ctx))

	assert.ErrorIs(t, waitTask(t, blocker), context.Canceled)
	assert.ErrorIs(t, waitTask(t, queued), ErrHostShutdown)

	late := NewActionTask("late", ExecutionOptions{}, nil, func(context.Context) error { return nil })
	assert.ErrorIs(t, fx.h.SubmitTask(late), ErrHostShutdown)
	assert.ErrorIs(t, late.Err(), ErrHostShutdown)

	select {
	case <-fx.h.Done():
	default:
		t.Fatal("Done must be closed after Shutdown returns")
	}
	assert.NoError(t, fx.h.Err())
}

func TestPushAndPopRunspace(t *testing.T) {
	fx := newHostFixture(t, false)

	var evMu sync.Mutex
	var events []runspace.ChangedEvent
	remove := fx.h.OnRunspaceChanged(func(ev runspace.ChangedEvent) {
		evMu.Lock()
		events = append(events, ev)
		evMu.Unlock()
	})
	defer remove()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remote := engine.NewLocalEngineOn(engine.NewRemoteRunspace("server01"))
	require.NoError(t, fx.h.PushRunspace(ctx, remote))

	require.Eventually(t, func() bool {
		info := fx.h.CurrentRunspace()
		return info != nil && info.ComputerName() == "server01"
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, fx.h.CurrentRunspace().IsRemote())
	assert.Equal(t, 2, frameDepth(t, fx.h))

	require.NoError(t, fx.h.PopRunspace(ctx))
	require.Eventually(t, func() bool {
		info := fx.h.CurrentRunspace()
		return info != nil && !info.IsRemote()
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, frameDepth(t, fx.h))

	assert.ErrorIs(t, fx.h.PopRunspace(ctx), ErrNoRemoteSession)

	evMu.Lock()
	defer evMu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, runspace.ChangeEnter, events[0].Action)
	assert.Equal(t, "server01", events[0].Info.ComputerName())
	assert.Equal(t, runspace.ChangeExit, events[1].Action)
}

func TestInvokeDelegateProvidesEngineAccess(t *testing.T) {
	fx := newHostFixture(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := InvokeDelegate(fx.h, ctx, "direct invoke", ExecutionOptions{},
		func(ctx context.Context, eng engine.Engine) ([]any, error) {
			results, pause, err := eng.Invoke(ctx, engine.NewScript("direct"), engine.InvokeOptions{})
			require.Nil(t, pause)
			return results, err
		})
	require.NoError(t, err)
	assert.Equal(t, []any{"direct"}, out)
}

func TestReplExecutesInput(t *testing.T) {
	fx := newHostFixture(t, true)

	fx.reader.Feed("hello world")
	require.Eventually(t, func() bool {
		for _, line := range fx.ui.Lines() {
			if line == "hello world" {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	assert.Contains(t, fx.reader.History(), "hello world")
	assert.NotEmpty(t, fx.ui.Prompts())
}

func TestReplExitAtRootKeepsSessionAlive(t *testing.T) {
	fx := newHostFixture(t, true)

	// The root frame absorbs exit; the prompt comes back.
	fx.reader.Feed("exit")
	fx.reader.Feed("still here")
	require.Eventually(t, func() bool {
		for _, line := range fx.ui.Lines() {
			if line == "still here" {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	select {
	case <-fx.h.Done():
		t.Fatal("exit at the root prompt must not end the session")
	default:
	}

	// Closing the input stream is what ends an interactive session.
	fx.reader.Close()
	select {
	case <-fx.h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("end of input must end the session")
	}
	assert.NoError(t, fx.h.Err())
}

func TestSubmittedExitDoesNotStopHost(t *testing.T) {
	fx := newHostFixture(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := fx.h.InvokeCommand(ctx, engine.NewScript("exit 0"),
		ExecutionOptions{ThrowOnError: true})
	var exitErr *engine.ExitError
	require.ErrorAs(t, err, &exitErr)

	// The root frame absorbed the exit; the session keeps serving work.
	results, err := fx.h.InvokeCommand(ctx, engine.NewScript("after"),
		ExecutionOptions{ThrowOnError: true})
	require.NoError(t, err)
	assert.Equal(t, []any{"after"}, results)

	select {
	case <-fx.h.Done():
		t.Fatal("a submitted exit must not stop the host")
	default:
	}
}

func TestReplServicesDebugPause(t *testing.T) {
	fx := newHostFixture(t, true)

	fx.reader.Feed("one; debug; two")

	// The debug frame runs its own REPL with a marked prompt.
	require.Eventually(t, func() bool {
		for _, p := range fx.ui.Prompts() {
			if len(p) >= 6 && p[:6] == "[DBG]:" {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	// Leaving the debug REPL resumes the paused script to completion.
	fx.reader.Feed("exit")
	require.Eventually(t, func() bool {
		lines := fx.ui.Lines()
		seen := map[string]bool{}
		for _, l := range lines {
			seen[l] = true
		}
		return seen["one"] && seen["two"]
	}, 5*time.Second, 5*time.Millisecond)
}

func TestIdleDrainsBackgroundTasks(t *testing.T) {
	fx := newHostFixture(t, true)

	// No input is ever fed; the idle handler must pick the task up while
	// the read stays blocked.
	task := NewActionTask("background", ExecutionOptions{}, nil, func(context.Context) error { return nil })
	require.NoError(t, fx.h.SubmitTask(task))
	assert.NoError(t, waitTask(t, task))
}

func TestIdleSynthesizesEngineEvents(t *testing.T) {
	fx := newHostFixture(t, true)

	var fired atomic.Int64
	fx.mu.Lock()
	fx.engines[0].AddIdleSubscriber(func() { fired.Add(1) })
	fx.mu.Unlock()

	require.Eventually(t, func() bool {
		return fired.Load() > 0
	}, 5*time.Second, 5*time.Millisecond)
}
