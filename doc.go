// Package pseshost hosts a scripting engine behind a single pipeline
// goroutine for editor and automation integrations.
//
// Scripting engines of the PowerShell family are not safe for concurrent
// use: one session must be shared between an interactive REPL, editor
// services issuing background queries, and a debug adapter, all without two
// callers ever touching the engine at once. This package solves that with a
// task queue consumed by one goroutine, scoped cancellation, an explicit
// execution frame stack for debugger stops, nested prompts and pushed remote
// sessions, and automatic recovery when a session becomes unusable.
//
// Basic use:
//
//	h, err := pseshost.New(func() (engine.Engine, error) {
//		return engine.NewLocalEngine(), nil
//	}, pseshost.WithUI(ui), pseshost.WithReadLine(reader))
//	if err != nil {
//		...
//	}
//	if err := h.Start(ctx); err != nil {
//		...
//	}
//	results, err := h.InvokeCommand(ctx, engine.NewScript("build"), execution.ExecutionOptions{ThrowOnError: true})
//
// The execution package documents the threading and frame model in detail.
package pseshost
