// Package host defines the user-facing output surface of the pipeline
// execution host and the structured prompt subsystem.
//
// The UI interface maps to the classic host user-interface shape
// (Write/WriteLine plus stream-specific variants). A transcription
// suppression flag is part of the abstraction itself: some output (prompt
// redisplays, internal diagnostics) must not land in a session transcript,
// and implementations honor the flag rather than the host reaching into
// engine internals.
//
// A default no-op implementation is provided for non-interactive scenarios:
//
//	ui := host.NewNullUI()
package host

import (
	"fmt"
	"io"
	"sync"
)

// UI defines the host output callbacks.
//
//nolint:revive // UI is the established name for this surface
type UI interface {
	// Write outputs text without a newline.
	Write(text string)

	// WriteLine outputs text with a newline.
	WriteLine(text string)

	// WriteErrorLine outputs error text.
	WriteErrorLine(text string)

	// WriteWarningLine outputs warning text.
	WriteWarningLine(text string)

	// WriteDebugLine outputs debug text.
	WriteDebugLine(text string)

	// WriteVerboseLine outputs verbose text.
	WriteVerboseLine(text string)

	// SetTranscriptionSuppressed toggles whether subsequent output is kept
	// out of any session transcript the implementation maintains.
	SetTranscriptionSuppressed(suppressed bool)
}

// NullUI provides a no-op UI implementation.
type NullUI struct{}

// NewNullUI creates a UI that discards all output.
func NewNullUI() *NullUI { return &NullUI{} }

// Write does nothing.
func (*NullUI) Write(string) {}

// WriteLine does nothing.
func (*NullUI) WriteLine(string) {}

// WriteErrorLine does nothing.
func (*NullUI) WriteErrorLine(string) {}

// WriteWarningLine does nothing.
func (*NullUI) WriteWarningLine(string) {}

// WriteDebugLine does nothing.
func (*NullUI) WriteDebugLine(string) {}

// WriteVerboseLine does nothing.
func (*NullUI) WriteVerboseLine(string) {}

// SetTranscriptionSuppressed does nothing.
func (*NullUI) SetTranscriptionSuppressed(bool) {}

// WriterUI writes host output to an io.Writer, optionally copying it to a
// transcript writer unless transcription is suppressed.
type WriterUI struct {
	mu         sync.Mutex
	out        io.Writer
	transcript io.Writer
	suppressed bool
}

// NewWriterUI creates a UI writing to out.
func NewWriterUI(out io.Writer) *WriterUI {
	return &WriterUI{out: out}
}

// SetTranscript directs a copy of unsuppressed output to w. Pass nil to
// stop transcribing.
func (ui *WriterUI) SetTranscript(w io.Writer) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.transcript = w
}

// SetTranscriptionSuppressed toggles transcript copying.
func (ui *WriterUI) SetTranscriptionSuppressed(suppressed bool) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.suppressed = suppressed
}

func (ui *WriterUI) emit(text string) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	fmt.Fprint(ui.out, text)
	if ui.transcript != nil && !ui.suppressed {
		fmt.Fprint(ui.transcript, text)
	}
}

// Write outputs text without a newline.
func (ui *WriterUI) Write(text string) { ui.emit(text) }

// WriteLine outputs text with a newline.
func (ui *WriterUI) WriteLine(text string) { ui.emit(text + "\n") }

// WriteErrorLine outputs error text.
func (ui *WriterUI) WriteErrorLine(text string) { ui.emit("ERROR: " + text + "\n") }

// WriteWarningLine outputs warning text.
func (ui *WriterUI) WriteWarningLine(text string) { ui.emit("WARNING: " + text + "\n") }

// WriteDebugLine outputs debug text.
func (ui *WriterUI) WriteDebugLine(text string) { ui.emit("DEBUG: " + text + "\n") }

// WriteVerboseLine outputs verbose text.
func (ui *WriterUI) WriteVerboseLine(text string) { ui.emit("VERBOSE: " + text + "\n") }
