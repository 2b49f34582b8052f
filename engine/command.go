package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDisposed is returned when an operation is attempted on a disposed handle.
	ErrDisposed = errors.New("engine handle is disposed")
	// ErrRunspaceNotUsable is returned when the backing runspace cannot run commands.
	ErrRunspaceNotUsable = errors.New("runspace is not usable")
)

// ExitError is a deliberate terminate signal raised by the script (exit
// semantics). Hosts catch it at the loop level and unwind; it is never a
// host failure.
type ExitError struct {
	Code int
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	return fmt.Sprintf("exit requested with code %d", e.Code)
}

// FlowControlError is raised when flow-control statements (break, continue)
// are used outside a loop. It is a scripting mistake with no observable
// effect and is discarded at the REPL layer.
type FlowControlError struct {
	Statement string
}

// Error implements the error interface.
func (e *FlowControlError) Error() string {
	return fmt.Sprintf("flow control statement %q used outside a loop", e.Statement)
}

// CommandParameter is one named or positional parameter.
type CommandParameter struct {
	// Name is empty for positional arguments.
	Name  string
	Value any
}

// commandEntry is a single statement in a command pipeline.
type commandEntry struct {
	text       string
	isScript   bool
	parameters []CommandParameter
}

// Command represents a pipeline of statements to execute as one unit.
// Build it fluently:
//
//	cmd := engine.NewCommand().
//	    AddCommand("prompt").
//	    AddParameter("Color", "green")
type Command struct {
	entries []commandEntry
}

// NewCommand creates an empty Command.
func NewCommand() *Command {
	return &Command{}
}

// NewScript creates a Command holding one raw script statement.
func NewScript(text string) *Command {
	return NewCommand().AddScript(text)
}

// AddCommand appends a named command (not raw script) to the pipeline.
func (c *Command) AddCommand(name string) *Command {
	c.entries = append(c.entries, commandEntry{text: name})
	return c
}

// AddScript appends a raw script statement to the pipeline.
func (c *Command) AddScript(text string) *Command {
	c.entries = append(c.entries, commandEntry{text: text, isScript: true})
	return c
}

// AddParameter adds a named parameter to the last appended statement.
// It is a no-op on an empty command.
func (c *Command) AddParameter(name string, value any) *Command {
	if len(c.entries) == 0 {
		return c
	}
	idx := len(c.entries) - 1
	c.entries[idx].parameters = append(c.entries[idx].parameters, CommandParameter{Name: name, Value: value})
	return c
}

// AddArgument adds a positional argument to the last appended statement.
func (c *Command) AddArgument(value any) *Command {
	return c.AddParameter("", value)
}

// Empty reports whether the command has no statements.
func (c *Command) Empty() bool {
	return len(c.entries) == 0
}

// String renders the pipeline in a shell-like form, for logs and errors.
func (c *Command) String() string {
	parts := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		var b strings.Builder
		b.WriteString(e.text)
		for _, p := range e.parameters {
			if p.Name != "" {
				fmt.Fprintf(&b, " -%s %v", p.Name, p.Value)
			} else {
				fmt.Fprintf(&b, " %v", p.Value)
			}
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, " | ")
}
