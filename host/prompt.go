package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"
)

var (
	// ErrPromptActive is returned when a prompt is begun while another is active.
	ErrPromptActive = errors.New("another prompt is already active")
	// ErrPromptCanceled is returned from a prompt result when the prompt was canceled.
	ErrPromptCanceled = errors.New("prompt canceled")
)

// PromptHandler is a structured prompt advanced line-by-line by the host.
// Implementations are the prompt types in this package; the interface is
// closed on purpose.
type PromptHandler interface {
	// start displays the initial prompt; it reports true when the prompt
	// needs no input at all.
	start(ui UI) (done bool)
	// handleResponse consumes one input line and reports whether the
	// prompt completed (successfully or not).
	handleResponse(input string) (done bool)
	cancel()
}

// Prompter tracks the single active prompt. The execution loop routes input
// lines here before treating them as commands.
type Prompter struct {
	mu     sync.Mutex
	ui     UI
	active PromptHandler
}

// NewPrompter creates a Prompter writing through ui.
func NewPrompter(ui UI) *Prompter {
	return &Prompter{ui: ui}
}

// Begin activates h and displays its initial prompt. Only one prompt can be
// active at a time.
func (p *Prompter) Begin(h PromptHandler) error {
	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		return ErrPromptActive
	}
	p.active = h
	ui := p.ui
	p.mu.Unlock()

	if h.start(ui) {
		p.mu.Lock()
		if p.active == h {
			p.active = nil
		}
		p.mu.Unlock()
	}
	return nil
}

// IsActive reports whether a prompt is currently awaiting input.
func (p *Prompter) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active != nil
}

// HandleResponse feeds one input line to the active prompt. It returns false
// when no prompt is active, in which case the line belongs to the REPL.
func (p *Prompter) HandleResponse(input string) bool {
	p.mu.Lock()
	h := p.active
	p.mu.Unlock()
	if h == nil {
		return false
	}

	if h.handleResponse(input) {
		p.mu.Lock()
		if p.active == h {
			p.active = nil
		}
		p.mu.Unlock()
	}
	return true
}

// CancelPrompt resolves the active prompt, if any, as canceled.
func (p *Prompter) CancelPrompt() {
	p.mu.Lock()
	h := p.active
	p.active = nil
	p.mu.Unlock()
	if h != nil {
		h.cancel()
	}
}

// ChoiceDescription describes one selectable choice. A '&' in the label
// marks the hot key: "&Yes" selects on "y".
type ChoiceDescription struct {
	Label       string
	HelpMessage string
}

// hotKey returns the label's hot key rune in lower case, or 0 when none.
func (c ChoiceDescription) hotKey() rune {
	idx := strings.IndexRune(c.Label, '&')
	if idx < 0 || idx+1 >= len(c.Label) {
		return 0
	}
	return unicode.ToLower(rune(c.Label[idx+1]))
}

// cleanLabel returns the label without the hot-key marker.
func (c ChoiceDescription) cleanLabel() string {
	return strings.Replace(c.Label, "&", "", 1)
}

// ChoicePrompt asks the user to pick one of a fixed set of choices.
type ChoicePrompt struct {
	ui            UI
	caption       string
	message       string
	choices       []ChoiceDescription
	defaultChoice int

	once   sync.Once
	doneCh chan struct{}
	choice int
	err    error
}

// NewChoicePrompt creates a choice prompt. defaultChoice is the index taken
// on empty input, or -1 when there is no default.
func NewChoicePrompt(caption, message string, choices []ChoiceDescription, defaultChoice int) *ChoicePrompt {
	return &ChoicePrompt{
		caption:       caption,
		message:       message,
		choices:       choices,
		defaultChoice: defaultChoice,
		doneCh:        make(chan struct{}),
	}
}

// Result blocks until the prompt completes and returns the selected index.
func (p *ChoicePrompt) Result(ctx context.Context) (int, error) {
	select {
	case <-p.doneCh:
		return p.choice, p.err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (p *ChoicePrompt) start(ui UI) bool {
	p.ui = ui
	if p.caption != "" {
		ui.WriteLine(p.caption)
	}
	if p.message != "" {
		ui.WriteLine(p.message)
	}
	p.writeChoiceLine()
	return false
}

// writeChoiceLine renders the minimal choice prompt, kept out of transcripts
// since it may be redisplayed arbitrarily often.
func (p *ChoicePrompt) writeChoiceLine() {
	p.ui.SetTranscriptionSuppressed(true)
	defer p.ui.SetTranscriptionSuppressed(false)

	var b strings.Builder
	for i, c := range p.choices {
		if i > 0 {
			b.WriteString("  ")
		}
		if key := c.hotKey(); key != 0 {
			fmt.Fprintf(&b, "[%c] %s", unicode.ToUpper(key), c.cleanLabel())
		} else {
			b.WriteString(c.cleanLabel())
		}
	}
	if p.defaultChoice >= 0 && p.defaultChoice < len(p.choices) {
		fmt.Fprintf(&b, "  (default is %q)", p.choices[p.defaultChoice].cleanLabel())
	}
	b.WriteString(": ")
	p.ui.Write(b.String())
}

func (p *ChoicePrompt) handleResponse(input string) bool {
	input = strings.TrimSpace(input)

	if input == "" {
		if p.defaultChoice >= 0 && p.defaultChoice < len(p.choices) {
			p.resolve(p.defaultChoice, nil)
			return true
		}
		p.writeChoiceLine()
		return false
	}

	if input == "?" {
		for _, c := range p.choices {
			p.ui.WriteLine(fmt.Sprintf("%s - %s", c.cleanLabel(), c.HelpMessage))
		}
		p.writeChoiceLine()
		return false
	}

	lowered := strings.ToLower(input)
	for i, c := range p.choices {
		if key := c.hotKey(); key != 0 && lowered == string(key) {
			p.resolve(i, nil)
			return true
		}
		if strings.EqualFold(input, c.cleanLabel()) {
			p.resolve(i, nil)
			return true
		}
	}

	p.writeChoiceLine()
	return false
}

func (p *ChoicePrompt) cancel() {
	p.resolve(-1, ErrPromptCanceled)
}

func (p *ChoicePrompt) resolve(choice int, err error) {
	p.once.Do(func() {
		p.choice = choice
		p.err = err
		close(p.doneCh)
	})
}

// FieldKind selects the per-field input behavior of an InputPrompt.
type FieldKind int

const (
	// FieldSingle reads one value.
	FieldSingle FieldKind = iota
	// FieldCollection reads values until an empty line.
	FieldCollection
	// FieldCredential reads a user name then a secret.
	FieldCredential
	// FieldCustom reads one value validated by the field's Validate func.
	FieldCustom
)

// FieldDescription describes one prompt field.
type FieldDescription struct {
	Name        string
	Label       string
	HelpMessage string
	Kind        FieldKind
	// IsMandatory rejects empty input for FieldSingle fields.
	IsMandatory bool
	// Validate is consulted for FieldCustom fields; a non-nil error
	// redisplays the field.
	Validate func(input string) error
}

func (f FieldDescription) label() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}

// Credential is a user name and secret pair collected by a credential field.
type Credential struct {
	Username string
	Password string
}

// InputPrompt collects values for a sequence of fields.
type InputPrompt struct {
	ui      UI
	caption string
	message string
	fields  []FieldDescription

	idx       int
	collected []any          // FieldCollection accumulator
	credUser  string         // FieldCredential first step
	credStep  int            // 0 = user name, 1 = secret
	values    map[string]any

	once   sync.Once
	doneCh chan struct{}
	err    error
}

// NewInputPrompt creates a multi-field input prompt.
func NewInputPrompt(caption, message string, fields []FieldDescription) *InputPrompt {
	return &InputPrompt{
		caption: caption,
		message: message,
		fields:  fields,
		values:  map[string]any{},
		doneCh:  make(chan struct{}),
	}
}

// Result blocks until the prompt completes and returns the field values
// keyed by field name.
func (p *InputPrompt) Result(ctx context.Context) (map[string]any, error) {
	select {
	case <-p.doneCh:
		return p.values, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *InputPrompt) start(ui UI) bool {
	p.ui = ui
	if p.caption != "" {
		ui.WriteLine(p.caption)
	}
	if p.message != "" {
		ui.WriteLine(p.message)
	}
	if len(p.fields) == 0 {
		p.resolve(nil)
		return true
	}
	p.writeFieldPrompt()
	return false
}

func (p *InputPrompt) writeFieldPrompt() {
	f := p.fields[p.idx]
	switch f.Kind {
	case FieldCollection:
		p.ui.Write(fmt.Sprintf("%s[%d]: ", f.label(), len(p.collected)))
	case FieldCredential:
		if p.credStep == 0 {
			p.ui.Write(fmt.Sprintf("%s user: ", f.label()))
		} else {
			p.ui.Write(fmt.Sprintf("Password for %s: ", p.credUser))
		}
	default:
		p.ui.Write(f.label() + ": ")
	}
}

func (p *InputPrompt) handleResponse(input string) bool {
	f := p.fields[p.idx]

	switch f.Kind {
	case FieldCollection:
		if strings.TrimSpace(input) == "" {
			p.values[f.Name] = p.collected
			p.collected = nil
			return p.advance()
		}
		p.collected = append(p.collected, input)
		p.writeFieldPrompt()
		return false

	case FieldCredential:
		if p.credStep == 0 {
			if strings.TrimSpace(input) == "" {
				p.writeFieldPrompt()
				return false
			}
			p.credUser = input
			p.credStep = 1
			// Secrets never reach a transcript.
			p.ui.SetTranscriptionSuppressed(true)
			p.writeFieldPrompt()
			return false
		}
		p.ui.SetTranscriptionSuppressed(false)
		p.values[f.Name] = Credential{Username: p.credUser, Password: input}
		p.credUser = ""
		p.credStep = 0
		return p.advance()

	case FieldCustom:
		if f.Validate != nil {
			if err := f.Validate(input); err != nil {
				p.ui.WriteErrorLine(err.Error())
				p.writeFieldPrompt()
				return false
			}
		}
		p.values[f.Name] = input
		return p.advance()

	default: // FieldSingle
		if f.IsMandatory && strings.TrimSpace(input) == "" {
			p.writeFieldPrompt()
			return false
		}
		p.values[f.Name] = input
		return p.advance()
	}
}

// advance moves to the next field, completing the prompt past the last one.
func (p *InputPrompt) advance() bool {
	p.idx++
	if p.idx >= len(p.fields) {
		p.resolve(nil)
		return true
	}
	p.writeFieldPrompt()
	return false
}

func (p *InputPrompt) cancel() {
	p.resolve(ErrPromptCanceled)
}

func (p *InputPrompt) resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.doneCh)
	})
}
