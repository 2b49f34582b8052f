package host

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrompter() (*Prompter, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewPrompter(NewWriterUI(&buf)), &buf
}

func yesNoChoices() []ChoiceDescription {
	return []ChoiceDescription{
		{Label: "&Yes", HelpMessage: "Do the thing"},
		{Label: "&No", HelpMessage: "Do not do the thing"},
	}
}

func TestChoicePromptHotKey(t *testing.T) {
	prompter, buf := newTestPrompter()
	prompt := NewChoicePrompt("Confirm", "Apply changes?", yesNoChoices(), 0)

	require.NoError(t, prompter.Begin(prompt))
	assert.Contains(t, buf.String(), "[Y] Yes")
	assert.Contains(t, buf.String(), "[N] No")

	require.True(t, prompter.HandleResponse("n"))
	assert.False(t, prompter.IsActive())

	choice, err := prompt.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, choice)
}

func TestChoicePromptDefaultOnEmptyInput(t *testing.T) {
	prompter, _ := newTestPrompter()
	prompt := NewChoicePrompt("", "", yesNoChoices(), 0)

	require.NoError(t, prompter.Begin(prompt))
	require.True(t, prompter.HandleResponse(""))

	choice, err := prompt.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, choice)
}

func TestChoicePromptInvalidInputRedisplays(t *testing.T) {
	prompter, buf := newTestPrompter()
	prompt := NewChoicePrompt("", "", yesNoChoices(), -1)

	require.NoError(t, prompter.Begin(prompt))
	before := strings.Count(buf.String(), "[Y] Yes")

	require.True(t, prompter.HandleResponse("maybe"))
	assert.True(t, prompter.IsActive(), "invalid input must not complete the prompt")
	assert.Equal(t, before+1, strings.Count(buf.String(), "[Y] Yes"), "prompt line redisplayed")

	// Full label match also selects.
	require.True(t, prompter.HandleResponse("yes"))
	choice, err := prompt.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, choice)
}

func TestChoicePromptHelp(t *testing.T) {
	prompter, buf := newTestPrompter()
	prompt := NewChoicePrompt("", "", yesNoChoices(), -1)

	require.NoError(t, prompter.Begin(prompt))
	require.True(t, prompter.HandleResponse("?"))
	assert.Contains(t, buf.String(), "Do the thing")
	assert.True(t, prompter.IsActive())
	prompter.CancelPrompt()

	_, err := prompt.Result(context.Background())
	assert.ErrorIs(t, err, ErrPromptCanceled)
}

func TestChoicePromptNoDefaultEmptyInput(t *testing.T) {
	prompter, _ := newTestPrompter()
	prompt := NewChoicePrompt("", "", yesNoChoices(), -1)

	require.NoError(t, prompter.Begin(prompt))
	require.True(t, prompter.HandleResponse(""))
	assert.True(t, prompter.IsActive(), "empty input without default re-prompts")
	prompter.CancelPrompt()
}

func TestInputPromptFields(t *testing.T) {
	prompter, buf := newTestPrompter()
	prompt := NewInputPrompt("Parameters", "Supply values", []FieldDescription{
		{Name: "Name", Kind: FieldSingle, IsMandatory: true},
		{Name: "Tags", Kind: FieldCollection},
		{Name: "Login", Kind: FieldCredential},
	})

	require.NoError(t, prompter.Begin(prompt))

	// Mandatory single field rejects empty input.
	require.True(t, prompter.HandleResponse(""))
	assert.True(t, prompter.IsActive())
	require.True(t, prompter.HandleResponse("deploy"))

	// Collection accumulates until an empty line.
	require.True(t, prompter.HandleResponse("alpha"))
	require.True(t, prompter.HandleResponse("beta"))
	require.True(t, prompter.HandleResponse(""))

	// Credential reads user then secret.
	assert.Contains(t, buf.String(), "Login user: ")
	require.True(t, prompter.HandleResponse("svc-account"))
	assert.Contains(t, buf.String(), "Password for svc-account: ")
	require.True(t, prompter.HandleResponse("hunter2"))

	assert.False(t, prompter.IsActive())
	values, err := prompt.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "deploy", values["Name"])
	assert.Equal(t, []any{"alpha", "beta"}, values["Tags"])
	assert.Equal(t, Credential{Username: "svc-account", Password: "hunter2"}, values["Login"])
}

func TestInputPromptCustomValidation(t *testing.T) {
	prompter, buf := newTestPrompter()
	prompt := NewInputPrompt("", "", []FieldDescription{
		{
			Name: "Port",
			Kind: FieldCustom,
			Validate: func(input string) error {
				if strings.TrimSpace(input) == "" {
					return errors.New("port is required")
				}
				return nil
			},
		},
	})

	require.NoError(t, prompter.Begin(prompt))
	require.True(t, prompter.HandleResponse(""))
	assert.Contains(t, buf.String(), "port is required")
	assert.True(t, prompter.IsActive())

	require.True(t, prompter.HandleResponse("8080"))
	values, err := prompt.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "8080", values["Port"])
}

func TestInputPromptNoFieldsCompletesImmediately(t *testing.T) {
	prompter, _ := newTestPrompter()
	prompt := NewInputPrompt("", "", nil)

	require.NoError(t, prompter.Begin(prompt))
	assert.False(t, prompter.IsActive())

	values, err := prompt.Result(context.Background())
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestPrompterSingleActivePrompt(t *testing.T) {
	prompter, _ := newTestPrompter()
	first := NewChoicePrompt("", "", yesNoChoices(), 0)
	second := NewChoicePrompt("", "", yesNoChoices(), 0)

	require.NoError(t, prompter.Begin(first))
	assert.ErrorIs(t, prompter.Begin(second), ErrPromptActive)
	prompter.CancelPrompt()
}

func TestPrompterNoActivePrompt(t *testing.T) {
	prompter, _ := newTestPrompter()
	assert.False(t, prompter.HandleResponse("anything"))
	// Canceling with nothing active is a no-op.
	prompter.CancelPrompt()
}

func TestCredentialSecretSuppressedFromTranscript(t *testing.T) {
	var out, transcript bytes.Buffer
	ui := NewWriterUI(&out)
	ui.SetTranscript(&transcript)
	prompter := NewPrompter(ui)

	prompt := NewInputPrompt("", "", []FieldDescription{
		{Name: "Login", Kind: FieldCredential},
	})
	require.NoError(t, prompter.Begin(prompt))
	require.True(t, prompter.HandleResponse("user"))
	require.True(t, prompter.HandleResponse("secret"))

	assert.Contains(t, out.String(), "Password for user: ")
	assert.NotContains(t, transcript.String(), "Password for user: ",
		"secret prompt must not be transcribed")
}

func TestChoicePromptResultHonorsContext(t *testing.T) {
	prompt := NewChoicePrompt("", "", yesNoChoices(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := prompt.Result(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
