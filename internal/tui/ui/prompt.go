package ui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// PromptMode indicates the type of prompt (command or filter).
type PromptMode int

const (
	PromptCommand PromptMode = iota
	PromptFilter
)

const historySize = 20

// Prompt is a command/filter input bar. Up and Down walk the command history.
type Prompt struct {
	*tview.InputField
	theme    *Theme
	mode     PromptMode
	history  []string
	cursor   int
	onSubmit func(mode PromptMode, text string)
	onCancel func()
}

// NewPrompt creates a new prompt input bar.
func NewPrompt(theme *Theme) *Prompt {
	input := tview.NewInputField()
	input.SetBorder(true)
	input.SetBorderColor(theme.PromptBorderColor)
	input.SetBackgroundColor(theme.BgColor)
	input.SetFieldBackgroundColor(theme.BgColor)
	input.SetFieldTextColor(theme.FgColor)
	input.SetLabelColor(theme.MenuKeyColor)

	p := &Prompt{
		InputField: input,
		theme:      theme,
	}

	input.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEnter:
			text := p.GetText()
			if text != "" && p.mode == PromptCommand {
				p.remember(text)
			}
			if p.onSubmit != nil && text != "" {
				p.onSubmit(p.mode, text)
			}
			p.SetText("")
		case tcell.KeyEscape:
			p.SetText("")
			if p.onCancel != nil {
				p.onCancel()
			}
		}
	})
	input.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if p.mode != PromptCommand {
			return ev
		}
		switch ev.Key() {
		case tcell.KeyUp:
			p.walk(-1)
			return nil
		case tcell.KeyDown:
			p.walk(1)
			return nil
		}
		return ev
	})

	return p
}

// SetOnSubmit sets the callback when the prompt is submitted.
func (p *Prompt) SetOnSubmit(fn func(mode PromptMode, text string)) {
	p.onSubmit = fn
}

// SetOnCancel sets the callback when the prompt is cancelled.
func (p *Prompt) SetOnCancel(fn func()) {
	p.onCancel = fn
}

// Activate shows the prompt in the specified mode.
func (p *Prompt) Activate(mode PromptMode) {
	p.mode = mode
	p.cursor = len(p.history)
	p.SetText("")
	switch mode {
	case PromptCommand:
		p.SetLabel(":")
		p.SetTitle(" Command ")
	case PromptFilter:
		p.SetLabel("/")
		p.SetTitle(" Filter ")
	}
}

// Mode returns the current prompt mode.
func (p *Prompt) Mode() PromptMode {
	return p.mode
}

func (p *Prompt) remember(text string) {
	if n := len(p.history); n > 0 && p.history[n-1] == text {
		return
	}
	p.history = append(p.history, text)
	if len(p.history) > historySize {
		p.history = p.history[len(p.history)-historySize:]
	}
}

func (p *Prompt) walk(delta int) {
	next := p.cursor + delta
	if next < 0 || next > len(p.history) {
		return
	}
	p.cursor = next
	if next == len(p.history) {
		p.SetText("")
		return
	}
	p.SetText(p.history[next])
}
