package views

import (
	"github.com/carelane/portalchat/internal/tui/ui"
	"github.com/rivo/tview"
)

const (
	allowLabel = "Allow"
	denyLabel  = "Don't allow"
)

// PermissionPrompt asks the user whether the portal may show notifications.
type PermissionPrompt struct {
	*tview.Modal
}

// NewPermissionPrompt creates the prompt. onAnswer receives the decision.
func NewPermissionPrompt(theme *ui.Theme, onAnswer func(granted bool)) *PermissionPrompt {
	m := tview.NewModal().
		SetText("Allow the patient portal to notify you about new messages?").
		AddButtons([]string{allowLabel, denyLabel}).
		SetDoneFunc(func(_ int, label string) {
			onAnswer(label == allowLabel)
		})
	m.SetBorderColor(theme.BorderFocusColor)
	m.SetTitle(" Notifications ")
	m.SetTitleColor(theme.TitleColor)
	return &PermissionPrompt{Modal: m}
}
