package views

import (
	"fmt"
	"time"

	"github.com/carelane/portalchat/internal/conversation"
	"github.com/carelane/portalchat/internal/tui/ui"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// MessageThread displays messages and a composer for a single conversation.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	messages *tview.TextView
	composer *tview.InputField
	onSend   func(text string)
}

// NewMessageThread creates a new message thread view.
func NewMessageThread(theme *ui.Theme) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitle(" Messages ")
	messages.SetTitleColor(theme.TitleColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.MenuKeyColor)
	composer.SetTitle(" Compose (i to focus) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		messages: messages,
		composer: composer,
	}

	composer.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && mt.onSend != nil {
			text := composer.GetText()
			if text != "" {
				mt.onSend(text)
				composer.SetText("")
			}
		}
	})

	return mt
}

// SetOnSend sets the callback when a message is sent.
func (mt *MessageThread) SetOnSend(fn func(text string)) {
	mt.onSend = fn
}

// Update renders c's messages oldest first.
func (mt *MessageThread) Update(c conversation.Conversation, msgs []conversation.Message, self string, loaded bool) {
	mt.messages.SetTitle(fmt.Sprintf(" %s ", tview.Escape(sanitizeForTerminal(DisplayName(c, self)))))
	mt.messages.Clear()

	if len(msgs) == 0 {
		hint := "No messages yet."
		if !loaded {
			hint = "Loading history..."
		}
		_, _ = fmt.Fprintf(mt.messages, "[%s]%s[-]\n", ui.ColorName(mt.theme.MutedColor), hint)
		return
	}

	now := time.Now()
	muted := ui.ColorName(mt.theme.MutedColor)
	for _, m := range msgs {
		_, _ = fmt.Fprintf(mt.messages, "[::b]%s[-:-:-] [%s]%s[-]%s\n%s\n\n",
			tview.Escape(sanitizeForTerminal(SenderName(c, m, self))),
			muted, formatTimestamp(m.CreatedAt, now),
			mt.stateMarker(m),
			tview.Escape(sanitizeForTerminal(m.Content)))
	}
	mt.messages.ScrollToEnd()
}

func (mt *MessageThread) stateMarker(m conversation.Message) string {
	switch m.State {
	case conversation.Pending:
		return fmt.Sprintf(" [%s]sending...[-]", ui.ColorName(mt.theme.PendingColor))
	case conversation.Failed:
		return fmt.Sprintf(" [%s::b]not delivered, r to retry[-:-:-]", ui.ColorName(mt.theme.FailedColor))
	default:
		return ""
	}
}

// Messages returns the messages text view (for focus management).
func (mt *MessageThread) Messages() *tview.TextView {
	return mt.messages
}

// Composer returns the composer input field (for focus management).
func (mt *MessageThread) Composer() *tview.InputField {
	return mt.composer
}
