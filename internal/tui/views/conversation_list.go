package views

import (
	"fmt"
	"strconv"
	"time"

	"github.com/carelane/portalchat/internal/conversation"
	"github.com/carelane/portalchat/internal/tui/ui"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// ConversationList is the main conversation table, newest activity first
// as the daemon orders it.
type ConversationList struct {
	*tview.Table
	theme   *ui.Theme
	convs   []conversation.Conversation
	visible []string
	self    string
	filter  string
}

// NewConversationList creates a new conversation list table.
func NewConversationList(theme *ui.Theme) *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitle(" Conversations ")
	table.SetTitleColor(theme.TitleColor)

	return &ConversationList{
		Table: table,
		theme: theme,
	}
}

// Update refreshes the list. self is the signed-in user, left out of
// conversation names.
func (cl *ConversationList) Update(convs []conversation.Conversation, self string) {
	selected := cl.SelectedConversation()
	cl.convs = convs
	cl.self = self
	cl.render()
	cl.Reselect(selected)
}

// SetFilter sets the active filter text and re-renders.
func (cl *ConversationList) SetFilter(filter string) {
	cl.filter = filter
	cl.render()
}

// ClearFilter clears the active filter.
func (cl *ConversationList) ClearFilter() {
	cl.SetFilter("")
}

// Filter returns the active filter text.
func (cl *ConversationList) Filter() string { return cl.filter }

func (cl *ConversationList) render() {
	cl.Clear()
	cl.visible = cl.visible[:0]

	headers := []struct {
		text string
		exp  int
	}{
		{" WITH", 1},
		{" LAST MESSAGE", 2},
		{" TIME", 0},
		{" UNREAD", 0},
	}
	for col, h := range headers {
		cl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(cl.theme.TableHeaderFg).
			SetBackgroundColor(cl.theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	now := time.Now()
	row := 1
	for _, c := range cl.convs {
		if !matchesFilter(c, cl.self, cl.filter) {
			continue
		}
		fg := cl.theme.FgColor
		var attr tcell.AttrMask
		unread := ""
		if c.UnreadCount > 0 {
			fg = cl.theme.UnreadColor
			attr = tcell.AttrBold
			unread = strconv.Itoa(c.UnreadCount)
		}

		cl.SetCell(row, 0, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(DisplayName(c, cl.self)))).
			SetExpansion(1).SetTextColor(fg).SetAttributes(attr))
		cl.SetCell(row, 1, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(preview(c)))).
			SetExpansion(2).SetTextColor(fg).SetMaxWidth(60))
		cl.SetCell(row, 2, tview.NewTableCell(formatTimestamp(lastActivity(c), now)+" ").
			SetTextColor(cl.theme.MutedColor).SetAlign(tview.AlignRight))
		cl.SetCell(row, 3, tview.NewTableCell(unread+" ").
			SetTextColor(fg).SetAttributes(attr).SetAlign(tview.AlignRight))
		cl.visible = append(cl.visible, c.ID)
		row++
	}

	if cl.filter != "" {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d/%d) filter: %s ", len(cl.visible), len(cl.convs), tview.Escape(cl.filter)))
	} else {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d) ", len(cl.convs)))
	}
}

// SelectedConversation returns the id under the cursor, or "".
func (cl *ConversationList) SelectedConversation() string {
	row, _ := cl.GetSelection()
	idx := row - 1 // header
	if idx < 0 || idx >= len(cl.visible) {
		return ""
	}
	return cl.visible[idx]
}

// Reselect moves the cursor back onto id after a re-render.
func (cl *ConversationList) Reselect(id string) {
	for i, v := range cl.visible {
		if v == id {
			cl.Select(i+1, 0)
			return
		}
	}
	if len(cl.visible) > 0 {
		cl.Select(1, 0)
	}
}
