package ui

import (
	"fmt"

	"github.com/rivo/tview"
)

// Menu displays keyboard shortcut hints on a single line.
type Menu struct {
	*tview.TextView
	theme *Theme
}

// NewMenu creates a new menu hint bar.
func NewMenu(theme *Theme) *Menu {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 1, 0)

	return &Menu{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders the hints of the front component.
func (m *Menu) Update(hints []MenuHint) {
	m.Clear()
	keyColor := ColorName(m.theme.MenuKeyColor)
	for _, h := range hints {
		_, _ = fmt.Fprintf(m, "[%s::b]<%s>[-:-:-] %s  ", keyColor, h.Key, h.Description)
	}
}
