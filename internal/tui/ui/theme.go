package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
)

// Theme holds color constants for the TUI.
type Theme struct {
	BgColor           tcell.Color
	FgColor           tcell.Color
	MutedColor        tcell.Color
	BorderColor       tcell.Color
	BorderFocusColor  tcell.Color
	TableHeaderFg     tcell.Color
	TableHeaderBg     tcell.Color
	TableCursorFg     tcell.Color
	TableCursorBg     tcell.Color
	UnreadColor       tcell.Color
	PendingColor      tcell.Color
	FailedColor       tcell.Color
	MenuKeyColor      tcell.Color
	TitleColor        tcell.Color
	FlashInfoColor    tcell.Color
	FlashWarnColor    tcell.Color
	FlashErrColor     tcell.Color
	PromptBorderColor tcell.Color
	StateColors       map[string]tcell.Color
}

// DefaultTheme returns a k9s-inspired dark theme.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:           tcell.ColorBlack,
		FgColor:           tcell.ColorCadetBlue,
		MutedColor:        tcell.ColorGray,
		BorderColor:       tcell.ColorDodgerBlue,
		BorderFocusColor:  tcell.ColorLightSkyBlue,
		TableHeaderFg:     tcell.ColorWhite,
		TableHeaderBg:     tcell.ColorBlack,
		TableCursorFg:     tcell.ColorBlack,
		TableCursorBg:     tcell.ColorAqua,
		UnreadColor:       tcell.ColorWhite,
		PendingColor:      tcell.ColorGray,
		FailedColor:       tcell.ColorOrangeRed,
		MenuKeyColor:      tcell.ColorDodgerBlue,
		TitleColor:        tcell.ColorFuchsia,
		FlashInfoColor:    tcell.ColorNavajoWhite,
		FlashWarnColor:    tcell.ColorOrange,
		FlashErrColor:     tcell.ColorOrangeRed,
		PromptBorderColor: tcell.ColorDodgerBlue,
		StateColors: map[string]tcell.Color{
			"CONNECTED":    tcell.ColorGreen,
			"CONNECTING":   tcell.ColorYellow,
			"RECONNECTING": tcell.ColorOrange,
			"DISCONNECTED": tcell.ColorOrangeRed,
		},
	}
}

// StateColor returns the tag color for a connection state.
func (t *Theme) StateColor(state string) string {
	if c, ok := t.StateColors[state]; ok {
		return ColorName(c)
	}
	return ColorName(t.FgColor)
}

// ColorName returns a tview-compatible color name string.
func ColorName(c tcell.Color) string {
	for name, val := range tcell.ColorNames {
		if val == c {
			return name
		}
	}
	return fmt.Sprintf("#%06x", c.Hex())
}
