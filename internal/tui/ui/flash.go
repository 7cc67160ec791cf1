package ui

import (
	"fmt"
	"sync"
	"time"

	"github.com/rivo/tview"
)

// FlashLevel represents the severity of a flash message.
type FlashLevel int

const (
	FlashInfo FlashLevel = iota
	FlashWarn
	FlashErr
)

// FlashMessage is a flash notification with a level and expiry. A zero
// Expires never expires.
type FlashMessage struct {
	Text    string
	Level   FlashLevel
	Expires time.Time
}

func (m FlashMessage) expired(now time.Time) bool {
	return !m.Expires.IsZero() && now.After(m.Expires)
}

// FlashModel holds the transient message and the sticky connection banner.
// The banner stays until cleared; a transient message shows over it until
// it expires.
type FlashModel struct {
	mu      sync.RWMutex
	current FlashMessage
	banner  string
	now     func() time.Time
}

// NewFlashModel creates a new flash model.
func NewFlashModel() *FlashModel {
	return &FlashModel{now: time.Now}
}

func (f *FlashModel) Info(msg string) {
	f.set(msg, FlashInfo, 5*time.Second)
}

func (f *FlashModel) Warn(msg string) {
	f.set(msg, FlashWarn, 8*time.Second)
}

func (f *FlashModel) Err(err error) {
	f.set(err.Error(), FlashErr, 10*time.Second)
}

// SetBanner shows msg until ClearBanner.
func (f *FlashModel) SetBanner(msg string) {
	f.mu.Lock()
	f.banner = msg
	f.mu.Unlock()
}

func (f *FlashModel) ClearBanner() {
	f.SetBanner("")
}

func (f *FlashModel) set(msg string, level FlashLevel, d time.Duration) {
	f.mu.Lock()
	f.current = FlashMessage{Text: msg, Level: level, Expires: f.now().Add(d)}
	f.mu.Unlock()
}

// GetMessage returns the message to display, or nil.
func (f *FlashModel) GetMessage() *FlashMessage {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.current.Text != "" && !f.current.expired(f.now()) {
		m := f.current
		return &m
	}
	if f.banner != "" {
		return &FlashMessage{Text: f.banner, Level: FlashWarn}
	}
	return nil
}

// FlashBar is the UI component that displays flash notifications.
type FlashBar struct {
	*tview.TextView
	theme *Theme
}

// NewFlashBar creates a new flash notification bar.
func NewFlashBar(theme *Theme) *FlashBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)

	return &FlashBar{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders a flash message on the bar.
func (fb *FlashBar) Update(msg *FlashMessage) {
	fb.Clear()
	if msg == nil {
		return
	}

	var color string
	switch msg.Level {
	case FlashInfo:
		color = ColorName(fb.theme.FlashInfoColor)
	case FlashWarn:
		color = ColorName(fb.theme.FlashWarnColor)
	case FlashErr:
		color = ColorName(fb.theme.FlashErrColor)
	}
	_, _ = fmt.Fprintf(fb, " [%s]%s[-]", color, tview.Escape(msg.Text))
}
