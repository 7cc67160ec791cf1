package views

import (
	"fmt"
	"time"

	"github.com/carelane/portalchat/internal/rpc"
	"github.com/carelane/portalchat/internal/tui/ui"
	"github.com/rivo/tview"
)

// StatusBar displays the session, the connection state and the
// notification permission.
type StatusBar struct {
	*tview.TextView
	theme      *ui.Theme
	session    string
	status     *rpc.StatusResponse
	permission *rpc.PermissionResponse
}

// NewStatusBar creates a new status bar.
func NewStatusBar(theme *ui.Theme, session string) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	sb := &StatusBar{TextView: tv, theme: theme, session: session}
	sb.render()
	return sb
}

// Update re-renders with the latest daemon state. Either argument may be nil.
func (sb *StatusBar) Update(st *rpc.StatusResponse, perm *rpc.PermissionResponse) {
	sb.status = st
	sb.permission = perm
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()

	user, state := "signed out", "-"
	if st := sb.status; st != nil {
		state = st.State
		if st.Attempt > 0 {
			state = fmt.Sprintf("%s #%d", st.State, st.Attempt)
		}
		if st.LoggedIn {
			user = st.UserID
		}
	}
	notify := "-"
	if p := sb.permission; p != nil {
		switch {
		case !p.Supported:
			notify = "unavailable"
		case p.PromptPending:
			notify = "asking"
		default:
			notify = p.Permission
		}
	}
	stateKey := ""
	if sb.status != nil {
		stateKey = sb.status.State
	}

	_, _ = fmt.Fprintf(sb, " [::b]%s[-:-:-] | %s | [%s]%s[-] | notifications: %s | %s",
		tview.Escape(sb.session), tview.Escape(user),
		sb.theme.StateColor(stateKey), state,
		notify, time.Now().Format("15:04"))
}
