package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carelane/portalchat/internal/bus"
	"github.com/carelane/portalchat/internal/push"
	"github.com/carelane/portalchat/internal/rpc"
	"github.com/carelane/portalchat/internal/tui/client"
	"github.com/carelane/portalchat/internal/tui/keys"
	"github.com/carelane/portalchat/internal/tui/model"
	"github.com/carelane/portalchat/internal/tui/ui"
	"github.com/carelane/portalchat/internal/tui/views"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const (
	pageConversations = "conversations"
	pageThread        = "thread"
	pagePermission    = "permission"

	rpcTimeout      = 10 * time.Second
	watchRetryDelay = 2 * time.Second
)

// watched are the event namespaces that change what the window shows.
var watched = []string{"conversation.", "channel.", "account.", "device."}

// Options configures a window.
type Options struct {
	Session string
	// Open is a destination path such as /chat/<id> shown once the
	// conversation list has loaded.
	Open string
}

// App is the main TUI application shell.
type App struct {
	app        *tview.Application
	root       *tview.Flex
	pages      *ui.Pages
	theme      *ui.Theme
	vm         *model.ViewModel
	registry   *keys.Registry
	flash      *ui.FlashModel
	flashBar   *ui.FlashBar
	menu       *ui.Menu
	prompt     *ui.Prompt
	statusBar  *views.StatusBar
	list       *views.ConversationList
	thread     *views.MessageThread
	permission *views.PermissionPrompt
	opts       Options
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(c *client.Client, opts Options) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:       tview.NewApplication(),
		pages:     ui.NewPages(),
		theme:     theme,
		vm:        model.NewViewModel(c),
		registry:  keys.NewRegistry(),
		flash:     ui.NewFlashModel(),
		flashBar:  ui.NewFlashBar(theme),
		menu:      ui.NewMenu(theme),
		prompt:    ui.NewPrompt(theme),
		statusBar: views.NewStatusBar(theme, opts.Session),
		list:      views.NewConversationList(theme),
		thread:    views.NewMessageThread(theme),
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
	}
	a.permission = views.NewPermissionPrompt(theme, a.answerPrompt)

	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: ':',
		Description: "Command", Visible: true,
		Handler: func() { a.showPrompt(ui.PromptCommand) },
	})
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: 'R',
		Description: "Refresh", Visible: true,
		Handler: func() { a.refresh() },
	})
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: 'q',
		Description: "Quit", Visible: true,
		Handler: func() { a.app.Stop() },
	})

	a.registry.AddView(pageConversations, &keys.Action{
		Key: tcell.KeyEnter, Label: "Enter",
		Description: "Open", Visible: true,
		Handler: func() { a.open(a.list.SelectedConversation()) },
	})
	a.registry.AddView(pageConversations, &keys.Action{
		Key: tcell.KeyRune, Rune: '/',
		Description: "Filter", Visible: true,
		Handler: func() { a.showPrompt(ui.PromptFilter) },
	})
	a.registry.AddView(pageConversations, &keys.Action{
		Key: tcell.KeyEscape, Label: "Esc",
		Description: "Clear filter",
		Handler: func() { a.list.ClearFilter() },
	})

	a.registry.AddView(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'i',
		Description: "Compose", Visible: true,
		Handler: func() { a.app.SetFocus(a.thread.Composer()) },
	})
	a.registry.AddView(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'r',
		Description: "Retry failed", Visible: true,
		Handler: func() { a.retry() },
	})
	a.registry.AddView(pageThread, &keys.Action{
		Key: tcell.KeyEscape, Label: "Esc",
		Description: "Back", Visible: true,
		Handler: func() { a.closeThread() },
	})
}

func (a *App) setupCallbacks() {
	a.thread.SetOnSend(func(text string) {
		go func() {
			if err := a.call(func(ctx context.Context) error { return a.vm.Send(ctx, text) }); err != nil {
				a.flash.Err(fmt.Errorf("send failed: %w", err))
			}
			a.reloadThread()
		}()
	})

	a.prompt.SetOnSubmit(func(mode ui.PromptMode, text string) {
		a.hidePrompt()
		switch mode {
		case ui.PromptFilter:
			a.list.SetFilter(text)
		case ui.PromptCommand:
			a.runCommand(ParseCommand(text))
		}
	})
	a.prompt.SetOnCancel(a.hidePrompt)

	a.pages.SetOnChange(func(stack []string) {
		if len(stack) > 0 {
			a.menu.Update(a.registry.Hints(stack[len(stack)-1]))
		}
	})
}

func (a *App) setupLayout() {
	a.pages.AddPage(pageConversations, a.list, true, false)
	a.pages.AddPage(pageThread, a.thread, true, false)
	a.pages.AddPage(pagePermission, a.permission, false, false)
	a.pages.Reset(pageConversations)

	a.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.prompt, 0, 0, false).
		AddItem(a.flashBar, 1, 0, false).
		AddItem(a.menu, 1, 0, false).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(a.root, true)
	a.app.SetInputCapture(a.handleKey)
}

func (a *App) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if a.isModalShown() {
		return event
	}

	switch a.app.GetFocus() {
	case a.prompt.InputField:
		return event
	case a.thread.Composer():
		if event.Key() == tcell.KeyEscape {
			a.app.SetFocus(a.thread.Messages())
			return nil
		}
		return event
	}

	if a.registry.HandleEvent(a.pages.Current(), event) {
		return nil
	}
	return event
}

func (a *App) isModalShown() bool {
	front, _ := a.pages.GetFrontPage()
	return front == pagePermission
}

func (a *App) showPrompt(mode ui.PromptMode) {
	a.prompt.Activate(mode)
	a.root.ResizeItem(a.prompt, 3, 0)
	a.app.SetFocus(a.prompt)
}

func (a *App) hidePrompt() {
	a.root.ResizeItem(a.prompt, 0, 0)
	a.focusCurrent()
}

func (a *App) focusCurrent() {
	if a.pages.Current() == pageThread {
		a.app.SetFocus(a.thread.Messages())
		return
	}
	a.app.SetFocus(a.list)
}

// call runs fn with a bounded context derived from the window's lifetime.
func (a *App) call(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
	defer cancel()
	return fn(ctx)
}

func (a *App) runCommand(cmd Command) {
	switch cmd.Name {
	case "q", "quit":
		a.app.Stop()
	case "login":
		fields := strings.Fields(cmd.Args)
		if len(fields) != 2 {
			a.flash.Warn("usage: login <user-id> <token>")
			return
		}
		a.background("signed in", func(ctx context.Context) error {
			if err := a.vm.Login(ctx, fields[0], fields[1]); err != nil {
				return err
			}
			return a.vm.LoadConversations(ctx, false)
		})
	case "logout":
		a.background("signed out", a.vm.Logout)
	case "refresh":
		a.refresh()
	case "retry":
		a.retry()
	case "notify":
		switch cmd.Args {
		case "on":
			a.background("notifications on", func(ctx context.Context) error { return a.vm.SetNotifications(ctx, true) })
		case "off":
			a.background("notifications off", func(ctx context.Context) error { return a.vm.SetNotifications(ctx, false) })
		case "ask":
			// Blocks until the prompt is answered, so no rpc timeout.
			go func() {
				if err := a.vm.RequestPermission(a.ctx); err != nil {
					a.flash.Err(err)
				}
				a.redraw()
			}()
		default:
			a.flash.Warn("usage: notify on|off|ask")
		}
	case "away", "back":
		fg := cmd.Name == "back"
		a.background("", func(ctx context.Context) error { return a.vm.SetForeground(ctx, fg) })
	default:
		a.flash.Warn(fmt.Sprintf("unknown command %q", cmd.Name))
	}
}

// background runs fn off the UI goroutine, flashing done on success.
func (a *App) background(done string, fn func(ctx context.Context) error) {
	go func() {
		if err := a.call(fn); err != nil {
			a.flash.Err(err)
		} else if done != "" {
			a.flash.Info(done)
		}
		a.reloadAll()
	}()
}

func (a *App) refresh() {
	a.background("refreshing", func(ctx context.Context) error {
		if err := a.vm.Refresh(ctx); err != nil {
			return err
		}
		return a.vm.LoadConversations(ctx, true)
	})
}

func (a *App) retry() {
	go func() {
		var retried bool
		err := a.call(func(ctx context.Context) (err error) {
			retried, err = a.vm.RetryLastFailed(ctx)
			return err
		})
		switch {
		case err != nil:
			a.flash.Err(fmt.Errorf("retry failed: %w", err))
		case !retried:
			a.flash.Info("nothing to retry")
		}
		a.reloadThread()
	}()
}

func (a *App) open(id string) {
	if id == "" {
		return
	}
	go func() {
		err := a.call(func(ctx context.Context) error { return a.vm.OpenConversation(ctx, id) })
		if err != nil {
			a.flash.Err(fmt.Errorf("open conversation: %w", err))
			a.redraw()
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.renderThread()
			if a.pages.Current() != pageThread {
				a.pages.Push(pageThread)
			}
			a.app.SetFocus(a.thread.Messages())
		})
	}()
}

func (a *App) closeThread() {
	if a.pages.Pop() == "" || a.pages.Current() == "" {
		a.pages.Reset(pageConversations)
	}
	a.app.SetFocus(a.list)
	go func() {
		_ = a.call(a.vm.CloseConversation)
	}()
}

func (a *App) answerPrompt(granted bool) {
	a.pages.HidePage(pagePermission)
	a.focusCurrent()
	go func() {
		if err := a.call(func(ctx context.Context) error { return a.vm.AnswerPrompt(ctx, granted) }); err != nil && !errors.Is(err, context.Canceled) {
			a.flash.Err(err)
		}
	}()
}

func (a *App) showPermissionPrompt() {
	a.app.QueueUpdateDraw(func() {
		a.pages.ShowPage(pagePermission)
		a.pages.SendToFront(pagePermission)
		a.app.SetFocus(a.permission)
	})
}

// reloadAll refetches everything the window shows.
func (a *App) reloadAll() {
	_ = a.call(func(ctx context.Context) error {
		_ = a.vm.LoadStatus(ctx)
		_ = a.vm.LoadPermission(ctx)
		if st := a.vm.GetStatus(); st != nil && st.LoggedIn {
			_ = a.vm.LoadConversations(ctx, false)
			_ = a.vm.LoadMessages(ctx)
		}
		return nil
	})
	a.redraw()
}

func (a *App) reloadThread() {
	_ = a.call(a.vm.LoadMessages)
	a.redraw()
}

// redraw pushes the view model into every view.
func (a *App) redraw() {
	a.app.QueueUpdateDraw(func() {
		st := a.vm.GetStatus()
		if st != nil && st.Warning != "" {
			a.flash.SetBanner(st.Warning)
		} else {
			a.flash.ClearBanner()
		}
		a.statusBar.Update(st, a.vm.GetPermission())
		a.list.Update(a.vm.GetConversations(), a.vm.UserID())
		if a.pages.Current() == pageThread {
			if st == nil || !st.LoggedIn {
				a.pages.Reset(pageConversations)
				a.app.SetFocus(a.list)
			} else {
				a.renderThread()
			}
		}
		a.flashBar.Update(a.flash.GetMessage())
	})
}

func (a *App) renderThread() {
	id := a.vm.ActiveID()
	c, ok := a.vm.Conversation(id)
	if !ok {
		c.ID = id
	}
	a.thread.Update(c, a.vm.GetMessages(), a.vm.UserID(), a.vm.MessagesLoaded())
}

// watch follows the daemon's event stream, reconnecting until the window
// closes.
func (a *App) watch() {
	for {
		recv, err := a.vm.Watch(a.ctx, watched...)
		if err == nil {
			a.reloadAll()
			err = a.consume(recv)
		}
		if a.ctx.Err() != nil {
			return
		}
		a.flash.Warn("lost connection to portald, retrying")
		a.redraw()
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(watchRetryDelay):
		}
	}
}

func (a *App) consume(recv func() (*rpc.Event, error)) error {
	for {
		evt, err := recv()
		if err != nil {
			return err
		}
		a.handleEvent(evt)
	}
}

func (a *App) handleEvent(evt *rpc.Event) {
	switch {
	case evt.Kind == bus.DevicePrompt:
		a.showPermissionPrompt()
	case strings.HasPrefix(evt.Kind, "device."):
		_ = a.call(a.vm.LoadPermission)
		a.redraw()
	case strings.HasPrefix(evt.Kind, "channel."):
		_ = a.call(a.vm.LoadStatus)
		a.redraw()
	case strings.HasPrefix(evt.Kind, "conversation."):
		if evt.Kind == bus.ConversationSelected {
			return
		}
		_ = a.call(func(ctx context.Context) error {
			_ = a.vm.LoadConversations(ctx, false)
			return a.vm.LoadMessages(ctx)
		})
		a.redraw()
	default:
		a.reloadAll()
	}
}

// tick drains notification-click intents and keeps the flash and clock
// current.
func (a *App) tick() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}
		var intents []rpc.Intent
		_ = a.call(func(ctx context.Context) (err error) {
			intents, err = a.vm.TakeIntents(ctx)
			return err
		})
		for _, in := range intents {
			a.navigate(in.Destination)
		}
		a.app.QueueUpdateDraw(func() {
			a.flashBar.Update(a.flash.GetMessage())
			a.statusBar.Update(a.vm.GetStatus(), a.vm.GetPermission())
		})
	}
}

func (a *App) navigate(dest string) {
	if id, ok := push.ConversationFromDestination(dest); ok {
		a.open(id)
		return
	}
	a.app.QueueUpdateDraw(func() {
		a.pages.Reset(pageConversations)
		a.app.SetFocus(a.list)
	})
}

// Run starts the TUI application. The window reports itself in the
// foreground while it runs.
func (a *App) Run() error {
	go func() {
		a.reloadAll()
		if st := a.vm.GetStatus(); st != nil && !st.LoggedIn {
			a.flash.Info("signed out, use :login <user-id> <token>")
		}
		_ = a.call(func(ctx context.Context) error { return a.vm.SetForeground(ctx, true) })
		if a.opts.Open != "" {
			a.navigate(a.opts.Open)
		}
		go a.tick()
		a.watch()
	}()

	err := a.app.Run()
	a.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = a.vm.SetForeground(ctx, false)
	return err
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
