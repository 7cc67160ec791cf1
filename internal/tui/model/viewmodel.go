package model

import (
	"context"
	"errors"
	"sync"

	"github.com/carelane/portalchat/internal/conversation"
	"github.com/carelane/portalchat/internal/rpc"
	"github.com/carelane/portalchat/internal/tui/client"
)

var ErrNoConversation = errors.New("no conversation open")

// ViewModel caches daemon state for the views. Every Load* call replaces
// one slice of the cache; getters return snapshots.
type ViewModel struct {
	mu sync.RWMutex

	client        *client.Client
	status        *rpc.StatusResponse
	permission    *rpc.PermissionResponse
	conversations []conversation.Conversation
	messages      []conversation.Message
	loaded        bool
	activeID      string
}

// NewViewModel creates a new view model connected to the daemon client.
func NewViewModel(c *client.Client) *ViewModel {
	return &ViewModel{client: c}
}

// LoadStatus fetches current session status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	resp, err := vm.client.Session.GetStatus(ctx, &rpc.GetStatusRequest{})
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = resp
	vm.mu.Unlock()
	return nil
}

// LoadPermission fetches the notification permission state.
func (vm *ViewModel) LoadPermission(ctx context.Context) error {
	resp, err := vm.client.Devices.GetPermission(ctx, &rpc.Empty{})
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.permission = resp
	vm.mu.Unlock()
	return nil
}

// LoadConversations fetches the conversation list. refresh forces a
// server round trip instead of the daemon's cache.
func (vm *ViewModel) LoadConversations(ctx context.Context, refresh bool) error {
	resp, err := vm.client.Conversations.List(ctx, &rpc.ListConversationsRequest{Refresh: refresh})
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.conversations = resp.Conversations
	vm.mu.Unlock()
	return nil
}

// OpenConversation selects id in the daemon and loads its messages.
func (vm *ViewModel) OpenConversation(ctx context.Context, id string) error {
	if _, err := vm.client.Conversations.Select(ctx, &rpc.SelectRequest{ConversationID: id}); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.activeID = id
	vm.messages, vm.loaded = nil, false
	vm.mu.Unlock()
	return vm.LoadMessages(ctx)
}

// CloseConversation clears the daemon's selection.
func (vm *ViewModel) CloseConversation(ctx context.Context) error {
	vm.mu.Lock()
	vm.activeID = ""
	vm.messages = nil
	vm.mu.Unlock()
	_, err := vm.client.Conversations.Select(ctx, &rpc.SelectRequest{})
	return err
}

// LoadMessages reloads the open conversation's messages.
func (vm *ViewModel) LoadMessages(ctx context.Context) error {
	id := vm.ActiveID()
	if id == "" {
		return nil
	}
	resp, err := vm.client.Conversations.Messages(ctx, &rpc.MessagesRequest{ConversationID: id})
	if err != nil {
		return err
	}
	vm.mu.Lock()
	if vm.activeID == id {
		vm.messages, vm.loaded = resp.Messages, resp.Loaded
	}
	vm.mu.Unlock()
	return nil
}

// Send sends text to the open conversation.
func (vm *ViewModel) Send(ctx context.Context, text string) error {
	id := vm.ActiveID()
	if id == "" {
		return ErrNoConversation
	}
	_, err := vm.client.Conversations.Send(ctx, &rpc.SendRequest{ConversationID: id, Content: text})
	return err
}

// RequestPermission asks the daemon to prompt for notification
// permission. It blocks until the prompt is answered.
func (vm *ViewModel) RequestPermission(ctx context.Context) error {
	resp, err := vm.client.Devices.RequestPermission(ctx, &rpc.Empty{})
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.permission = resp
	vm.mu.Unlock()
	return nil
}

// RetryLastFailed retries the newest failed message of the open
// conversation. It reports false when there is nothing to retry.
func (vm *ViewModel) RetryLastFailed(ctx context.Context) (bool, error) {
	id := vm.ActiveID()
	if id == "" {
		return false, ErrNoConversation
	}
	clientID := LastFailed(vm.GetMessages())
	if clientID == "" {
		return false, nil
	}
	_, err := vm.client.Conversations.Retry(ctx, &rpc.RetryRequest{ConversationID: id, ClientID: clientID})
	return err == nil, err
}

// Refresh asks the daemon to resynchronize with the server.
func (vm *ViewModel) Refresh(ctx context.Context) error {
	_, err := vm.client.Conversations.Refresh(ctx, &rpc.Empty{})
	return err
}

func (vm *ViewModel) Login(ctx context.Context, userID, token string) error {
	resp, err := vm.client.Session.Login(ctx, &rpc.LoginRequest{UserID: userID, Token: token})
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = resp
	vm.mu.Unlock()
	return nil
}

func (vm *ViewModel) Logout(ctx context.Context) error {
	if _, err := vm.client.Session.Logout(ctx, &rpc.Empty{}); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.conversations, vm.messages, vm.activeID = nil, nil, ""
	vm.mu.Unlock()
	return vm.LoadStatus(ctx)
}

// SetForeground reports whether the window is in front of the user.
func (vm *ViewModel) SetForeground(ctx context.Context, fg bool) error {
	_, err := vm.client.Session.SetForeground(ctx, &rpc.SetForegroundRequest{Foreground: fg})
	return err
}

// AnswerPrompt resolves the pending notification permission prompt.
func (vm *ViewModel) AnswerPrompt(ctx context.Context, granted bool) error {
	_, err := vm.client.Devices.AnswerPrompt(ctx, &rpc.AnswerPromptRequest{Granted: granted})
	return err
}

// SetNotifications turns push notifications on or off.
func (vm *ViewModel) SetNotifications(ctx context.Context, on bool) error {
	var (
		resp *rpc.PermissionResponse
		err  error
	)
	if on {
		resp, err = vm.client.Devices.Enable(ctx, &rpc.Empty{})
	} else {
		resp, err = vm.client.Devices.Disable(ctx, &rpc.Empty{})
	}
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.permission = resp
	vm.mu.Unlock()
	return nil
}

// TakeIntents drains navigation requests queued by notification clicks.
func (vm *ViewModel) TakeIntents(ctx context.Context) ([]rpc.Intent, error) {
	resp, err := vm.client.Session.TakeIntents(ctx, &rpc.Empty{})
	if err != nil {
		return nil, err
	}
	return resp.Intents, nil
}

// Watch opens the daemon event stream.
func (vm *ViewModel) Watch(ctx context.Context, namespaces ...string) (func() (*rpc.Event, error), error) {
	stream, err := vm.client.Session.WatchEvents(ctx, &rpc.WatchEventsRequest{Namespaces: namespaces})
	if err != nil {
		return nil, err
	}
	return stream.Recv, nil
}

// GetConversations returns a snapshot of the conversation list.
func (vm *ViewModel) GetConversations() []conversation.Conversation {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.conversations
}

// GetMessages returns a snapshot of the open conversation's messages.
func (vm *ViewModel) GetMessages() []conversation.Message {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.messages
}

// MessagesLoaded reports whether the open conversation's history has
// been fetched from the server.
func (vm *ViewModel) MessagesLoaded() bool {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.loaded
}

// GetStatus returns a snapshot of session status, or nil before the first load.
func (vm *ViewModel) GetStatus() *rpc.StatusResponse {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}

// GetPermission returns the last known permission state, or nil.
func (vm *ViewModel) GetPermission() *rpc.PermissionResponse {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.permission
}

// ActiveID returns the open conversation, or "".
func (vm *ViewModel) ActiveID() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.activeID
}

// UserID returns the signed-in user, or "".
func (vm *ViewModel) UserID() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.status == nil {
		return ""
	}
	return vm.status.UserID
}

// Conversation returns the cached conversation with id.
func (vm *ViewModel) Conversation(id string) (conversation.Conversation, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for _, c := range vm.conversations {
		if c.ID == id {
			return c, true
		}
	}
	return conversation.Conversation{}, false
}

// LastFailed returns the client id of the newest failed message, or "".
func LastFailed(msgs []conversation.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].State == conversation.Failed {
			return msgs[i].ClientID
		}
	}
	return ""
}
