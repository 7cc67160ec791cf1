package device

import (
	"context"
	"errors"
	"sync"

	"github.com/carelane/portalchat/internal/bus"
	"github.com/google/uuid"
)

// Permission is the user's notification permission.
type Permission string

const (
	Undecided Permission = "undecided"
	Granted   Permission = "granted"
	Denied    Permission = "denied"
)

func parsePermission(s string) Permission {
	switch Permission(s) {
	case Granted, Denied:
		return Permission(s)
	default:
		return Undecided
	}
}

// Prompter asks the user whether notifications may be shown.
type Prompter interface {
	Prompt(ctx context.Context) (granted bool, err error)
}

var ErrNoPrompt = errors.New("device: no permission prompt pending")

// PromptRequest is the payload of a device.prompt event.
type PromptRequest struct {
	ID string
}

// BusPrompter asks through the event bus: it publishes a prompt request and
// waits for a window to call Answer.
type BusPrompter struct {
	bus *bus.Bus

	mu      sync.Mutex
	pending string
	answer  chan bool
}

// NewBusPrompter creates a prompter publishing on b.
func NewBusPrompter(b *bus.Bus) *BusPrompter {
	return &BusPrompter{bus: b}
}

// Prompt blocks until the prompt is answered or ctx ends.
func (p *BusPrompter) Prompt(ctx context.Context) (bool, error) {
	ch := make(chan bool, 1)
	id := uuid.NewString()

	p.mu.Lock()
	p.pending, p.answer = id, ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.pending == id {
			p.pending, p.answer = "", nil
		}
		p.mu.Unlock()
	}()

	p.bus.Emit(bus.DevicePrompt, PromptRequest{ID: id})
	select {
	case granted := <-ch:
		return granted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Pending returns the id of the outstanding prompt, if any.
func (p *BusPrompter) Pending() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending, p.pending != ""
}

// Answer resolves the outstanding prompt.
func (p *BusPrompter) Answer(granted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.answer == nil {
		return ErrNoPrompt
	}
	p.answer <- granted
	p.pending, p.answer = "", nil
	return nil
}
