package push

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/carelane/portalchat/internal/lock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IntentQueue hands navigation requests to an open window.
type IntentQueue interface {
	QueueIntent(id, destination string) error
}

// Launcher starts a new window at a destination.
type Launcher func(ctx context.Context, destination string) error

// Window reuses the running window when its lock is held, otherwise it
// launches a new one.
type Window struct {
	LockPath string
	Intents  IntentQueue
	Launch   Launcher
	Logger   *zap.Logger
}

func (w *Window) Open(ctx context.Context, destination string) error {
	running, err := lock.Probe(w.LockPath)
	if err != nil {
		return fmt.Errorf("probe window lock: %w", err)
	}
	if running {
		if err := w.Intents.QueueIntent(uuid.NewString(), destination); err != nil {
			return fmt.Errorf("queue intent: %w", err)
		}
		w.log().Info("navigation handed to open window", zap.String("destination", destination))
		return nil
	}
	if err := w.Launch(ctx, destination); err != nil {
		return fmt.Errorf("launch window: %w", err)
	}
	w.log().Info("window launched", zap.String("destination", destination))
	return nil
}

func (w *Window) log() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

// ExecLauncher starts the window binary detached. The command is argv with
// the session and destination appended as flags.
func ExecLauncher(argv []string, session string) Launcher {
	return func(ctx context.Context, destination string) error {
		if len(argv) == 0 {
			return fmt.Errorf("no window command configured")
		}
		args := append(argv[1:len(argv):len(argv)], "--session", session, "--open", destination)
		cmd := exec.Command(argv[0], args...)
		cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
		if err := cmd.Start(); err != nil {
			return err
		}
		return cmd.Process.Release()
	}
}
