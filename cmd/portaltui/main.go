package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/carelane/portalchat/internal/lock"
	"github.com/carelane/portalchat/internal/push"
	"github.com/carelane/portalchat/internal/rpc"
	"github.com/carelane/portalchat/internal/session"
	"github.com/carelane/portalchat/internal/tui"
	"github.com/carelane/portalchat/internal/tui/client"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	openFlag := flag.String("open", "", "destination or portalchat:// link to open")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var dest string
	if *openFlag != "" {
		d, err := push.ParseLink(*openFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		dest = d
	}

	// One window per session; notification clicks reach it through intents.
	win, err := lock.Acquire(session.WindowLockPath(sessionName))
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			fmt.Fprintf(os.Stderr, "a window is already open for session %q (PID %d)\n", sessionName, held.PID)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = win.Release() }()

	socketPath := session.SocketPath(sessionName)

	// Probe daemon health; auto-start if needed.
	if !probeDaemon(socketPath) {
		fmt.Fprintf(os.Stderr, "daemon not running for session %q, starting...\n", sessionName)
		if err := startDaemon(sessionName); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start daemon: %v\n", err)
			os.Exit(1)
		}
		if !waitForDaemon(socketPath, 10*time.Second) {
			fmt.Fprintf(os.Stderr, "daemon did not become ready\n")
			os.Exit(1)
		}
	}

	c, err := client.New(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to daemon: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	app := tui.NewApp(c, tui.Options{Session: sessionName, Open: dest})
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// probeDaemon checks if a daemon is running and responsive on the socket.
func probeDaemon(socketPath string) bool {
	conn, err := rpc.Dial(socketPath)
	if err != nil {
		return false
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = rpc.NewSessionClient(conn).GetStatus(ctx, &rpc.GetStatusRequest{})
	return err == nil
}

func startDaemon(sessionName string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	portald := filepath.Join(filepath.Dir(executable), "portald")

	if _, err := os.Stat(portald); err != nil {
		portald = "portald"
	}

	cmd := exec.Command(portald, "--session", sessionName)
	// Inherit stderr so daemon startup errors are visible.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

// waitForDaemon polls the daemon with a real gRPC health check (not just socket connect).
func waitForDaemon(socketPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if probeDaemon(socketPath) {
			return true
		}
		time.Sleep(300 * time.Millisecond)
	}
	return false
}
