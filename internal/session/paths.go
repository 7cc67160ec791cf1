package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.portalchat, or $PORTALCHAT_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("PORTALCHAT_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".portalchat")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the UDS socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the daemon lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// WindowLockPath returns the lock held by an open terminal window.
// The background delivery process probes it to decide whether a click
// reuses the window or launches a new one.
func WindowLockPath(name string) string {
	return filepath.Join(Dir(name), "WINDOW")
}

// AppDBPath returns the session database shared by the daemon, the window
// and the background delivery process.
func AppDBPath(name string) string {
	return filepath.Join(Dir(name), "portal.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the log file path for one of the session's processes.
func LogPath(name, component string) string {
	return filepath.Join(LogDir(name), component+".log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
