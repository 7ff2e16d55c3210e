package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// SocketPath returns the daemon's local socket path. Preference order:
// the user runtime dir, then ~/.local/run, then /tmp with the uid baked in.
// Windows uses a per-user named pipe.
func SocketPath() string {
	if runtime.GOOS == "windows" {
		if user := os.Getenv("USERNAME"); user != "" {
			return `\\.\pipe\fxi-` + user
		}
		return `\\.\pipe\fxi`
	}

	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "fxi.sock")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "run", "fxi.sock")
	}
	return fmt.Sprintf("/tmp/fxi-%d.sock", os.Getuid())
}

// PidPath returns the daemon pid file path, resolved like SocketPath.
func PidPath() string {
	if runtime.GOOS == "windows" {
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			dir := filepath.Join(local, appName)
			os.MkdirAll(dir, 0o755)
			return filepath.Join(dir, "fxi.pid")
		}
		return filepath.Join(os.TempDir(), "fxi.pid")
	}

	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "fxi.pid")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "run", "fxi.pid")
	}
	return fmt.Sprintf("/tmp/fxi-%d.pid", os.Getuid())
}
