package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatsync, or $CHATSYNC_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("CHATSYNC_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the UDS socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// AppDBPath returns the sqlite database holding credentials and the message cache.
func AppDBPath(name string) string {
	return filepath.Join(Dir(name), "chatsync.db")
}

// BoltPath returns the alternate bbolt message cache.
func BoltPath(name string) string {
	return filepath.Join(Dir(name), "cache.bolt")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatsyncd.log")
}

// MediaDir returns the root of the session's durable media.
func MediaDir(name string) string {
	return filepath.Join(Dir(name), "media")
}

// SentDir holds durable copies of media picked for sending.
func SentDir(name string) string {
	return filepath.Join(MediaDir(name), "Sent")
}

// ReceivedDir holds downloaded media.
func ReceivedDir(name string) string {
	return filepath.Join(MediaDir(name), "Received")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnvPath returns the optional .env file with endpoint overrides.
func EnvPath() string {
	return filepath.Join(BaseDir(), ".env")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
		SentDir(name),
		ReceivedDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
