package session

import (
	"fmt"
	"os"
	"regexp"

	"github.com/matheus3301/chatsync/internal/config"
)

const DefaultSessionName = "main"

// EnvSession names the session when no flag is given.
const EnvSession = "CHATSYNC_SESSION"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is usable as a directory under sessions/.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, nameRegexp)
	}
	return nil
}

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. $CHATSYNC_SESSION
// 3. config.toml default_session
// 4. "main"
// The chosen name is validated.
func Resolve(flagOverride string) (string, error) {
	name := flagOverride
	if name == "" {
		name = os.Getenv(EnvSession)
	}
	if name == "" {
		if cfg, err := config.Load(ConfigPath()); err == nil {
			name = cfg.DefaultSession
		}
	}
	if name == "" {
		name = DefaultSessionName
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
