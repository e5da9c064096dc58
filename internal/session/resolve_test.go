package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with hyphen and underscore", "work_2-b", false},
		{"valid max length", string(make64('a')), false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"dot", "my.session", true},
		{"too long", string(make64('a')) + "a", true},
		{"slash", "../escape", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func make64(c byte) []byte {
	b := make([]byte, 64)
	for i := range b {
		b[i] = c
	}
	return b
}

func TestResolvePrecedence(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CHATSYNC_HOME", home)
	t.Setenv(EnvSession, "")

	if got, err := Resolve(""); err != nil || got != DefaultSessionName {
		t.Errorf("Resolve() with nothing set = %q, %v", got, err)
	}

	cfg := "default_session = \"fromcfg\"\n"
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}
	if got, _ := Resolve(""); got != "fromcfg" {
		t.Errorf("Resolve() with config = %q, want fromcfg", got)
	}

	t.Setenv(EnvSession, "fromenv")
	if got, _ := Resolve(""); got != "fromenv" {
		t.Errorf("Resolve() with env = %q, want fromenv", got)
	}

	if got, _ := Resolve("fromflag"); got != "fromflag" {
		t.Errorf("Resolve(flag) = %q, want fromflag", got)
	}

	if _, err := Resolve("Bad Name"); err == nil {
		t.Error("Resolve() accepted an invalid name")
	}
}
