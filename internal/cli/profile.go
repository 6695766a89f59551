package cli

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/juju/errors"
)

const (
	defaultServer   = "http://localhost:8080"
	defaultRealtime = "ws://localhost:8081/ws"
)

// Profile is what pulsectl remembers between invocations.
type Profile struct {
	Server   string `yaml:"server"`
	Realtime string `yaml:"realtime"`
	Token    string `yaml:"token,omitempty"`
	UserID   int64  `yaml:"user_id,omitempty"`
	Email    string `yaml:"email,omitempty"`
	// Workspace is the default for commands that take --workspace.
	Workspace int64 `yaml:"workspace,omitempty"`
}

// DefaultProfilePath is ~/.pulsespace/cli.yaml.
func DefaultProfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".pulsespace", "cli.yaml")
}

// LoadProfile reads path. A missing file yields the defaults.
func LoadProfile(path string) (*Profile, error) {
	p := &Profile{Server: defaultServer, Realtime: defaultRealtime}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, errors.Annotate(err, "failed to read profile")
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, errors.Annotatef(err, "failed to parse profile %s", path)
	}
	if p.Server == "" {
		p.Server = defaultServer
	}
	if p.Realtime == "" {
		p.Realtime = defaultRealtime
	}
	return p, nil
}

// SaveProfile writes p to path with owner-only permissions; it holds a token.
func SaveProfile(p *Profile, path string) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return errors.Annotate(err, "failed to marshal profile")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Annotate(err, "failed to create profile directory")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Annotate(err, "failed to write profile")
	}
	return nil
}

// requireToken fails when no login has been stored yet.
func (p *Profile) requireToken() error {
	if p.Token == "" {
		return errors.Unauthorizedf("not logged in; run pulsectl login")
	}
	return nil
}
