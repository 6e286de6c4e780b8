package repo

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/odvcencio/twig/pkg/object"
)

// ConfigFileName is the repository config file inside .git.
const ConfigFileName = "twig.toml"

// ErrIdentityUnset is returned when no user name or email is configured.
var ErrIdentityUnset = errors.New("user identity not configured")

// Config stores repository-local settings.
//
//	[core]
//	compression = 1
//
//	[user]
//	name = "A U Thor"
//	email = "author@example.com"
//
//	[remote.origin]
//	url = "https://example.com/repo.git"
type Config struct {
	Core    CoreConfig              `toml:"core"`
	User    UserConfig              `toml:"user"`
	Remotes map[string]RemoteConfig `toml:"remote"`
}

// CoreConfig holds storage settings.
type CoreConfig struct {
	// Compression is the zlib level for new loose objects; nil keeps the
	// store default.
	Compression *int `toml:"compression,omitempty"`
}

// UserConfig is the identity recorded in commits and reflogs.
type UserConfig struct {
	Name  string `toml:"name,omitempty"`
	Email string `toml:"email,omitempty"`
}

// RemoteConfig names a peer repository.
type RemoteConfig struct {
	URL string `toml:"url"`
}

func (r *Repo) configPath() string {
	return filepath.Join(r.GitDir, ConfigFileName)
}

// ReadConfig reads .git/twig.toml. Missing config returns an empty config.
func (r *Repo) ReadConfig() (*Config, error) {
	return loadConfig(r.configPath())
}

func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.Remotes = make(map[string]RemoteConfig)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if cfg.Remotes == nil {
		cfg.Remotes = make(map[string]RemoteConfig)
	}
	return cfg, nil
}

// WriteConfig atomically writes .git/twig.toml.
func (r *Repo) WriteConfig(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("write config: marshal: %w", err)
	}
	if err := r.writeFileAtomic(ConfigFileName, buf.Bytes()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// SetRemote stores/updates a named remote URL in repository config.
func (r *Repo) SetRemote(name, remoteURL string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("set remote: remote name is required")
	}
	remoteURL = strings.TrimSpace(remoteURL)
	if remoteURL == "" {
		return fmt.Errorf("set remote: remote URL is required")
	}

	cfg, err := r.ReadConfig()
	if err != nil {
		return err
	}
	cfg.Remotes[name] = RemoteConfig{URL: remoteURL}
	return r.WriteConfig(cfg)
}

// RemoteURL returns the configured URL for the given remote name.
func (r *Repo) RemoteURL(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("remote name is required")
	}

	cfg, err := r.ReadConfig()
	if err != nil {
		return "", err
	}
	remote, ok := cfg.Remotes[name]
	if !ok || strings.TrimSpace(remote.URL) == "" {
		return "", fmt.Errorf("remote %q is not configured", name)
	}
	return remote.URL, nil
}

// SetIdentity stores the user name and email.
func (r *Repo) SetIdentity(name, email string) error {
	cfg, err := r.ReadConfig()
	if err != nil {
		return err
	}
	cfg.User = UserConfig{Name: strings.TrimSpace(name), Email: strings.TrimSpace(email)}
	return r.WriteConfig(cfg)
}

// Identity builds a signature for now from the configured user. Callers may
// override it with the values from the environment before committing.
func (r *Repo) Identity(now time.Time) (object.Signature, error) {
	cfg, err := r.ReadConfig()
	if err != nil {
		return object.Signature{}, err
	}
	if cfg.User.Name == "" || cfg.User.Email == "" {
		return object.Signature{}, ErrIdentityUnset
	}
	return NewSignature(cfg.User.Name, cfg.User.Email, now), nil
}

// NewSignature renders name, email and now (with its zone offset) as a
// Signature.
func NewSignature(name, email string, now time.Time) object.Signature {
	_, offset := now.Zone()
	return object.Signature{
		Name:  name,
		Email: email,
		When:  now.Unix(),
		TZ:    object.FormatTimezone(offset),
	}
}
