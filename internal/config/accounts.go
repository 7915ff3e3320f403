package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// SourceAccount is the Mastodon account an item feed is read from.
type SourceAccount struct {
	Server       string `yaml:"server" validate:"required,url"`
	AccessToken  string `yaml:"access_token"`
	AccountID    string `yaml:"account_id" validate:"required_without=AccessToken"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// AuthenticatedMedia sends the access token with media downloads, for
	// servers that only serve attachments to logged-in clients.
	AuthenticatedMedia bool `yaml:"authenticated_media"`
	// Handle identifies the source account in the delivery store.
	Handle string `yaml:"handle" validate:"required"`
}

// DestinationAccount holds Bluesky credentials.
type DestinationAccount struct {
	Identifier  string `yaml:"identifier" validate:"required"`
	AppPassword string `yaml:"app_password" validate:"required"`
	PDS         string `yaml:"pds" validate:"omitempty,url"`
}

// AccountMapping pairs a source feed with a destination account.
type AccountMapping struct {
	Enabled     *bool              `yaml:"enabled"`
	Source      SourceAccount      `yaml:"source"`
	Destination DestinationAccount `yaml:"destination"`
}

// IsEnabled reports whether the mapping takes part in scheduled runs.
// Mappings are enabled unless switched off explicitly.
func (m AccountMapping) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Account is the key the mapping is stored and scheduled under.
func (m AccountMapping) Account() string {
	return m.Destination.Identifier
}

// Settings is the hot-reloadable part of the configuration.
type Settings struct {
	CheckInterval time.Duration    `yaml:"check_interval" validate:"gte=0"`
	Accounts      []AccountMapping `yaml:"accounts" validate:"dive"`
}

// Mapping returns the mapping for account.
func (s *Settings) Mapping(account string) (AccountMapping, bool) {
	for _, m := range s.Accounts {
		if m.Account() == account {
			return m, true
		}
	}
	return AccountMapping{}, false
}

// Provider supplies the current settings. It is consulted on every scheduler tick.
type Provider interface {
	Load() (*Settings, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() (*Settings, error)

// Load calls f.
func (f ProviderFunc) Load() (*Settings, error) { return f() }

// FileProvider reads settings from a YAML file, re-parsing it only when the
// file changes.
type FileProvider struct {
	path            string
	defaultInterval time.Duration

	mu      sync.Mutex
	modTime time.Time
	size    int64
	cached  *Settings
}

// NewFileProvider returns a provider for path. defaultInterval applies when
// the file does not set check_interval.
func NewFileProvider(path string, defaultInterval time.Duration) *FileProvider {
	return &FileProvider{path: path, defaultInterval: defaultInterval}
}

// Load returns the settings in the file.
func (p *FileProvider) Load() (*Settings, error) {
	info, err := os.Stat(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat accounts file: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil && info.ModTime().Equal(p.modTime) && info.Size() == p.size {
		return p.cached, nil
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	s, err := ParseSettings(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.path, err)
	}
	if s.CheckInterval == 0 {
		s.CheckInterval = p.defaultInterval
	}
	p.cached, p.modTime, p.size = s, info.ModTime(), info.Size()
	return s, nil
}

// ParseSettings decodes and validates YAML settings. Unknown fields are rejected.
func ParseSettings(data []byte) (*Settings, error) {
	var s Settings
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validate.Struct(&s); err != nil {
		return nil, validationError(err)
	}

	seen := make(map[string]bool, len(s.Accounts))
	for _, m := range s.Accounts {
		if seen[m.Account()] {
			return nil, fmt.Errorf("destination account %s is mapped twice", m.Account())
		}
		seen[m.Account()] = true
	}
	return &s, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
}
