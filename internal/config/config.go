// Package config loads the server configuration file. Everything the core
// needs (root credential, entity identity, attachment directory, auth
// windows) travels in an explicit Config value passed into constructors;
// there is no ambient/global lookup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stelehq/stele/internal/model"
)

// RootCredential is the statically configured server identity. It is
// resolved for the reserved id "root" and never stored in the database.
type RootCredential struct {
	Key       string `yaml:"key"`
	Algorithm string `yaml:"algorithm"`
}

// Config is the parsed server configuration.
type Config struct {
	// Entity is the absolute URL identifying this server, e.g.
	// "https://example.com". All endpoint URLs derive from it.
	Entity string `yaml:"entity"`

	RootCredentials RootCredential `yaml:"root_credentials"`

	// AttachmentsDir is the base directory of the content-addressable
	// attachment store.
	AttachmentsDir string `yaml:"attachments_dir"`

	// SkewSeconds bounds |now - ts| for header authentication. Default 60.
	SkewSeconds int `yaml:"skew_seconds"`

	// CredentialsLinkTTLSeconds is the lifetime of the bewit URL handed to a
	// freshly registered app for fetching its credentials post. Default 3600.
	CredentialsLinkTTLSeconds int `yaml:"credentials_link_ttl_seconds"`

	// MaxUploadBytes caps a single attachment upload. Default 64 MiB.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) validate() error {
	if c.Entity == "" {
		return fmt.Errorf("config: entity is required")
	}
	if !strings.HasPrefix(c.Entity, "http://") && !strings.HasPrefix(c.Entity, "https://") {
		return fmt.Errorf("config: entity must be an absolute http(s) URL")
	}
	if c.RootCredentials.Key == "" {
		return fmt.Errorf("config: root_credentials.key is required")
	}
	if alg := model.Algorithm(c.RootCredentials.Algorithm); alg != "" && !alg.Valid() {
		return fmt.Errorf("config: root_credentials.algorithm %q is not supported", c.RootCredentials.Algorithm)
	}
	if c.AttachmentsDir == "" {
		return fmt.Errorf("config: attachments_dir is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.Entity = strings.TrimRight(c.Entity, "/")
	if c.RootCredentials.Algorithm == "" {
		c.RootCredentials.Algorithm = string(model.SHA256)
	}
	if c.SkewSeconds <= 0 {
		c.SkewSeconds = 60
	}
	if c.CredentialsLinkTTLSeconds <= 0 {
		c.CredentialsLinkTTLSeconds = 3600
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 64 << 20
	}
}

// Root returns the root credential in resolver form.
func (c *Config) Root() model.Credential {
	return model.Credential{
		ID:        "root",
		Key:       c.RootCredentials.Key,
		Algorithm: model.Algorithm(c.RootCredentials.Algorithm),
	}
}

// Skew returns the header-auth freshness window.
func (c *Config) Skew() time.Duration {
	return time.Duration(c.SkewSeconds) * time.Second
}

// CredentialsLinkTTL returns the lifetime of provisioning bewit links.
func (c *Config) CredentialsLinkTTL() time.Duration {
	return time.Duration(c.CredentialsLinkTTLSeconds) * time.Second
}

// PostsURL is the posts feed endpoint.
func (c *Config) PostsURL() string { return c.Entity + "/posts" }

// TypesURL is the base URL of post type identifiers.
func (c *Config) TypesURL() string { return c.Entity + "/types" }

// AttachmentsURL is the attachment fetch endpoint.
func (c *Config) AttachmentsURL() string { return c.Entity + "/attachments" }

// Meta builds the meta post advertised at /meta.
func (c *Config) Meta() model.Meta {
	var m model.Meta
	m.Entity = c.Entity
	m.Server.URLs.PostsFeed = c.PostsURL()
	m.Server.URLs.NewPost = c.PostsURL()
	m.Server.URLs.Types = c.TypesURL()
	m.Server.URLs.Attachments = c.AttachmentsURL()
	return m
}
