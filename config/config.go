// Package config holds the application configuration. A Config is built
// once at startup and handed to each component; nothing reads it globally.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"medscript.dev/mpaz/events"
	"medscript.dev/mpaz/internal/fsutil"
	"medscript.dev/mpaz/storage/vault"
)

// DefaultPath is where commands look for the configuration file.
var DefaultPath = filepath.Join("config", "config.json")

// Config is the MedScript configuration file.
type Config struct {
	DataDirectory       string       `json:"data_directory"`
	DocumentDirectory   string       `json:"document_directory"`
	TemplateDirectory   string       `json:"template_directory"`
	Template            string       `json:"template"`
	PrescriberDirectory string       `json:"prescriber_directory"`
	Prescriber          string       `json:"prescriber"`
	PluginDirectory     string       `json:"plugin_directory"`
	EnablePlugin        bool         `json:"enable_plugin"`
	PrivateKey          string       `json:"private_key"`
	Certificate         string       `json:"certificate"`
	RootBundle          string       `json:"root_bundle"`
	IndexDatabase       string       `json:"index_database"`
	Vault               vault.Config `json:"vault"`
	LogLevel            string       `json:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDirectory:       "data",
		DocumentDirectory:   "document",
		TemplateDirectory:   "template",
		Template:            "default",
		PrescriberDirectory: "prescriber",
		Prescriber:          "prescriber",
		PluginDirectory:     "plugin",
		IndexDatabase:       "index.db",
		LogLevel:            "info",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// The result is not resolved; call Resolve before use.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Resolve makes every path absolute. Document, template, prescriber and
// plugin directories and the index database are relative to the data
// directory; the template and prescriber names are relative to their
// directories. Key, certificate and root bundle paths are relative to the
// working directory.
func (c Config) Resolve() (Config, error) {
	data, err := filepath.Abs(c.DataDirectory)
	if err != nil {
		return Config{}, errors.Wrap(err, "resolve data directory")
	}
	c.DataDirectory = data
	c.DocumentDirectory = under(data, c.DocumentDirectory)
	c.TemplateDirectory = under(data, c.TemplateDirectory)
	c.PrescriberDirectory = under(data, c.PrescriberDirectory)
	c.PluginDirectory = under(data, c.PluginDirectory)
	c.IndexDatabase = under(data, c.IndexDatabase)
	if c.Template != "" {
		c.Template = under(c.TemplateDirectory, c.Template)
	}
	if c.Prescriber != "" {
		if !strings.HasSuffix(c.Prescriber, ".json") {
			c.Prescriber += ".json"
		}
		c.Prescriber = under(c.PrescriberDirectory, c.Prescriber)
	}
	for _, p := range []*string{&c.PrivateKey, &c.Certificate, &c.RootBundle, &c.Vault.Dir} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return Config{}, errors.Wrapf(err, "resolve %s", *p)
		}
		*p = abs
	}
	return c, nil
}

func under(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	if c.DataDirectory == "" {
		return errors.New("config: data_directory is required")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "config: log_level %q", c.LogLevel)
	}
	if c.VaultConfigured() {
		if err := c.Vault.Validate(); err != nil {
			return errors.Wrap(err, "config: vault")
		}
	}
	if (c.PrivateKey == "") != (c.Certificate == "") && !isPKCS12(c.PrivateKey) {
		return errors.New("config: private_key and certificate must be set together")
	}
	return nil
}

// VaultConfigured reports whether any vault backend is set.
func (c Config) VaultConfigured() bool {
	return c.Vault.Dir != "" || c.Vault.Remote != ""
}

// SigningReady reports whether a signing key is configured. A PKCS#12 key
// carries its own certificate.
func (c Config) SigningReady() bool {
	if c.PrivateKey == "" {
		return false
	}
	return c.Certificate != "" || isPKCS12(c.PrivateKey)
}

func isPKCS12(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		return true
	}
	return false
}

// Save writes c to path atomically and publishes ConfigSaved on bus.
func (c Config) Save(path string, bus *events.Bus) error {
	b, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	if err := fsutil.WriteFileAtomic(path, append(b, '\n'), 0o644); err != nil {
		return errors.Wrapf(err, "write config %s", path)
	}
	bus.Publish(events.ConfigSaved{Path: path})
	return nil
}
