// Package config holds the on-disk CLI configuration. Everything lives
// under ~/.kiwistand: the config file itself and, by default, the
// encrypted key.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/kiwinews/kiwinews-go/pkg/clients/nodeClient"
)

const (
	dirName        = ".kiwistand"
	fileName       = "config.yaml"
	keystoreName   = "key"
	dirPermission  = 0700
	filePermission = 0600
)

// Config is the persisted CLI configuration.
type Config struct {
	// Endpoint is the node URL messages are submitted to.
	Endpoint string `yaml:"endpoint"`

	// UseLedger selects the hardware wallet instead of the keystore.
	UseLedger bool `yaml:"use_ledger"`

	// LedgerAddressIndex picks the account on the device, Ledger Live
	// numbering starting at 0.
	LedgerAddressIndex uint32 `yaml:"ledger_address_index"`

	// PathToKeystore points at the encrypted key file. Empty means the
	// default location under the config directory.
	PathToKeystore string `yaml:"path_to_keystore"`
}

// Default returns the configuration used when no file exists yet: public
// node endpoint, keystore signing, key stored next to the config file.
func Default() (*Config, error) {
	keystorePath, err := DefaultKeystorePath()
	if err != nil {
		return nil, err
	}
	return &Config{
		Endpoint:           nodeClient.DefaultEndpoint,
		UseLedger:          false,
		LedgerAddressIndex: 0,
		PathToKeystore:     keystorePath,
	}, nil
}

// Dir returns the configuration directory, ~/.kiwistand.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolving home directory")
	}
	return filepath.Join(home, dirName), nil
}

// Path returns the config file location.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// DefaultKeystorePath returns where the encrypted key lives unless the
// config points elsewhere.
func DefaultKeystorePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, keystoreName), nil
}

// Load reads the config file, creating it with defaults on first run.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg, err := Default()
		if err != nil {
			return nil, err
		}
		if err := cfg.Save(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}
	if cfg.PathToKeystore == "" {
		cfg.PathToKeystore, err = DefaultKeystorePath()
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config file %s", path)
	}
	return cfg, nil
}

// Save writes the config file, creating the directory when needed.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPermission); err != nil {
		return errors.Wrapf(err, "creating config directory %s", filepath.Dir(path))
	}
	if err := os.WriteFile(path, data, filePermission); err != nil {
		return errors.Wrapf(err, "writing config file %s", path)
	}
	return nil
}

// Validate checks the fields a submission actually depends on.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if !c.UseLedger && c.PathToKeystore == "" {
		return fmt.Errorf("path_to_keystore cannot be empty when the ledger is disabled")
	}
	return nil
}
