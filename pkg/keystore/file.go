package keystore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Load reads and parses a key container from disk.
func Load(path string) (*EncryptedKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read keystore %s", path)
	}
	return Parse(data)
}

// Store writes a key container to disk, creating the parent directory if
// needed. The file is readable by the owner only.
func Store(path string, k *EncryptedKey) error {
	data, err := json.Marshal(k)
	if err != nil {
		return errors.Wrap(err, "failed to encode keystore")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrapf(err, "failed to create keystore directory for %s", path)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.Wrapf(err, "failed to write keystore %s", path)
	}
	return nil
}
