package config

import (
	"encoding/json"
	"io"
	"os"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// PassphraseEnvVar overrides the configured encryption passphrase when set.
const PassphraseEnvVar = "CCTV_ENCRYPT_PASSPHRASE"

// Read reads a config from the given file.
func Read(filePath string, logger golog.Logger) (*Config, error) {
	f, err := os.Open(filePath) //nolint:gosec
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			logger.Errorw("failed to close config file", "path", filePath, "error", cerr)
		}
	}()
	return FromReader(filePath, f, logger)
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from.
func FromReader(originalPath string, r io.Reader, logger golog.Logger) (*Config, error) {
	cfg := Config{
		ConfigFilePath: originalPath,
	}
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to decode Config from json")
	}
	if fromEnv := os.Getenv(PassphraseEnvVar); fromEnv != "" {
		if cfg.Encryption.Passphrase != "" {
			logger.Debugw("overriding configured passphrase from environment", "var", PassphraseEnvVar)
		}
		cfg.Encryption.Passphrase = fromEnv
	}
	cfg.fillDefaults()
	if err := cfg.Ensure(); err != nil {
		return nil, errors.Wrapf(err, "failed to validate Config")
	}
	return &cfg, nil
}
