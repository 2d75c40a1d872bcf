package blobupload

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config names the source file, the destination, and how to reach the
// storage account. It is read from a JSON document before any transfer is
// attempted; an invalid document is a startup failure with no side effects.
type Config struct {
	// ConnectionString authenticates with a storage account connection
	// string. Takes precedence over ServiceURL.
	ConnectionString string `json:"connectionString,omitempty"`
	// ServiceURL is the blob service URL or bare account name; the default
	// Azure credential chain supplies the token.
	ServiceURL string `json:"serviceUrl,omitempty"`
	// Container is the destination container. It must already exist.
	Container string `json:"container"`
	// SourceFile is the absolute path of the local file to upload.
	SourceFile string `json:"sourceFile"`

	// BlockSizeMiB overrides the 100 MiB default block size.
	BlockSizeMiB int64 `json:"blockSizeMiB,omitempty"`
	// Concurrency bounds the number of in-flight blocks. Zero or one means
	// strictly sequential transfer.
	Concurrency int `json:"concurrency,omitempty"`
}

// BlockSize returns the configured block size in bytes.
func (c Config) BlockSize() int64 {
	if c.BlockSizeMiB > 0 {
		return c.BlockSizeMiB * 1024 * 1024
	}
	return DefaultBlockSize
}

// LoadConfig reads and validates a configuration document.
func LoadConfig(path string) (Config, error) {
	dt, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(dt, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is complete enough to start an
// upload.
func (c Config) Validate() error {
	if c.ConnectionString == "" && c.ServiceURL == "" {
		return fmt.Errorf("either connectionString or serviceUrl is required")
	}
	if c.Container == "" {
		return fmt.Errorf("container is required")
	}
	if c.SourceFile == "" {
		return fmt.Errorf("sourceFile is required")
	}
	if !filepath.IsAbs(c.SourceFile) {
		return fmt.Errorf("sourceFile must be an absolute path, got %q", c.SourceFile)
	}
	if c.BlockSizeMiB < 0 {
		return fmt.Errorf("blockSizeMiB must not be negative, got %d", c.BlockSizeMiB)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	return nil
}
