// Package config parses the on-disk node configuration: error-store
// policy and the set of base-bdev device URIs this node starts with.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"git.srvlab.io/nexus/nexus-storage-node/pkg/nexus"
	"git.srvlab.io/nexus/nexus-storage-node/pkg/uri"
)

// ErrorStoreConfig controls when a nexus child's accumulated I/O errors
// trigger fault-out.
type ErrorStoreConfig struct {
	Enabled     bool   `yaml:"enable_err_store"`
	Size        int    `yaml:"err_store_size"`
	Action      string `yaml:"action"` // "fault" or "ignore"
	RetentionNs int64  `yaml:"retention_ns"`
	MaxErrors   int    `yaml:"max_errors"`
}

// FaultPolicy translates the on-disk error-store config into the policy
// nexus.Nexus enforces at runtime.
func (e ErrorStoreConfig) FaultPolicy() nexus.FaultPolicy {
	return nexus.FaultPolicy{
		Enabled:     e.Enabled,
		MaxErrors:   e.MaxErrors,
		Window:      time.Duration(e.RetentionNs),
		FaultAction: e.Action == "fault",
	}
}

// BaseBdevConfig names one backend device this node owns at startup.
type BaseBdevConfig struct {
	Name string `yaml:"name"`
	URI  string `yaml:"uri"`
	UUID string `yaml:"uuid"`
}

// EnclosureConfig points pkg/telemetry at the storage enclosure's
// management interfaces. SNMPHost empty disables sensor polling entirely.
type EnclosureConfig struct {
	SNMPHost      string `yaml:"snmp_host"`
	SNMPCommunity string `yaml:"snmp_community"`
	SNMPPort      uint16 `yaml:"snmp_port"`

	SSHAddress        string `yaml:"ssh_address"`
	SSHUser           string `yaml:"ssh_user"`
	SSHPrivateKeyFile string `yaml:"ssh_private_key_file"`

	PollIntervalNs int64 `yaml:"poll_interval_ns"`
}

// Config is the node's on-disk YAML configuration.
type Config struct {
	NodeName   string           `yaml:"node_name"`
	ErrorStore ErrorStoreConfig `yaml:"error_store"`
	BaseBdevs  []BaseBdevConfig `yaml:"base_bdevs"`
	Enclosure  EnclosureConfig  `yaml:"enclosure"`
}

// DefaultErrorStoreConfig mirrors nexus.DefaultFaultPolicy so a config
// file that omits the error_store section still gets fault-out behavior.
func DefaultErrorStoreConfig() ErrorStoreConfig {
	return ErrorStoreConfig{
		Enabled:     true,
		Size:        256,
		Action:      "fault",
		RetentionNs: int64(60 * time.Second),
		MaxErrors:   10,
	}
}

// Load reads and validates the node configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{ErrorStore: DefaultErrorStoreConfig()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks structural constraints Load cannot catch via yaml tags
// alone: every base bdev must carry a parseable URI and a unique name.
func (c *Config) Validate() error {
	if c.ErrorStore.Size < 0 {
		return fmt.Errorf("error_store.err_store_size must be >= 0, got %d", c.ErrorStore.Size)
	}
	if c.ErrorStore.MaxErrors < 0 {
		return fmt.Errorf("error_store.max_errors must be >= 0, got %d", c.ErrorStore.MaxErrors)
	}
	if c.ErrorStore.Action != "" && c.ErrorStore.Action != "fault" && c.ErrorStore.Action != "ignore" {
		return fmt.Errorf("error_store.action must be \"fault\" or \"ignore\", got %q", c.ErrorStore.Action)
	}

	seen := make(map[string]bool, len(c.BaseBdevs))
	for _, b := range c.BaseBdevs {
		if b.Name == "" {
			return fmt.Errorf("base_bdevs entry missing name (uri=%q)", b.URI)
		}
		if seen[b.Name] {
			return fmt.Errorf("base_bdevs entry %q duplicated", b.Name)
		}
		seen[b.Name] = true

		if _, err := uri.Parse(b.URI); err != nil {
			return fmt.Errorf("base_bdevs entry %q: %w", b.Name, err)
		}
	}

	return nil
}
