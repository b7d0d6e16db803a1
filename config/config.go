// Package config handles tableloader.toml runtime configuration.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/qemufw/tableloader/acpi"
	"github.com/qemufw/tableloader/loader"
)

// Config is the full runtime configuration.
type Config struct {
	Profile     Profile     `toml:"profile"`
	Limits      Limits      `toml:"limits"`
	Measurement Measurement `toml:"measurement"`
	Log         Log         `toml:"log"`
}

// Profile configures the table identity replacement values.
type Profile struct {
	OEMID       string `toml:"oem-id"`
	OEMTableID  string `toml:"oem-table-id"`
	CreatorID   string `toml:"creator-id"`
	OEMRevision uint32 `toml:"oem-revision"`
}

// Limits bounds per-run resource use.
type Limits struct {
	MaxTables int `toml:"max-tables"`
}

// Measurement selects how measurement-sink failures are handled. The
// default keeps measurement best-effort.
type Measurement struct {
	AbortOnError bool `toml:"abort-on-error"`
}

// Log configures logging verbosity (commonlog scale, 0 = notices only).
type Log struct {
	Verbosity int `toml:"verbosity"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Profile: Profile{
			OEMID:       acpi.DefaultProfile.OEMID,
			OEMTableID:  acpi.DefaultProfile.OEMTableID,
			CreatorID:   acpi.DefaultProfile.CreatorID,
			OEMRevision: acpi.DefaultProfile.OEMRevision,
		},
		Limits: Limits{MaxTables: loader.DefaultMaxTables},
	}
}

// Load parses a configuration file. Fields left out keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if c.Limits.MaxTables <= 0 {
		c.Limits.MaxTables = loader.DefaultMaxTables
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) validate() error {
	if len(c.Profile.OEMID) > acpi.OEMIDSize {
		return fmt.Errorf("oem-id %q exceeds %d bytes", c.Profile.OEMID, acpi.OEMIDSize)
	}
	if len(c.Profile.OEMTableID) > acpi.OEMTableIDSize {
		return fmt.Errorf("oem-table-id %q exceeds %d bytes", c.Profile.OEMTableID, acpi.OEMTableIDSize)
	}
	if len(c.Profile.CreatorID) > acpi.CreatorIDSize {
		return fmt.Errorf("creator-id %q exceeds %d bytes", c.Profile.CreatorID, acpi.CreatorIDSize)
	}
	return nil
}

// ACPIProfile converts the configured identity into the rewriter's form.
func (c *Config) ACPIProfile() acpi.Profile {
	return acpi.Profile{
		OEMID:       c.Profile.OEMID,
		OEMTableID:  c.Profile.OEMTableID,
		CreatorID:   c.Profile.CreatorID,
		OEMRevision: c.Profile.OEMRevision,
	}
}
