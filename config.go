package ftl

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/open-channel/ocssd-ftl/internal/limits"
)

// Config is the device's tunable configuration (spec.md §6's
// "Configuration (enumerated)"), loadable from YAML with human-readable
// byte sizes (`rwb_size: 6MiB`), grounded in the same `yaml.v3` +
// `c2h5oh/datasize` combination yanet2's dataplane config uses.
type Config struct {
	// DefragLimits maps each admission tier to its free-band threshold
	// and the USER-write percentage it caps the RWB to (spec.md §4.8).
	DefragLimits map[limits.Tier]limits.Setting `yaml:"defrag_limits"`

	// InvldThldPercent is the percent of a band's usable LBKs that must
	// be invalid before it becomes a relocation candidate.
	InvldThldPercent uint32 `yaml:"invld_thld_percent"`

	// LBAReservedPercent is the percent of total LBAs held back from
	// the user-visible L2P length as over-provisioning (range 1..99).
	LBAReservedPercent uint32 `yaml:"lba_reserved_percent"`

	// RWBSize is the ring write buffer's total byte capacity; must be a
	// multiple of BlockSize * XferSize.
	RWBSize datasize.ByteSize `yaml:"rwb_size"`

	// BandThldPercent is the percent of an open band's usable LBKs the
	// write pointer must reach before the next band is pre-allocated
	// (writer.Config.BandThldPercent).
	BandThldPercent uint32 `yaml:"band_thld_percent"`

	// MaxRelocQueueDepth caps how many relocation reads may be in flight
	// against a single band at once (reloc.Config.MaxQdepth).
	MaxRelocQueueDepth uint32 `yaml:"max_reloc_queue_depth"`

	// MaxActiveRelocs caps how many bands may be under active relocation
	// at once.
	MaxActiveRelocs uint32 `yaml:"max_active_relocs"`

	// Trace enables internal/trace's event ring. TracePath is not read by
	// Open or Close; Device.DumpTrace takes its destination as an argument.
	Trace     bool   `yaml:"trace"`
	TracePath string `yaml:"trace_path"`
}

// DefaultConfig returns spec.md §6's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		DefragLimits:       limits.DefaultSettings(),
		InvldThldPercent:   10,
		LBAReservedPercent: 20,
		RWBSize:            6 * datasize.MB,
		BandThldPercent:    90,
		MaxRelocQueueDepth: 32,
		MaxActiveRelocs:    3,
		Trace:              false,
	}
}

// LoadConfig reads and validates a YAML config file, filling in any
// field the file omits with DefaultConfig's value.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ftl: reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("ftl: parsing config: %w", err)
	}
	if len(cfg.DefragLimits) == 0 {
		cfg.DefragLimits = limits.DefaultSettings()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config fields decidable without device geometry.
// RWBSize's alignment to BlockSize*XferSize can only be checked once a
// device's geometry is known; see ValidateRWBSize.
func (c *Config) Validate() error {
	if c.LBAReservedPercent < 1 || c.LBAReservedPercent > 99 {
		return fmt.Errorf("ftl: config: lba_reserved_percent must be in [1,99], got %d", c.LBAReservedPercent)
	}
	if uint64(c.RWBSize.Bytes()) == 0 {
		return fmt.Errorf("ftl: config: rwb_size must be positive")
	}
	return nil
}

// ValidateRWBSize checks that RWBSize is a multiple of blockSize*xferSize,
// the device geometry's minimum addressable write granularity. Called
// once the device's geometry has been read at Open.
func (c *Config) ValidateRWBSize(blockSize, xferSize uint64) error {
	unit := blockSize * xferSize
	if unit == 0 {
		return fmt.Errorf("ftl: config: block size and xfer size must be positive")
	}
	if uint64(c.RWBSize.Bytes())%unit != 0 {
		return fmt.Errorf("ftl: config: rwb_size %s is not a multiple of %d bytes", c.RWBSize, unit)
	}
	return nil
}
