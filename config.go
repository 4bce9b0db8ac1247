package vfskit

import (
	"fmt"

	"github.com/gobeaver/beaver-kit/config"
)

// Config holds the process-wide settings of the package. Driver specific
// settings live with the drivers.
type Config struct {
	// Name of the driver promoted to default in the process-wide registry.
	// Empty keeps the built-in "os" driver.
	DefaultDriver string `env:"VFSKIT_DEFAULT_DRIVER"`

	// Test overrides applied to every File. Zero disables them.
	SectorSizeOverride            int `env:"VFSKIT_SECTOR_SIZE_OVERRIDE,default:0"`
	DeviceCharacteristicsOverride int `env:"VFSKIT_DEVICE_CHARACTERISTICS_OVERRIDE,default:0"`

	// Upper bound on the driver-private storage handed out by
	// OpenAndAllocate. Zero means unbounded.
	MaxHandleMemory int64 `env:"VFSKIT_MAX_HANDLE_MEMORY,default:0"`

	// Directory for temporary files created by the os driver.
	OSTempDir string `env:"VFSKIT_OS_TEMP_DIR"`
}

// GetConfig returns config loaded from environment
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Builder loads Config with a custom environment prefix
type Builder struct {
	prefix string
}

// WithPrefix creates a new Builder with the specified prefix
func WithPrefix(prefix string) *Builder {
	return &Builder{prefix: prefix}
}

// Config loads the configuration using the builder's prefix
func (b *Builder) Config() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: b.prefix}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Init applies the configuration using the builder's prefix
func (b *Builder) Init() error {
	cfg, err := b.Config()
	if err != nil {
		return err
	}
	return Init(cfg)
}

// Init applies cfg to the package. Without an argument the configuration is
// read from the environment. Init may be called again to change settings.
func Init(configs ...*Config) error {
	var cfg *Config
	if len(configs) > 0 && configs[0] != nil {
		cfg = configs[0]
	} else {
		var err error
		if cfg, err = GetConfig(); err != nil {
			return err
		}
	}
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	SetSectorSizeOverride(cfg.SectorSizeOverride)
	SetDeviceCharacteristicsOverride(DeviceCaps(cfg.DeviceCharacteristicsOverride))

	if cfg.MaxHandleMemory > 0 {
		SetDefaultAllocator(NewBudgetAllocator(cfg.MaxHandleMemory))
	} else {
		SetDefaultAllocator(nil)
	}

	if cfg.OSTempDir != "" {
		if d, err := Find("os"); err == nil {
			if od, ok := d.Methods.(*osDriver); ok {
				od.SetTempDir(cfg.OSTempDir)
			}
			Release(d)
		}
	}

	if cfg.DefaultDriver != "" {
		d, err := Find(cfg.DefaultDriver)
		if err != nil {
			return fmt.Errorf("default driver: %w", err)
		}
		defer Release(d)
		if err := Register(d, true); err != nil {
			return fmt.Errorf("default driver: %w", err)
		}
	}
	return nil
}

// validateConfig checks configuration validity
func validateConfig(cfg *Config) error {
	if cfg.SectorSizeOverride < 0 {
		return fmt.Errorf("sector size override must not be negative: %d", cfg.SectorSizeOverride)
	}
	if n := cfg.SectorSizeOverride; n != 0 && n&(n-1) != 0 {
		return fmt.Errorf("sector size override must be a power of two: %d", n)
	}
	if cfg.DeviceCharacteristicsOverride < 0 {
		return fmt.Errorf("device characteristics override must not be negative: %d", cfg.DeviceCharacteristicsOverride)
	}
	if cfg.MaxHandleMemory < 0 {
		return fmt.Errorf("max handle memory must not be negative: %d", cfg.MaxHandleMemory)
	}
	return nil
}
