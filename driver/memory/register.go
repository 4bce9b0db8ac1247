package memory

import "github.com/gobeaver/vfskit"

// Register creates a memory driver from cfg and adds it to the process-wide
// registry.
func Register(cfg Config, makeDefault bool) (*vfskit.Driver, error) {
	d, err := NewDriver(cfg)
	if err != nil {
		return nil, err
	}
	if err := vfskit.Register(d, makeDefault); err != nil {
		return nil, err
	}
	return d, nil
}
