package sftp

import (
	"errors"

	"github.com/gobeaver/vfskit"
)

// Register dials the host in cfg and adds the adapter's driver to the
// process-wide registry.
func Register(cfg Config, makeDefault bool, options ...AdapterOption) (*Adapter, error) {
	if cfg.Host == "" {
		return nil, errors.New("SFTP host is required")
	}

	a, err := New(cfg, options...)
	if err != nil {
		return nil, err
	}
	if err := vfskit.Register(a.Driver(), makeDefault); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
