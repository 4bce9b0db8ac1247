package vfskit

import (
	"log/slog"
	"slices"
	"sync"
)

// Registry is an ordered catalog of drivers with one default. Lookups,
// registration changes and reference counting all run under a single
// mutex, so a driver's reference count and the existence of its private
// mutex always change together.
type Registry struct {
	mu      sync.Mutex
	builtin func() *Driver
	seeded  bool
	dflt    *Driver
	rest    []*Driver
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBuiltin sets the function that provides the driver seeded into the
// registry the first time it is used. A nil function, or one returning nil,
// leaves the registry empty.
func WithBuiltin(fn func() *Driver) RegistryOption {
	return func(r *Registry) {
		r.builtin = fn
	}
}

// WithLogger sets the logger used for registration events.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// seedLocked installs the built-in driver the first time the list is touched.
// Callers hold r.mu.
func (r *Registry) seedLocked() {
	if r.seeded {
		return
	}
	r.seeded = true
	if r.builtin == nil {
		return
	}
	d := r.builtin()
	if d == nil {
		return
	}
	if !r.claimLocked(d) {
		r.logger.Warn("vfskit: built-in driver belongs to another registry", slog.String("driver", d.Name))
		return
	}
	r.linkLocked(d, true)
	r.logger.Debug("vfskit: seeded built-in driver", slog.String("driver", d.Name))
}

// Find returns the driver called name and takes a reference to it. An empty
// name selects the default driver. The returned driver must be handed back
// to Release when no longer needed.
func (r *Registry) Find(name string) (*Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seedLocked()

	var d *Driver
	if name == "" {
		d = r.dflt
	} else {
		d = r.lookupLocked(name)
	}
	if d == nil {
		if name == "" {
			return nil, ErrNotFound
		}
		return nil, NewPathError("find", name, ErrNotFound)
	}

	d.refs++
	if d.refs > 1 && d.mu == nil {
		d.mu = &sync.Mutex{}
	}
	return d, nil
}

func (r *Registry) lookupLocked(name string) *Driver {
	if r.dflt != nil && r.dflt.Name == name {
		return r.dflt
	}
	for _, d := range r.rest {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// Release gives back a reference obtained from Find. Releasing a driver
// that holds no references is a programming error and panics.
func (r *Registry) Release(d *Driver) error {
	if owner := d.owner.Load(); owner != nil && owner != r {
		return owner.Release(d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if d.refs <= 0 {
		panic("vfskit: release of unreferenced driver " + d.Name)
	}
	d.refs--
	if d.refs == 0 {
		d.mu = nil
		if !r.linkedLocked(d) {
			d.owner.CompareAndSwap(r, nil)
		}
	}
	return nil
}

// Register adds d to the registry. When makeDefault is set, or the registry
// is empty, d becomes the default; otherwise it is placed right after the
// default. Registering a driver that is already present moves it rather than
// duplicating it.
func (r *Registry) Register(d *Driver, makeDefault bool) error {
	if d == nil || d.Name == "" || d.Methods == nil {
		return ErrMisuse
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.claimLocked(d) {
		return NewPathError("register", d.Name, ErrMisuse)
	}
	r.seedLocked()

	r.unlinkLocked(d)
	if other := r.lookupLocked(d.Name); other != nil {
		r.logger.Warn("vfskit: registering driver with duplicate name", slog.String("driver", d.Name))
	}
	r.linkLocked(d, makeDefault)

	r.logger.Debug("vfskit: registered driver",
		slog.String("driver", d.Name),
		slog.Bool("default", r.dflt == d),
	)
	return nil
}

// Unregister removes d from the registry. Unregistering a driver that is not
// registered does nothing. References taken with Find stay valid and are
// released through r; once the last one is gone d may join another registry.
func (r *Registry) Unregister(d *Driver) error {
	if d == nil {
		return ErrMisuse
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seedLocked()
	if r.unlinkLocked(d) {
		if d.refs == 0 {
			d.owner.CompareAndSwap(r, nil)
		}
		r.logger.Debug("vfskit: unregistered driver", slog.String("driver", d.Name))
	}
	return nil
}

// Drivers returns the names of the registered drivers in lookup order,
// default first.
func (r *Registry) Drivers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seedLocked()
	names := make([]string, 0, len(r.rest)+1)
	if r.dflt != nil {
		names = append(names, r.dflt.Name)
	}
	for _, d := range r.rest {
		names = append(names, d.Name)
	}
	return names
}

// claimLocked makes r the owner of d unless another registry already owns
// it. Callers hold r.mu.
func (r *Registry) claimLocked(d *Driver) bool {
	return d.owner.CompareAndSwap(nil, r) || d.owner.Load() == r
}

// linkedLocked reports whether d is in the list. Callers hold r.mu.
func (r *Registry) linkedLocked(d *Driver) bool {
	return r.dflt == d || slices.Contains(r.rest, d)
}

// linkLocked inserts d, which must not be linked. Callers hold r.mu.
func (r *Registry) linkLocked(d *Driver, makeDefault bool) {
	switch {
	case r.dflt == nil:
		r.dflt = d
	case makeDefault:
		r.rest = slices.Insert(r.rest, 0, r.dflt)
		r.dflt = d
	default:
		r.rest = slices.Insert(r.rest, 0, d)
	}
}

// unlinkLocked removes d from wherever it sits and reports whether it was
// present. Removing the default promotes the next driver in order.
// Callers hold r.mu.
func (r *Registry) unlinkLocked(d *Driver) bool {
	if r.dflt == d {
		r.dflt = nil
		if len(r.rest) > 0 {
			r.dflt = r.rest[0]
			r.rest = slices.Delete(r.rest, 0, 1)
		}
		return true
	}
	if i := slices.Index(r.rest, d); i >= 0 {
		r.rest = slices.Delete(r.rest, i, i+1)
		return true
	}
	return false
}

// ============================================================================
// Process-wide registry
// ============================================================================

var defaultRegistry = NewRegistry(WithBuiltin(newOSDriver))

// DefaultRegistry returns the process-wide registry used by the package
// level functions. Its built-in driver is the "os" driver.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Find looks up a driver in the process-wide registry.
func Find(name string) (*Driver, error) {
	return defaultRegistry.Find(name)
}

// Release gives back a reference taken with Find.
func Release(d *Driver) error {
	return defaultRegistry.Release(d)
}

// Register adds d to the process-wide registry.
func Register(d *Driver, makeDefault bool) error {
	return defaultRegistry.Register(d, makeDefault)
}

// Unregister removes d from the process-wide registry.
func Unregister(d *Driver) error {
	return defaultRegistry.Unregister(d)
}

// Drivers lists the drivers in the process-wide registry.
func Drivers() []string {
	return defaultRegistry.Drivers()
}
