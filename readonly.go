package vfskit

import (
	"context"
	"time"
)

// ============================================================================
// Read-only driver shim
// ============================================================================

// ReadOnlyOptions configures a driver made by NewReadOnlyDriver.
type ReadOnlyOptions struct {
	// Name of the wrapping driver. Default: the base driver's name with a
	// "+ro" suffix.
	Name string

	// AllowDelete permits Delete in read-only mode.
	// Default: false
	AllowDelete bool

	// OnWriteAttempt is called when a write operation is attempted.
	// If nil, the default behavior returns ErrReadOnly.
	// If this function returns nil, the write is allowed (use carefully).
	OnWriteAttempt func(op, path string) error

	// ErrorWrapper allows customizing the error returned for write attempts.
	// If nil, wraps with PathError containing ErrReadOnly.
	ErrorWrapper func(op, path string, err error) error
}

// ReadOnlyOption is a functional option for configuring NewReadOnlyDriver.
type ReadOnlyOption func(*ReadOnlyOptions)

// WithReadOnlyName sets the name of the wrapping driver.
func WithReadOnlyName(name string) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.Name = name
	}
}

// WithAllowDelete allows file deletion in read-only mode.
func WithAllowDelete(allow bool) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.AllowDelete = allow
	}
}

// WithWriteAttemptHandler sets a custom handler for write attempts.
func WithWriteAttemptHandler(handler func(op, path string) error) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.OnWriteAttempt = handler
	}
}

// WithErrorWrapper sets a custom error wrapper for write attempts.
func WithErrorWrapper(wrapper func(op, path string, err error) error) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.ErrorWrapper = wrapper
	}
}

// NewReadOnlyDriver returns a driver that forwards to base but refuses to
// modify anything. Read-write opens of existing files are downgraded and
// report OpenReadOnly in the granted flags; opens that would create a file
// fail. Writes, truncation and deletes fail with ErrReadOnly unless
// configured otherwise via options.
//
// The shim calls base's method table directly; it does not take a registry
// reference to base.
//
//	ro := vfskit.NewReadOnlyDriver(vfskit.NewOSDriver())
//	_ = vfskit.Register(ro, false)
func NewReadOnlyDriver(base *Driver, opts ...ReadOnlyOption) *Driver {
	options := ReadOnlyOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Name == "" {
		options.Name = base.Name + "+ro"
	}

	return &Driver{
		Name:        options.Name,
		Version:     base.Version,
		StateSize:   base.StateSize,
		MaxPathname: base.MaxPathname,
		Methods:     &readOnlyDriver{base: base, opts: options},
	}
}

type readOnlyDriver struct {
	base *Driver
	opts ReadOnlyOptions
}

// Unwrap returns the underlying driver.
func (r *readOnlyDriver) Unwrap() *Driver {
	return r.base
}

// readOnlyError creates an appropriate error for write operations. A nil
// result means the operation is allowed.
func (r *readOnlyDriver) readOnlyError(op, path string) error {
	if r.opts.OnWriteAttempt != nil {
		if err := r.opts.OnWriteAttempt(op, path); err != nil {
			if r.opts.ErrorWrapper != nil {
				return r.opts.ErrorWrapper(op, path, err)
			}
			return &PathError{Op: op, Path: path, Err: err}
		}
		return nil
	}

	if r.opts.ErrorWrapper != nil {
		return r.opts.ErrorWrapper(op, path, ErrReadOnly)
	}
	return &PathError{Op: op, Path: path, Err: ErrReadOnly}
}

func (r *readOnlyDriver) Open(name string, state []byte, flags OpenFlag) (FileMethods, OpenFlag, error) {
	wantsWrite := flags&(OpenReadWrite|OpenCreate|OpenDeleteOnClose) != 0 || name == ""
	if wantsWrite {
		if err := r.readOnlyError("open", name); err != nil {
			if name == "" || flags&(OpenCreate|OpenDeleteOnClose) != 0 {
				return nil, 0, err
			}
			flags = (flags &^ OpenReadWrite) | OpenReadOnly
		} else {
			// Handler allowed the operation
			m, out, err := r.base.Methods.Open(name, state, flags)
			if err != nil {
				return nil, out, err
			}
			return &readOnlyFile{base: m, d: r, name: name}, out, nil
		}
	}

	m, out, err := r.base.Methods.Open(name, state, flags)
	if err != nil {
		return nil, out, err
	}
	return &readOnlyFile{base: m, d: r, name: name}, out, nil
}

// Delete returns ErrReadOnly unless AllowDelete is enabled.
func (r *readOnlyDriver) Delete(name string, syncDir bool) error {
	if !r.opts.AllowDelete {
		if err := r.readOnlyError("delete", name); err != nil {
			return err
		}
	}
	return r.base.Methods.Delete(name, syncDir)
}

// Access never reports a file as writable.
func (r *readOnlyDriver) Access(name string, flags AccessFlag) (bool, error) {
	if flags == AccessReadWrite && r.opts.OnWriteAttempt == nil {
		return false, nil
	}
	return r.base.Methods.Access(name, flags)
}

func (r *readOnlyDriver) TempName() (string, error) {
	return r.base.Methods.TempName()
}

func (r *readOnlyDriver) FullPathname(name string) (string, error) {
	return r.base.Methods.FullPathname(name)
}

func (r *readOnlyDriver) DlOpen(path string) (LibHandle, error) {
	return r.base.Methods.DlOpen(path)
}

func (r *readOnlyDriver) DlError() string {
	return r.base.Methods.DlError()
}

func (r *readOnlyDriver) DlSym(h LibHandle, symbol string) (any, error) {
	return r.base.Methods.DlSym(h, symbol)
}

func (r *readOnlyDriver) DlClose(h LibHandle) error {
	return r.base.Methods.DlClose(h)
}

func (r *readOnlyDriver) Randomness(p []byte) (int, error) {
	return r.base.Methods.Randomness(p)
}

func (r *readOnlyDriver) Sleep(d time.Duration) time.Duration {
	return r.base.Methods.Sleep(d)
}

func (r *readOnlyDriver) CurrentTime() (float64, error) {
	return r.base.Methods.CurrentTime()
}

// Watch delegates to the underlying driver.
func (r *readOnlyDriver) Watch(ctx context.Context, name string) (ChangeToken, error) {
	return r.base.Watch(ctx, name)
}

// readOnlyFile blocks mutations of a file opened through the shim.
type readOnlyFile struct {
	base FileMethods
	d    *readOnlyDriver
	name string
}

func (f *readOnlyFile) Close() error {
	return f.base.Close()
}

func (f *readOnlyFile) ReadAt(p []byte, off int64) error {
	return f.base.ReadAt(p, off)
}

// WriteAt returns ErrReadOnly.
func (f *readOnlyFile) WriteAt(p []byte, off int64) error {
	if err := f.d.readOnlyError("write", f.name); err != nil {
		return err
	}
	return f.base.WriteAt(p, off)
}

// Truncate returns ErrReadOnly.
func (f *readOnlyFile) Truncate(size int64) error {
	if err := f.d.readOnlyError("truncate", f.name); err != nil {
		return err
	}
	return f.base.Truncate(size)
}

func (f *readOnlyFile) Sync(flags SyncFlag) error {
	return f.base.Sync(flags)
}

func (f *readOnlyFile) FileSize() (int64, error) {
	return f.base.FileSize()
}

func (f *readOnlyFile) Lock(level LockLevel) error {
	return f.base.Lock(level)
}

func (f *readOnlyFile) Unlock(level LockLevel) error {
	return f.base.Unlock(level)
}

func (f *readOnlyFile) BreakLock() error {
	return f.base.BreakLock()
}

func (f *readOnlyFile) CheckReservedLock() (bool, error) {
	return f.base.CheckReservedLock()
}

func (f *readOnlyFile) SectorSize() int {
	if s, ok := f.base.(SectorSizer); ok {
		return s.SectorSize()
	}
	return DefaultSectorSize
}

func (f *readOnlyFile) DeviceCharacteristics() DeviceCaps {
	if d, ok := f.base.(DeviceCharacterizer); ok {
		return d.DeviceCharacteristics()
	}
	return 0
}

func (f *readOnlyFile) RawHandle() uintptr {
	if r, ok := f.base.(RawHandler); ok {
		return r.RawHandle()
	}
	return 0
}

func (f *readOnlyFile) LockState() LockLevel {
	if l, ok := f.base.(LockStater); ok {
		return l.LockState()
	}
	return LockNone
}
