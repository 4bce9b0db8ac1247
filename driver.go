package vfskit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// LibHandle is an opaque handle to a dynamically loaded library.
type LibHandle any

// DriverMethods is the method table of a driver: everything the engine
// needs from the platform besides per-file I/O.
type DriverMethods interface {
	// Open opens name and returns the method table for the new file.
	// state is the file's driver-private block, already sized to the
	// driver's StateSize. The returned flags describe how the file was
	// actually opened (a read-write request may be granted read-only).
	Open(name string, state []byte, flags OpenFlag) (FileMethods, OpenFlag, error)

	// Delete removes name. When syncDir is set the containing directory is
	// synced so the removal is durable.
	Delete(name string, syncDir bool) error

	// Access answers the question selected by flags about name.
	Access(name string, flags AccessFlag) (bool, error)

	// TempName returns a name suitable for a temporary file.
	TempName() (string, error)

	// FullPathname returns the canonical absolute form of name.
	FullPathname(name string) (string, error)

	// DlOpen loads the library at path.
	DlOpen(path string) (LibHandle, error)

	// DlError describes the most recent dynamic loading failure.
	DlError() string

	// DlSym resolves symbol in a library returned by DlOpen.
	DlSym(h LibHandle, symbol string) (any, error)

	// DlClose releases a library returned by DlOpen.
	DlClose(h LibHandle) error

	// Randomness fills p with random bytes and returns how many were written.
	Randomness(p []byte) (int, error)

	// Sleep pauses for at least d and returns the time actually slept.
	Sleep(d time.Duration) time.Duration

	// CurrentTime returns the current time as a Julian day number.
	CurrentTime() (float64, error)
}

// CanWatch indicates the driver can notify callers when a file changes
// underneath them.
//
//	d, _ := vfskit.Find("os")
//	defer vfskit.Release(d)
//	token, err := d.Watch(ctx, "/data/main.db")
//	if err == nil && token.HasChanged() {
//	    // drop cached pages
//	}
type CanWatch interface {
	Watch(ctx context.Context, name string) (ChangeToken, error)
}

// Driver is a named bundle of platform operations.
//
// The exported fields describe the driver and are set by its provider
// before registration. The reference count and per-driver mutex are owned by
// the Registry the driver is registered with and change only under that
// registry's lock.
type Driver struct {
	// Name identifies the driver in Find. It must be non-empty.
	Name string
	// Version of the driver's method tables.
	Version int
	// StateSize is the length of the private block every File opened by
	// this driver carries.
	StateSize int
	// MaxPathname is the longest pathname the driver accepts. Zero means no
	// limit.
	MaxPathname int
	// Methods is the driver's method table.
	Methods DriverMethods

	// owner is set once by the first Register and cleared when the driver
	// is unlinked with no references left. refs and mu are guarded by the
	// owner's lock.
	owner atomic.Pointer[Registry]
	refs  int
	mu    *sync.Mutex
}

// RefCount returns the number of outstanding Find references.
func (d *Driver) RefCount() int {
	r := d.owner.Load()
	if r == nil {
		return d.refs
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return d.refs
}

// Mutex returns the driver's private mutex. It is nil unless several
// references to the driver have been handed out. The registry never locks
// it; it exists for the driver's own synchronization.
func (d *Driver) Mutex() *sync.Mutex {
	r := d.owner.Load()
	if r == nil {
		return d.mu
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return d.mu
}

func (d *Driver) String() string {
	return d.Name
}

// Open opens name into f. On success f is bound to the driver's method table
// and the flags the driver granted are returned. On failure f stays closed.
func (d *Driver) Open(name string, f *File, flags OpenFlag) (OpenFlag, error) {
	if len(f.state) != d.StateSize {
		f.state = make([]byte, d.StateSize)
	}
	m, out, err := d.Methods.Open(name, f.state, flags)
	if err != nil {
		return out, err
	}
	f.methods = m
	f.name = name
	return out, nil
}

// Delete removes name.
func (d *Driver) Delete(name string, syncDir bool) error {
	return d.Methods.Delete(name, syncDir)
}

// Access answers an access question about name.
func (d *Driver) Access(name string, flags AccessFlag) (bool, error) {
	return d.Methods.Access(name, flags)
}

// TempName returns a temporary file name.
func (d *Driver) TempName() (string, error) {
	return d.Methods.TempName()
}

// FullPathname canonicalizes name.
func (d *Driver) FullPathname(name string) (string, error) {
	return d.Methods.FullPathname(name)
}

// DlOpen loads a library.
func (d *Driver) DlOpen(path string) (LibHandle, error) {
	return d.Methods.DlOpen(path)
}

// DlError describes the last dynamic loading failure.
func (d *Driver) DlError() string {
	return d.Methods.DlError()
}

// DlSym resolves a library symbol.
func (d *Driver) DlSym(h LibHandle, symbol string) (any, error) {
	return d.Methods.DlSym(h, symbol)
}

// DlClose releases a library.
func (d *Driver) DlClose(h LibHandle) error {
	return d.Methods.DlClose(h)
}

// Randomness fills p with random bytes.
func (d *Driver) Randomness(p []byte) (int, error) {
	return d.Methods.Randomness(p)
}

// Sleep pauses for at least dur.
func (d *Driver) Sleep(dur time.Duration) time.Duration {
	return d.Methods.Sleep(dur)
}

// CurrentTime returns the current Julian day number.
func (d *Driver) CurrentTime() (float64, error) {
	return d.Methods.CurrentTime()
}

// Watch returns a change token for name, or ErrNotSupported when the driver
// cannot watch files.
func (d *Driver) Watch(ctx context.Context, name string) (ChangeToken, error) {
	w, ok := d.Methods.(CanWatch)
	if !ok {
		return nil, NewPathError("watch", name, ErrNotSupported)
	}
	return w.Watch(ctx, name)
}

// unixEpochJulianDay is the Julian day number of 1970-01-01T00:00:00Z.
const unixEpochJulianDay = 2440587.5

// JulianDay converts t to a Julian day number, the unit of CurrentTime.
func JulianDay(t time.Time) float64 {
	return unixEpochJulianDay + float64(t.UnixNano())/float64(24*time.Hour)
}
