package vfskit

import "sync/atomic"

// FileMethods is the method table a driver supplies for every open file.
// A driver returns one from DriverMethods.Open; the File it is bound to
// forwards every dispatch call to it.
type FileMethods interface {
	// Close releases the file. It is called at most once per open.
	Close() error

	// ReadAt fills p from offset off. A read that runs past the end of the
	// file zero-fills the rest of p and returns ErrShortRead.
	ReadAt(p []byte, off int64) error

	// WriteAt writes all of p at offset off, extending the file if needed.
	WriteAt(p []byte, off int64) error

	// Truncate sets the file size.
	Truncate(size int64) error

	// Sync flushes written data to durable storage.
	Sync(flags SyncFlag) error

	// FileSize returns the current size in bytes.
	FileSize() (int64, error)

	// Lock raises the file lock to at least level.
	Lock(level LockLevel) error

	// Unlock lowers the file lock to level (LockNone or LockShared).
	Unlock(level LockLevel) error

	// BreakLock forcibly clears a writer lock left behind on the file.
	BreakLock() error

	// CheckReservedLock reports whether any handle holds a reserved or
	// higher lock on the file.
	CheckReservedLock() (bool, error)
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================
// Files may expose optional capabilities. File checks for them with a type
// assertion and falls back to a fixed default when they are absent.

// SectorSizer reports the sector size of the storage under a file.
type SectorSizer interface {
	SectorSize() int
}

// DeviceCharacterizer reports DeviceCaps for the storage under a file.
type DeviceCharacterizer interface {
	DeviceCharacteristics() DeviceCaps
}

// RawHandler exposes the operating-system handle behind a file. Debug only.
type RawHandler interface {
	RawHandle() uintptr
}

// LockStater exposes the lock level held by a file. Debug only.
type LockStater interface {
	LockState() LockLevel
}

// File is an open file handle. It pairs the driver's method table with a
// block of driver-private state sized by the owning Driver.
//
// A File is usable between a successful Driver.Open and the first Close.
// After Close every method except Close panics. File is not safe for
// concurrent Close.
type File struct {
	methods FileMethods
	state   []byte
	alloc   Allocator
	name    string
}

// NewFile returns an unopened File that uses state as its driver-private
// block. Driver.Open resizes the block when its length does not match the
// driver's StateSize.
func NewFile(state []byte) *File {
	return &File{state: state}
}

// Name returns the name the file was opened with.
func (f *File) Name() string {
	return f.name
}

// IsOpen reports whether the file is bound to a method table.
func (f *File) IsOpen() bool {
	return f.methods != nil
}

// Methods returns the bound method table, or nil once closed.
func (f *File) Methods() FileMethods {
	return f.methods
}

// State returns the driver-private block.
func (f *File) State() []byte {
	return f.state
}

func (f *File) live() FileMethods {
	if f.methods == nil {
		panic("vfskit: use of closed file")
	}
	return f.methods
}

// Close closes the file. Closing a file that is already closed, or was never
// opened, returns nil. After the driver's Close runs the file is detached
// from its method table whatever the driver returned.
func (f *File) Close() error {
	if f.methods == nil {
		return nil
	}
	err := f.methods.Close()
	f.methods = nil
	return err
}

// Read fills p from offset off.
func (f *File) Read(p []byte, off int64) error {
	return f.live().ReadAt(p, off)
}

// Write writes p at offset off.
func (f *File) Write(p []byte, off int64) error {
	return f.live().WriteAt(p, off)
}

// Truncate sets the file size.
func (f *File) Truncate(size int64) error {
	return f.live().Truncate(size)
}

// Sync flushes the file.
func (f *File) Sync(flags SyncFlag) error {
	return f.live().Sync(flags)
}

// FileSize returns the file size in bytes.
func (f *File) FileSize() (int64, error) {
	return f.live().FileSize()
}

// Lock raises the file lock.
func (f *File) Lock(level LockLevel) error {
	return f.live().Lock(level)
}

// Unlock lowers the file lock.
func (f *File) Unlock(level LockLevel) error {
	return f.live().Unlock(level)
}

// BreakLock forcibly clears a stale writer lock.
func (f *File) BreakLock() error {
	return f.live().BreakLock()
}

// CheckReservedLock reports whether a reserved lock is held on the file.
func (f *File) CheckReservedLock() (bool, error) {
	return f.live().CheckReservedLock()
}

// SectorSize returns the sector size override when one is set, otherwise
// the driver's value, otherwise DefaultSectorSize.
func (f *File) SectorSize() int {
	m := f.live()
	if n := sectorSizeOverride.Load(); n != 0 {
		return int(n)
	}
	if s, ok := m.(SectorSizer); ok {
		return s.SectorSize()
	}
	return DefaultSectorSize
}

// DeviceCharacteristics returns the driver's DeviceCaps (zero when the file
// does not report any) combined with the device characteristics override.
func (f *File) DeviceCharacteristics() DeviceCaps {
	m := f.live()
	var caps DeviceCaps
	if d, ok := m.(DeviceCharacterizer); ok {
		caps = d.DeviceCharacteristics()
	}
	return caps | DeviceCaps(deviceCapsOverride.Load())
}

// RawHandle returns the operating-system handle, or 0 when the driver does
// not expose one.
func (f *File) RawHandle() uintptr {
	if r, ok := f.live().(RawHandler); ok {
		return r.RawHandle()
	}
	return 0
}

// LockState returns the lock level reported by the driver, or LockNone when
// the driver does not track it.
func (f *File) LockState() LockLevel {
	if l, ok := f.live().(LockStater); ok {
		return l.LockState()
	}
	return LockNone
}

// ============================================================================
// Test overrides
// ============================================================================
// Crash and power-loss simulations need every file to pretend it sits on
// storage with a particular sector size or set of guarantees.

var (
	sectorSizeOverride atomic.Int32
	deviceCapsOverride atomic.Uint32
)

// SetSectorSizeOverride makes every File report n as its sector size.
// Zero restores the driver values.
func SetSectorSizeOverride(n int) {
	sectorSizeOverride.Store(int32(n))
}

// SetDeviceCharacteristicsOverride ORs caps into every File's
// DeviceCharacteristics. Zero restores the driver values.
func SetDeviceCharacteristicsOverride(caps DeviceCaps) {
	deviceCapsOverride.Store(uint32(caps))
}
