package vfskit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gobeaver/vfskit/internal/locktable"
)

// quietLogger discards registry log output in tests.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubDriver is a small in-memory DriverMethods used by the core tests.
type stubDriver struct {
	mu       sync.Mutex
	files    map[string]*stubData
	locks    *locktable.Table
	openErr  error
	closeErr error
	opens    int
	closes   int
	// wrap, when set, decorates every opened file.
	wrap func(*stubFile) FileMethods
}

type stubData struct {
	b []byte
}

func newStub() *stubDriver {
	return &stubDriver{files: make(map[string]*stubData), locks: locktable.New()}
}

func newStubDriver(name string) *Driver {
	return &Driver{Name: name, Version: 1, StateSize: 8, Methods: newStub()}
}

func (s *stubDriver) Open(name string, state []byte, flags OpenFlag) (FileMethods, OpenFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openErr != nil {
		return nil, 0, s.openErr
	}
	d, ok := s.files[name]
	if !ok {
		if !flags.Has(OpenCreate) {
			return nil, 0, NewPathError("open", name, ErrCantOpen)
		}
		d = &stubData{}
		s.files[name] = d
	}
	s.opens++
	if len(state) > 0 {
		state[0] = 0xA5
	}
	f := &stubFile{s: s, d: d, lock: s.locks.Open(name)}
	if s.wrap != nil {
		return s.wrap(f), flags, nil
	}
	return f, flags, nil
}

func (s *stubDriver) Delete(name string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[name]; !ok {
		return NewPathError("delete", name, ErrNotExist)
	}
	delete(s.files, name)
	return nil
}

func (s *stubDriver) Access(name string, _ AccessFlag) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[name]
	return ok, nil
}

func (s *stubDriver) TempName() (string, error) { return "stub-temp", nil }
func (s *stubDriver) FullPathname(name string) (string, error) { return "/" + name, nil }
func (s *stubDriver) DlOpen(string) (LibHandle, error) { return nil, ErrNotSupported }
func (s *stubDriver) DlError() string { return "dynamic loading not supported" }
func (s *stubDriver) DlSym(LibHandle, string) (any, error) { return nil, ErrNotSupported }
func (s *stubDriver) DlClose(LibHandle) error { return nil }
func (s *stubDriver) Sleep(d time.Duration) time.Duration { return d }
func (s *stubDriver) CurrentTime() (float64, error) { return unixEpochJulianDay, nil }
func (s *stubDriver) Watch(context.Context, string) (ChangeToken, error) {
	return NewCallbackChangeToken(), nil
}

func (s *stubDriver) Randomness(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(i)
	}
	return len(p), nil
}

func (s *stubDriver) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type stubFile struct {
	s    *stubDriver
	d    *stubData
	lock *locktable.Handle
}

func (f *stubFile) Close() error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.closes++
	f.lock.Close()
	return f.s.closeErr
}

func (f *stubFile) ReadAt(p []byte, off int64) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	n := 0
	if off < int64(len(f.d.b)) {
		n = copy(p, f.d.b[off:])
	}
	if n < len(p) {
		clear(p[n:])
		return ErrShortRead
	}
	return nil
}

func (f *stubFile) WriteAt(p []byte, off int64) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(f.d.b)) {
		f.d.b = append(f.d.b, make([]byte, end-int64(len(f.d.b)))...)
	}
	copy(f.d.b[off:], p)
	return nil
}

func (f *stubFile) Truncate(size int64) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if size < int64(len(f.d.b)) {
		f.d.b = f.d.b[:size]
	} else {
		f.d.b = append(f.d.b, make([]byte, size-int64(len(f.d.b)))...)
	}
	return nil
}

func (f *stubFile) Sync(SyncFlag) error { return nil }

func (f *stubFile) FileSize() (int64, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return int64(len(f.d.b)), nil
}

func (f *stubFile) Lock(level LockLevel) error { return f.lock.Lock(locktable.Level(level)) }
func (f *stubFile) Unlock(level LockLevel) error { return f.lock.Unlock(locktable.Level(level)) }

func (f *stubFile) BreakLock() error {
	f.lock.Break()
	return nil
}

func (f *stubFile) CheckReservedLock() (bool, error) {
	return f.lock.Reserved(), nil
}

// sectorFile adds the optional capabilities on top of stubFile.
type sectorFile struct {
	*stubFile
	sector int
	caps   DeviceCaps
}

func (f *sectorFile) SectorSize() int { return f.sector }
func (f *sectorFile) DeviceCharacteristics() DeviceCaps { return f.caps }

// trackingAllocator records every outstanding block.
type trackingAllocator struct {
	mu     sync.Mutex
	live   int
	allocs int
	fail   bool
}

func (a *trackingAllocator) Alloc(n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return nil, ErrNoMem
	}
	a.live++
	a.allocs++
	return make([]byte, n), nil
}

func (a *trackingAllocator) Free([]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live--
}

func (a *trackingAllocator) outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
