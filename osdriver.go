package vfskit

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"plugin"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobeaver/vfskit/internal/locktable"
)

// osMaxPathname bounds the names accepted by the os driver.
const osMaxPathname = 512

// osDriver implements DriverMethods on top of the os package. Locks are
// tracked in-process by a shared lock table keyed on the absolute path.
type osDriver struct {
	locks *locktable.Table

	mu      sync.Mutex
	tempDir string
	dlErr   string
}

// NewOSDriver returns a driver named "os" backed by the local filesystem.
// It is the built-in driver of the process-wide registry.
func NewOSDriver() *Driver {
	return &Driver{
		Name:        "os",
		Version:     1,
		StateSize:   4,
		MaxPathname: osMaxPathname,
		Methods:     &osDriver{locks: locktable.New()},
	}
}

func newOSDriver() *Driver {
	return NewOSDriver()
}

// SetTempDir changes the directory used by TempName. An empty dir restores
// os.TempDir.
func (d *osDriver) SetTempDir(dir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tempDir = dir
}

func (d *osDriver) Open(name string, state []byte, flags OpenFlag) (FileMethods, OpenFlag, error) {
	if name == "" {
		tmp, err := d.TempName()
		if err != nil {
			return nil, 0, err
		}
		name = tmp
		flags |= OpenDeleteOnClose | OpenCreate | OpenReadWrite
	}
	abs, err := d.FullPathname(name)
	if err != nil {
		return nil, 0, err
	}

	mode := os.O_RDONLY
	if flags.Has(OpenReadWrite) {
		mode = os.O_RDWR
	}
	if flags.Has(OpenCreate) {
		mode |= os.O_CREATE
	}
	if flags.Has(OpenExclusive) {
		mode |= os.O_EXCL
	}

	out := flags
	fh, err := os.OpenFile(abs, mode, 0o644)
	if err != nil && flags.Has(OpenReadWrite) && errors.Is(err, fs.ErrPermission) {
		// Fall back to a read-only handle and tell the caller.
		fh, err = os.OpenFile(abs, os.O_RDONLY, 0)
		out = (flags &^ (OpenReadWrite | OpenCreate)) | OpenReadOnly
	}
	if err != nil {
		return nil, 0, NewPathError("open", abs, fmt.Errorf("%w: %w", ErrCantOpen, err))
	}

	if len(state) >= 4 {
		binary.LittleEndian.PutUint32(state, uint32(out))
	}
	return &osFile{
		f:             fh,
		path:          abs,
		lock:          d.locks.Open(abs),
		readOnly:      !out.Has(OpenReadWrite),
		deleteOnClose: flags.Has(OpenDeleteOnClose),
	}, out, nil
}

func (d *osDriver) Delete(name string, syncDir bool) error {
	abs, err := d.FullPathname(name)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewPathError("delete", abs, ErrNotExist)
		}
		return NewPathError("delete", abs, fmt.Errorf("%w: %w", ErrIO, err))
	}
	if syncDir {
		dir, err := os.Open(filepath.Dir(abs))
		if err != nil {
			return NewPathError("delete", abs, fmt.Errorf("%w: %w", ErrIO, err))
		}
		defer dir.Close()
		if err := dir.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
			return NewPathError("delete", abs, fmt.Errorf("%w: %w", ErrIO, err))
		}
	}
	return nil
}

func (d *osDriver) Access(name string, flags AccessFlag) (bool, error) {
	abs, err := d.FullPathname(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, NewPathError("access", abs, fmt.Errorf("%w: %w", ErrIO, err))
	}
	perm := info.Mode().Perm()
	switch flags {
	case AccessReadWrite:
		return perm&0o600 == 0o600, nil
	case AccessRead:
		return perm&0o400 != 0, nil
	default:
		return true, nil
	}
}

func (d *osDriver) TempName() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}

	d.mu.Lock()
	dir := d.tempDir
	d.mu.Unlock()
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "vfskit_"+hex.EncodeToString(buf[:])), nil
}

func (d *osDriver) FullPathname(name string) (string, error) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return "", NewPathError("fullpathname", name, fmt.Errorf("%w: %w", ErrCantOpen, err))
	}
	if len(abs) > osMaxPathname {
		return "", NewPathError("fullpathname", name, ErrCantOpen)
	}
	return abs, nil
}

func (d *osDriver) DlOpen(path string) (LibHandle, error) {
	p, err := plugin.Open(path)
	if err != nil {
		d.setDlError(err)
		return nil, NewPathError("dlopen", path, err)
	}
	return p, nil
}

func (d *osDriver) DlError() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dlErr
}

func (d *osDriver) DlSym(h LibHandle, symbol string) (any, error) {
	p, ok := h.(*plugin.Plugin)
	if !ok || p == nil {
		d.setDlError(ErrMisuse)
		return nil, ErrMisuse
	}
	sym, err := p.Lookup(symbol)
	if err != nil {
		d.setDlError(err)
		return nil, err
	}
	return sym, nil
}

// DlClose is a no-op: Go plugins cannot be unloaded.
func (d *osDriver) DlClose(LibHandle) error {
	return nil
}

func (d *osDriver) setDlError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dlErr = err.Error()
}

func (d *osDriver) Randomness(p []byte) (int, error) {
	return rand.Read(p)
}

func (d *osDriver) Sleep(dur time.Duration) time.Duration {
	start := time.Now()
	time.Sleep(dur)
	return time.Since(start)
}

func (d *osDriver) CurrentTime() (float64, error) {
	return JulianDay(time.Now()), nil
}

// Watch implements CanWatch using fsnotify. The token fires once, on the
// first write, create, remove or rename of name.
func (d *osDriver) Watch(ctx context.Context, name string) (ChangeToken, error) {
	abs, err := d.FullPathname(name)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, NewPathError("watch", abs, err)
	}
	// Watch the parent: renames and recreations replace the inode.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, NewPathError("watch", abs, err)
	}

	token := NewCallbackChangeToken()
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != abs {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) ||
					ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					token.SignalChange()
					return
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return token, nil
}

// osFile is an open file of the os driver.
type osFile struct {
	f             *os.File
	path          string
	lock          *locktable.Handle
	readOnly      bool
	deleteOnClose bool
}

func (f *osFile) Close() error {
	f.lock.Close()
	err := f.f.Close()
	if f.deleteOnClose {
		if rerr := os.Remove(f.path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) && err == nil {
			err = rerr
		}
	}
	if err != nil {
		return NewPathError("close", f.path, fmt.Errorf("%w: %w", ErrIO, err))
	}
	return nil
}

func (f *osFile) ReadAt(p []byte, off int64) error {
	n, err := f.f.ReadAt(p, off)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		clear(p[n:])
		return ErrShortRead
	}
	return NewPathError("read", f.path, fmt.Errorf("%w: %w", ErrIO, err))
}

func (f *osFile) WriteAt(p []byte, off int64) error {
	if f.readOnly {
		return NewPathError("write", f.path, ErrReadOnly)
	}
	if _, err := f.f.WriteAt(p, off); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return NewPathError("write", f.path, ErrFull)
		}
		return NewPathError("write", f.path, fmt.Errorf("%w: %w", ErrIO, err))
	}
	return nil
}

func (f *osFile) Truncate(size int64) error {
	if f.readOnly {
		return NewPathError("truncate", f.path, ErrReadOnly)
	}
	if err := f.f.Truncate(size); err != nil {
		return NewPathError("truncate", f.path, fmt.Errorf("%w: %w", ErrIO, err))
	}
	return nil
}

func (f *osFile) Sync(SyncFlag) error {
	if err := f.f.Sync(); err != nil {
		return NewPathError("sync", f.path, fmt.Errorf("%w: %w", ErrIO, err))
	}
	return nil
}

func (f *osFile) FileSize() (int64, error) {
	info, err := f.f.Stat()
	if err != nil {
		return 0, NewPathError("filesize", f.path, fmt.Errorf("%w: %w", ErrIO, err))
	}
	return info.Size(), nil
}

func (f *osFile) Lock(level LockLevel) error {
	return f.lock.Lock(locktable.Level(level))
}

func (f *osFile) Unlock(level LockLevel) error {
	return f.lock.Unlock(locktable.Level(level))
}

func (f *osFile) BreakLock() error {
	f.lock.Break()
	return nil
}

func (f *osFile) CheckReservedLock() (bool, error) {
	return f.lock.Reserved(), nil
}

func (f *osFile) RawHandle() uintptr {
	return f.f.Fd()
}

func (f *osFile) LockState() LockLevel {
	return LockLevel(f.lock.Level())
}
