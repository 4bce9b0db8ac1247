package vfskit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrMountNotFound is returned when no mount point matches the path
	ErrMountNotFound = errors.New("no mount point found for path")
	// ErrMountExists is returned when trying to mount at an existing path
	ErrMountExists = errors.New("mount point already exists")
	// ErrEmptyMountPath is returned when the mount path is empty
	ErrEmptyMountPath = errors.New("mount path cannot be empty")
	// ErrNilDriver is returned when trying to mount a nil driver
	ErrNilDriver = errors.New("driver cannot be nil")
)

// mount is one entry of the mount table.
type mount struct {
	d    *Driver
	root string
}

// MountOption configures a mount point.
type MountOption func(*mount)

// WithMountRoot makes paths under the mount point resolve below root in the
// mounted driver's namespace. Without it the mounted driver receives the
// path relative to the mount point.
func WithMountRoot(root string) MountOption {
	return func(m *mount) {
		m.root = root
	}
}

// MountManager provides virtual path namespacing over several drivers.
// Path operations are routed by longest mount prefix. Operations that take no
// path (randomness, time, dynamic loading) go to the driver mounted at "/".
//
// The manager does not take registry references to the mounted drivers.
type MountManager struct {
	mu     sync.RWMutex
	mounts map[string]mount
	// sorted mount paths for longest-prefix matching
	sortedPaths []string
}

// NewMountManager creates a new mount manager instance.
func NewMountManager() *MountManager {
	return &MountManager{
		mounts: make(map[string]mount),
	}
}

// Mount attaches a driver at the specified virtual path.
// The path must be unique.
//
// Example:
//
//	mounts.Mount("/", vfskit.NewOSDriver(), vfskit.WithMountRoot("/var/lib/app"))
//	mounts.Mount("/mem", memory.NewDriver(memory.Config{}))
func (m *MountManager) Mount(mountPath string, d *Driver, opts ...MountOption) error {
	if d == nil {
		return ErrNilDriver
	}

	mountPath = normalizeMountPath(mountPath)
	if mountPath == "" {
		return ErrEmptyMountPath
	}

	mt := mount{d: d}
	for _, opt := range opts {
		opt(&mt)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.mounts[mountPath]; exists {
		return fmt.Errorf("%w: %s", ErrMountExists, mountPath)
	}

	m.mounts[mountPath] = mt
	m.updateSortedPaths()

	return nil
}

// Unmount removes the driver at the specified path.
func (m *MountManager) Unmount(mountPath string) error {
	mountPath = normalizeMountPath(mountPath)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.mounts[mountPath]; !exists {
		return fmt.Errorf("%w: %s", ErrMountNotFound, mountPath)
	}

	delete(m.mounts, mountPath)
	m.updateSortedPaths()

	return nil
}

// MountPaths returns all mount paths in sorted order (longest first).
func (m *MountManager) MountPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]string, len(m.sortedPaths))
	copy(result, m.sortedPaths)
	return result
}

// GetMount returns the driver mounted at the exact path.
func (m *MountManager) GetMount(mountPath string) (*Driver, error) {
	mountPath = normalizeMountPath(mountPath)

	m.mu.RLock()
	defer m.mu.RUnlock()

	mt, exists := m.mounts[mountPath]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrMountNotFound, mountPath)
	}
	return mt.d, nil
}

// resolve finds the correct mount and the driver-side name for a virtual
// path. Uses longest-prefix matching to support nested mounts.
func (m *MountManager) resolve(absPath string) (*Driver, string, error) {
	absPath = normalizeMountPath(absPath)
	if absPath == "" {
		return nil, "", ErrEmptyMountPath
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mountPath := range m.sortedPaths {
		if mountPath == "/" || absPath == mountPath || strings.HasPrefix(absPath, mountPath+"/") {
			mt := m.mounts[mountPath]
			relativePath := strings.TrimPrefix(absPath, mountPath)
			relativePath = strings.TrimPrefix(relativePath, "/")
			if mt.root != "" {
				relativePath = path.Join(mt.root, relativePath)
			}
			return mt.d, relativePath, nil
		}
	}

	return nil, "", fmt.Errorf("%w: %s", ErrMountNotFound, absPath)
}

// rootDriver returns the driver mounted at "/".
func (m *MountManager) rootDriver() (*Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mt, ok := m.mounts["/"]
	if !ok {
		return nil, fmt.Errorf("%w: /", ErrMountNotFound)
	}
	return mt.d, nil
}

// updateSortedPaths updates the sorted paths slice for longest-prefix matching.
// Must be called with lock held.
func (m *MountManager) updateSortedPaths() {
	paths := make([]string, 0, len(m.mounts))
	for p := range m.mounts {
		paths = append(paths, p)
	}
	// Sort by length descending for longest-prefix matching
	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) > len(paths[j])
		}
		return paths[i] < paths[j]
	})
	m.sortedPaths = paths
}

// normalizeMountPath ensures the path starts with "/" and has no trailing slash.
func normalizeMountPath(p string) string {
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Copy copies a file between two virtual paths, possibly on different
// mounts, through the drivers' dispatch methods.
func (m *MountManager) Copy(srcPath, dstPath string) error {
	srcDriver, srcName, err := m.resolve(srcPath)
	if err != nil {
		return err
	}
	dstDriver, dstName, err := m.resolve(dstPath)
	if err != nil {
		return err
	}

	src, _, err := OpenAndAllocate(srcDriver, srcName, OpenReadOnly)
	if err != nil {
		return err
	}
	defer CloseAndFree(src)

	dst, _, err := OpenAndAllocate(dstDriver, dstName, OpenReadWrite|OpenCreate)
	if err != nil {
		return err
	}

	if err := copyFile(dst, src); err != nil {
		CloseAndFree(dst)
		return err
	}
	return CloseAndFree(dst)
}

// copyChunk is the transfer size used by Copy.
const copyChunk = 64 * 1024

func copyFile(dst, src *File) error {
	size, err := src.FileSize()
	if err != nil {
		return err
	}
	if err := dst.Truncate(0); err != nil {
		return err
	}
	buf := make([]byte, copyChunk)
	for off := int64(0); off < size; off += copyChunk {
		n := min(int64(copyChunk), size-off)
		if err := src.Read(buf[:n], off); err != nil {
			return err
		}
		if err := dst.Write(buf[:n], off); err != nil {
			return err
		}
	}
	return dst.Sync(SyncNormal)
}

// Driver returns a Driver that routes every operation through the mount
// table. Its files carry the state of the mounted driver they were opened
// on, so the returned driver itself has no per-file state.
func (m *MountManager) Driver(name string) *Driver {
	return &Driver{
		Name:    name,
		Version: 1,
		Methods: &mountDriver{m: m},
	}
}

type mountDriver struct {
	m *MountManager
}

func (md *mountDriver) Open(name string, _ []byte, flags OpenFlag) (FileMethods, OpenFlag, error) {
	if name == "" {
		root, err := md.m.rootDriver()
		if err != nil {
			return nil, 0, err
		}
		return root.Methods.Open("", make([]byte, root.StateSize), flags)
	}
	d, rel, err := md.m.resolve(name)
	if err != nil {
		return nil, 0, err
	}
	return d.Methods.Open(rel, make([]byte, d.StateSize), flags)
}

func (md *mountDriver) Delete(name string, syncDir bool) error {
	d, rel, err := md.m.resolve(name)
	if err != nil {
		return err
	}
	return d.Methods.Delete(rel, syncDir)
}

func (md *mountDriver) Access(name string, flags AccessFlag) (bool, error) {
	d, rel, err := md.m.resolve(name)
	if err != nil {
		if errors.Is(err, ErrMountNotFound) {
			return false, nil
		}
		return false, err
	}
	return d.Methods.Access(rel, flags)
}

// TempName returns a virtual name at the top of the namespace.
func (md *mountDriver) TempName() (string, error) {
	var buf [8]byte
	if _, err := md.Randomness(buf[:]); err != nil {
		return "", err
	}
	return "/vfskit_" + hex.EncodeToString(buf[:]), nil
}

// FullPathname returns the normalized virtual path of a mounted name.
func (md *mountDriver) FullPathname(name string) (string, error) {
	if _, _, err := md.m.resolve(name); err != nil {
		return "", err
	}
	return normalizeMountPath(name), nil
}

func (md *mountDriver) DlOpen(p string) (LibHandle, error) {
	root, err := md.m.rootDriver()
	if err != nil {
		return nil, err
	}
	return root.Methods.DlOpen(p)
}

func (md *mountDriver) DlError() string {
	root, err := md.m.rootDriver()
	if err != nil {
		return err.Error()
	}
	return root.Methods.DlError()
}

func (md *mountDriver) DlSym(h LibHandle, symbol string) (any, error) {
	root, err := md.m.rootDriver()
	if err != nil {
		return nil, err
	}
	return root.Methods.DlSym(h, symbol)
}

func (md *mountDriver) DlClose(h LibHandle) error {
	root, err := md.m.rootDriver()
	if err != nil {
		return err
	}
	return root.Methods.DlClose(h)
}

func (md *mountDriver) Randomness(p []byte) (int, error) {
	root, err := md.m.rootDriver()
	if err != nil {
		return 0, err
	}
	return root.Methods.Randomness(p)
}

func (md *mountDriver) Sleep(d time.Duration) time.Duration {
	root, err := md.m.rootDriver()
	if err != nil {
		start := time.Now()
		time.Sleep(d)
		return time.Since(start)
	}
	return root.Methods.Sleep(d)
}

func (md *mountDriver) CurrentTime() (float64, error) {
	root, err := md.m.rootDriver()
	if err != nil {
		return JulianDay(time.Now()), nil
	}
	return root.Methods.CurrentTime()
}

// Watch routes to the mount owning name.
func (md *mountDriver) Watch(ctx context.Context, name string) (ChangeToken, error) {
	d, rel, err := md.m.resolve(name)
	if err != nil {
		return nil, err
	}
	return d.Watch(ctx, rel)
}
