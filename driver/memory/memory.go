// Package memory provides a vfskit driver that keeps every file in process
// memory. It is useful for tests, temporary databases and caches.
package memory

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/vfskit"
	"github.com/gobeaver/vfskit/internal/locktable"
	"github.com/gobwas/glob"
)

// DriverName is the name of drivers made by NewDriver unless Config.Name is set.
const DriverName = "memory"

// maxPathname bounds the names accepted by the driver.
const maxPathname = 512

// memoryFile represents a file stored in memory
type memoryFile struct {
	content []byte
	modTime time.Time
	// linked is false once the file has been deleted; open handles keep
	// working on the unlinked content.
	linked bool
}

// watchEntry represents a single watch subscription
type watchEntry struct {
	filter glob.Glob
	token  *vfskit.CallbackChangeToken
}

// Adapter is an in-memory implementation of vfskit.DriverMethods.
type Adapter struct {
	mu      sync.RWMutex
	files   map[string]*memoryFile
	maxSize int64 // Maximum total storage size (0 = unlimited)
	size    int64 // Current total size

	readOnly   []glob.Glob
	sectorSize int
	locks      *locktable.Table

	rngMu sync.Mutex
	rng   *rand.Rand // nil means crypto/rand

	// Watch support
	watchMu sync.RWMutex
	watches []*watchEntry

	driver *vfskit.Driver
}

// Config holds configuration for the memory adapter
type Config struct {
	// Name of the driver. Default: "memory"
	Name string
	// MaxSize is the maximum total storage size in bytes (0 = unlimited)
	MaxSize int64
	// ReadOnly lists glob patterns of files that cannot be created, written
	// or deleted, e.g. "fixtures/**".
	ReadOnly []string
	// SectorSize reported for every file (0 = vfskit.DefaultSectorSize)
	SectorSize int
	// Seed makes Randomness deterministic when non-zero.
	Seed uint64
}

// New creates a new in-memory adapter
func New(cfg ...Config) (*Adapter, error) {
	var c Config
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.Name == "" {
		c.Name = DriverName
	}

	a := &Adapter{
		files:      make(map[string]*memoryFile),
		maxSize:    c.MaxSize,
		sectorSize: c.SectorSize,
		locks:      locktable.New(),
	}
	for _, pattern := range c.ReadOnly {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("memory: invalid read-only pattern %q: %w", pattern, err)
		}
		a.readOnly = append(a.readOnly, g)
	}
	if c.Seed != 0 {
		a.rng = rand.New(rand.NewPCG(c.Seed, c.Seed^0x9E3779B97F4A7C15))
	}

	a.driver = &vfskit.Driver{
		Name:        c.Name,
		Version:     1,
		MaxPathname: maxPathname,
		Methods:     a,
	}
	return a, nil
}

// NewDriver creates an adapter and returns its driver.
func NewDriver(cfg ...Config) (*vfskit.Driver, error) {
	a, err := New(cfg...)
	if err != nil {
		return nil, err
	}
	return a.Driver(), nil
}

// Driver returns the driver backed by a. Every call returns the same driver.
func (a *Adapter) Driver() *vfskit.Driver {
	return a.driver
}

// Open implements vfskit.DriverMethods
func (a *Adapter) Open(name string, _ []byte, flags vfskit.OpenFlag) (vfskit.FileMethods, vfskit.OpenFlag, error) {
	if name == "" {
		tmp, err := a.TempName()
		if err != nil {
			return nil, 0, err
		}
		name = tmp
		flags |= vfskit.OpenDeleteOnClose | vfskit.OpenCreate | vfskit.OpenReadWrite
	}

	key := normalizePath(name)
	if !isValidPath(key) {
		return nil, 0, vfskit.NewPathError("open", name, vfskit.ErrCantOpen)
	}
	protected := a.isReadOnly(key)

	a.mu.Lock()
	defer a.mu.Unlock()

	out := flags
	node, exists := a.files[key]
	switch {
	case exists && flags.Has(vfskit.OpenCreate|vfskit.OpenExclusive):
		return nil, 0, vfskit.NewPathError("open", name, fmt.Errorf("%w: file exists", vfskit.ErrCantOpen))
	case !exists && !flags.Has(vfskit.OpenCreate):
		return nil, 0, vfskit.NewPathError("open", name, fmt.Errorf("%w: %w", vfskit.ErrCantOpen, vfskit.ErrNotExist))
	case !exists && protected:
		return nil, 0, vfskit.NewPathError("open", name, vfskit.ErrReadOnly)
	case !exists:
		node = &memoryFile{modTime: time.Now(), linked: true}
		a.files[key] = node
		a.signal(key)
	}

	readOnly := !flags.Has(vfskit.OpenReadWrite)
	if protected && !readOnly {
		// Existing protected files open read-only, like a read-only mount.
		out = (out &^ (vfskit.OpenReadWrite | vfskit.OpenCreate)) | vfskit.OpenReadOnly
		readOnly = true
	}

	return &file{
		a:             a,
		node:          node,
		key:           key,
		lock:          a.locks.Open(key),
		readOnly:      readOnly,
		deleteOnClose: flags.Has(vfskit.OpenDeleteOnClose),
	}, out, nil
}

// Delete implements vfskit.DriverMethods
func (a *Adapter) Delete(name string, _ bool) error {
	key := normalizePath(name)
	if a.isReadOnly(key) {
		return vfskit.NewPathError("delete", name, vfskit.ErrReadOnly)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	node, exists := a.files[key]
	if !exists {
		return vfskit.NewPathError("delete", name, vfskit.ErrNotExist)
	}
	a.unlinkLocked(key, node)

	// Notify watchers of the deletion
	a.signal(key)

	return nil
}

// unlinkLocked removes key from the namespace. Must be called with a.mu held.
func (a *Adapter) unlinkLocked(key string, node *memoryFile) {
	if cur, ok := a.files[key]; ok && cur == node {
		delete(a.files, key)
	}
	if node.linked {
		a.size -= int64(len(node.content))
		node.linked = false
	}
}

// Access implements vfskit.DriverMethods
func (a *Adapter) Access(name string, flags vfskit.AccessFlag) (bool, error) {
	key := normalizePath(name)

	a.mu.RLock()
	_, exists := a.files[key]
	a.mu.RUnlock()

	if flags == vfskit.AccessReadWrite {
		return exists && !a.isReadOnly(key), nil
	}
	return exists, nil
}

// TempName implements vfskit.DriverMethods
func (a *Adapter) TempName() (string, error) {
	var buf [8]byte
	if _, err := a.Randomness(buf[:]); err != nil {
		return "", err
	}
	return "tmp/vfskit_" + hex.EncodeToString(buf[:]), nil
}

// FullPathname implements vfskit.DriverMethods
func (a *Adapter) FullPathname(name string) (string, error) {
	key := normalizePath(name)
	if !isValidPath(key) {
		return "", vfskit.NewPathError("fullpathname", name, vfskit.ErrCantOpen)
	}
	full := "/" + key
	if len(full) > maxPathname {
		return "", vfskit.NewPathError("fullpathname", name, vfskit.ErrCantOpen)
	}
	return full, nil
}

// DlOpen is not supported by the memory driver.
func (a *Adapter) DlOpen(p string) (vfskit.LibHandle, error) {
	return nil, vfskit.NewPathError("dlopen", p, vfskit.ErrNotSupported)
}

func (a *Adapter) DlError() string {
	return vfskit.ErrNotSupported.Error()
}

func (a *Adapter) DlSym(vfskit.LibHandle, string) (any, error) {
	return nil, vfskit.ErrNotSupported
}

func (a *Adapter) DlClose(vfskit.LibHandle) error {
	return nil
}

// Randomness implements vfskit.DriverMethods
func (a *Adapter) Randomness(p []byte) (int, error) {
	if a.rng == nil {
		return crand.Read(p)
	}
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	for i := range p {
		p[i] = byte(a.rng.Uint32())
	}
	return len(p), nil
}

func (a *Adapter) Sleep(d time.Duration) time.Duration {
	start := time.Now()
	time.Sleep(d)
	return time.Since(start)
}

func (a *Adapter) CurrentTime() (float64, error) {
	return vfskit.JulianDay(time.Now()), nil
}

// Clear removes all files from the memory driver.
// Useful for testing cleanup
func (a *Adapter) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, node := range a.files {
		node.linked = false
	}
	a.files = make(map[string]*memoryFile)
	a.size = 0
}

// Size returns the current total size of all stored files
func (a *Adapter) Size() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.size
}

// FileCount returns the number of files stored
func (a *Adapter) FileCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.files)
}

// Names returns the stored file names in sorted order.
func (a *Adapter) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.files))
	for k := range a.files {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (a *Adapter) isReadOnly(key string) bool {
	for _, g := range a.readOnly {
		if g.Match(key) {
			return true
		}
	}
	return false
}

// normalizePath normalizes a file path
func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return ""
	}
	return path.Clean(p)
}

// isValidPath checks if a path is valid (no directory traversal)
func isValidPath(p string) bool {
	return p != "" && !strings.Contains(p, "..")
}

// ============================================================================
// Watcher Implementation
// ============================================================================

// Watch implements vfskit.CanWatch for in-memory file change detection.
// Supports glob patterns like "**/*.db", "*.db-journal", "data/*"
func (a *Adapter) Watch(ctx context.Context, filter string) (vfskit.ChangeToken, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	g, err := glob.Compile(normalizePath(filter), '/')
	if err != nil {
		return nil, vfskit.NewPathError("watch", filter, err)
	}

	token := vfskit.NewCallbackChangeToken()

	a.watchMu.Lock()
	a.watches = append(a.watches, &watchEntry{
		filter: g,
		token:  token,
	})
	a.watchMu.Unlock()

	// Clean up when the context is cancelled or the token fires
	go func() {
		fired := make(chan struct{})
		token.RegisterChangeCallback(func() { close(fired) })
		select {
		case <-ctx.Done():
		case <-fired:
		}
		a.removeWatch(token)
	}()

	return token, nil
}

// signal schedules a notification for key and reports whether any watcher
// was registered to receive it.
func (a *Adapter) signal(key string) bool {
	a.watchMu.RLock()
	n := len(a.watches)
	a.watchMu.RUnlock()
	if n == 0 {
		return false
	}
	go a.notifyWatchers(key)
	return true
}

// notifyWatchers signals all watchers whose filter matches the given path
func (a *Adapter) notifyWatchers(key string) {
	a.watchMu.RLock()
	defer a.watchMu.RUnlock()

	for _, entry := range a.watches {
		if entry.filter.Match(key) {
			entry.token.SignalChange()
		}
	}
}

// removeWatch removes a watch entry by token
func (a *Adapter) removeWatch(token *vfskit.CallbackChangeToken) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()

	for i, entry := range a.watches {
		if entry.token == token {
			// Remove by swapping with last element
			a.watches[i] = a.watches[len(a.watches)-1]
			a.watches = a.watches[:len(a.watches)-1]
			return
		}
	}
}

// ============================================================================
// Open files
// ============================================================================

// file is an open handle on a memoryFile.
type file struct {
	a             *Adapter
	node          *memoryFile
	key           string
	lock          *locktable.Handle
	readOnly      bool
	deleteOnClose bool
}

func (f *file) Close() error {
	f.lock.Close()
	if f.deleteOnClose {
		f.a.mu.Lock()
		f.a.unlinkLocked(f.key, f.node)
		f.a.mu.Unlock()
	}
	return nil
}

func (f *file) ReadAt(p []byte, off int64) error {
	if off < 0 {
		return vfskit.NewPathError("read", f.key, vfskit.ErrMisuse)
	}
	f.a.mu.RLock()
	defer f.a.mu.RUnlock()

	n := 0
	if off < int64(len(f.node.content)) {
		n = copy(p, f.node.content[off:])
	}
	if n < len(p) {
		clear(p[n:])
		return vfskit.ErrShortRead
	}
	return nil
}

func (f *file) WriteAt(p []byte, off int64) error {
	if f.readOnly {
		return vfskit.NewPathError("write", f.key, vfskit.ErrReadOnly)
	}
	if off < 0 {
		return vfskit.NewPathError("write", f.key, vfskit.ErrMisuse)
	}

	f.a.mu.Lock()
	defer f.a.mu.Unlock()

	if end := off + int64(len(p)); end > int64(len(f.node.content)) {
		if err := f.growLocked(end); err != nil {
			return vfskit.NewPathError("write", f.key, err)
		}
	}
	copy(f.node.content[off:], p)
	f.node.modTime = time.Now()

	f.a.signal(f.key)
	return nil
}

// growLocked extends the content to size bytes. Must be called with a.mu held.
func (f *file) growLocked(size int64) error {
	growth := size - int64(len(f.node.content))
	if f.node.linked && f.a.maxSize > 0 && f.a.size+growth > f.a.maxSize {
		return vfskit.ErrFull
	}
	if size <= int64(cap(f.node.content)) {
		old := len(f.node.content)
		f.node.content = f.node.content[:size]
		clear(f.node.content[old:])
	} else {
		grown := make([]byte, size, size+size/4)
		copy(grown, f.node.content)
		f.node.content = grown
	}
	if f.node.linked {
		f.a.size += growth
	}
	return nil
}

func (f *file) Truncate(size int64) error {
	if f.readOnly {
		return vfskit.NewPathError("truncate", f.key, vfskit.ErrReadOnly)
	}
	if size < 0 {
		return vfskit.NewPathError("truncate", f.key, vfskit.ErrMisuse)
	}

	f.a.mu.Lock()
	defer f.a.mu.Unlock()

	cur := int64(len(f.node.content))
	switch {
	case size > cur:
		if err := f.growLocked(size); err != nil {
			return vfskit.NewPathError("truncate", f.key, err)
		}
	case size < cur:
		f.node.content = f.node.content[:size]
		if f.node.linked {
			f.a.size -= cur - size
		}
	}
	f.node.modTime = time.Now()

	f.a.signal(f.key)
	return nil
}

func (f *file) Sync(vfskit.SyncFlag) error {
	return nil
}

func (f *file) FileSize() (int64, error) {
	f.a.mu.RLock()
	defer f.a.mu.RUnlock()
	return int64(len(f.node.content)), nil
}

func (f *file) Lock(level vfskit.LockLevel) error {
	return f.lock.Lock(locktable.Level(level))
}

func (f *file) Unlock(level vfskit.LockLevel) error {
	return f.lock.Unlock(locktable.Level(level))
}

func (f *file) BreakLock() error {
	f.lock.Break()
	return nil
}

func (f *file) CheckReservedLock() (bool, error) {
	return f.lock.Reserved(), nil
}

func (f *file) SectorSize() int {
	if f.a.sectorSize > 0 {
		return f.a.sectorSize
	}
	return vfskit.DefaultSectorSize
}

// DeviceCharacteristics reports that writes land atomically and in order.
func (f *file) DeviceCharacteristics() vfskit.DeviceCaps {
	return vfskit.IOCapAtomic | vfskit.IOCapSafeAppend | vfskit.IOCapSequential
}

func (f *file) LockState() vfskit.LockLevel {
	return vfskit.LockLevel(f.lock.Level())
}

// Ensure Adapter implements interfaces
var (
	_ vfskit.DriverMethods       = (*Adapter)(nil)
	_ vfskit.CanWatch            = (*Adapter)(nil)
	_ vfskit.FileMethods         = (*file)(nil)
	_ vfskit.SectorSizer         = (*file)(nil)
	_ vfskit.DeviceCharacterizer = (*file)(nil)
	_ vfskit.LockStater          = (*file)(nil)
)
