// Package sftp provides a vfskit driver for files on a remote host reached
// over SSH.
//
// Reads and writes go straight to the remote file. Locks are tracked
// in-process only, so two processes sharing a remote file must coordinate
// some other way.
package sftp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/vfskit"
	"github.com/gobeaver/vfskit/internal/locktable"
	"github.com/gobwas/glob"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DriverName is the default name of drivers made by New.
const DriverName = "sftp"

const maxPathname = 1024

// Adapter implements vfskit.DriverMethods over an SFTP connection.
type Adapter struct {
	mu       sync.Mutex
	client   *sftp.Client
	sshConn  *ssh.Client
	basePath string
	config   Config

	pollInterval time.Duration
	logger       *slog.Logger
	locks        *locktable.Table
	driver       *vfskit.Driver
}

// Config holds SFTP connection configuration
type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	PrivateKey     []byte // PEM encoded private key
	PrivateKeyPath string // read when PrivateKey is empty
	// KnownHostsFile verifies the server key. Without it any host key is
	// accepted.
	KnownHostsFile string
	BasePath       string
	Timeout        time.Duration
}

// AdapterOption is a function that configures SFTP Adapter
type AdapterOption func(*Adapter)

// WithBasePath sets the base path for SFTP operations
func WithBasePath(basePath string) AdapterOption {
	return func(a *Adapter) {
		a.basePath = basePath
	}
}

// WithName overrides the driver name.
func WithName(name string) AdapterOption {
	return func(a *Adapter) {
		a.driver.Name = name
	}
}

// WithLogger sets the logger for connection and cleanup failures.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithPollInterval sets how often Watch checks the remote files. Default 30 seconds.
func WithPollInterval(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		a.pollInterval = d
	}
}

func newAdapter(cfg Config, options []AdapterOption) *Adapter {
	a := &Adapter{
		config:       cfg,
		basePath:     cfg.BasePath,
		pollInterval: 30 * time.Second,
		logger:       slog.Default(),
		locks:        locktable.New(),
	}
	a.driver = &vfskit.Driver{
		Name:        DriverName,
		Version:     1,
		MaxPathname: maxPathname,
		Methods:     a,
	}

	// Apply options
	for _, option := range options {
		option(a)
	}
	if a.basePath != "" {
		a.basePath = path.Clean(a.basePath)
	}
	return a
}

// New dials the host in cfg and returns an adapter using the connection.
func New(cfg Config, options ...AdapterOption) (*Adapter, error) {
	a := newAdapter(cfg, options)

	// Establish connection
	if err := a.connect(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewWithClient returns an adapter over an existing SFTP client. Closing the
// adapter closes the client.
func NewWithClient(client *sftp.Client, options ...AdapterOption) *Adapter {
	a := newAdapter(Config{}, options)
	a.client = client
	return a
}

// Driver returns the driver backed by a.
func (a *Adapter) Driver() *vfskit.Driver {
	return a.driver
}

// connect establishes SSH and SFTP connections
func (a *Adapter) connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sshConfig, err := a.sshConfig()
	if err != nil {
		return err
	}

	// Connect to SSH
	port := a.config.Port
	if port == 0 {
		port = 22
	}

	addr := fmt.Sprintf("%s:%d", a.config.Host, port)
	sshConn, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to SSH: %w", err)
	}

	// Create SFTP client
	sftpClient, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return fmt.Errorf("failed to create SFTP client: %w", err)
	}

	a.sshConn = sshConn
	a.client = sftpClient
	a.logger.Debug("sftp connected", "addr", addr, "user", a.config.Username)
	return nil
}

func (a *Adapter) sshConfig() (*ssh.ClientConfig, error) {
	sshConfig := &ssh.ClientConfig{
		User:            a.config.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         a.config.Timeout,
	}
	if a.config.KnownHostsFile != "" {
		cb, err := knownhosts.New(a.config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		sshConfig.HostKeyCallback = cb
	}

	// Add authentication method
	key := a.config.PrivateKey
	if len(key) == 0 && a.config.PrivateKeyPath != "" {
		data, err := os.ReadFile(a.config.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		key = data
	}
	if len(key) > 0 {
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}

	if a.config.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(a.config.Password))
	}

	if len(sshConfig.Auth) == 0 {
		return nil, errors.New("no authentication method provided")
	}
	return sshConfig, nil
}

// Close closes the SFTP and SSH connections
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error

	if a.client != nil {
		if err := a.client.Close(); err != nil {
			errs = append(errs, err)
		}
		a.client = nil
	}

	if a.sshConn != nil {
		if err := a.sshConn.Close(); err != nil {
			errs = append(errs, err)
		}
		a.sshConn = nil
	}

	return errors.Join(errs...)
}

// conn returns the live client, or ErrIO once the adapter is closed.
func (a *Adapter) conn() (*sftp.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, fmt.Errorf("%w: sftp connection closed", vfskit.ErrIO)
	}
	return a.client, nil
}

// resolve maps name onto the remote path. Absolute names already under the
// base path are kept, so the output of FullPathname can be opened again.
func (a *Adapter) resolve(name string) (string, bool) {
	if name == "" || strings.Contains(name, "..") {
		return "", false
	}
	clean := path.Clean(name)
	if a.basePath == "" {
		return clean, true
	}
	if clean == a.basePath || strings.HasPrefix(clean, a.basePath+"/") {
		return clean, true
	}
	return path.Join(a.basePath, clean), true
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
	full, ok := a.resolve(name)
	if !ok {
		return nil, 0, vfskit.NewPathError("open", name, vfskit.ErrCantOpen)
	}
	client, err := a.conn()
	if err != nil {
		return nil, 0, vfskit.NewPathError("open", name, err)
	}

	mode := os.O_RDONLY
	if flags.Has(vfskit.OpenReadWrite) {
		mode = os.O_RDWR
	}
	if flags.Has(vfskit.OpenCreate) {
		mode |= os.O_CREATE
		if err := client.MkdirAll(path.Dir(full)); err != nil {
			return nil, 0, mapSFTPError("open", name, err)
		}
	}
	if flags.Has(vfskit.OpenCreate | vfskit.OpenExclusive) {
		mode |= os.O_EXCL
	}

	out := flags
	sf, err := client.OpenFile(full, mode)
	if err != nil && flags.Has(vfskit.OpenReadWrite) && os.IsPermission(err) {
		// Fall back to read-only, like opening a file on a read-only mount.
		sf, err = client.OpenFile(full, os.O_RDONLY)
		out = (flags &^ (vfskit.OpenReadWrite | vfskit.OpenCreate)) | vfskit.OpenReadOnly
	}
	if err != nil {
		return nil, 0, vfskit.NewPathError("open", name, fmt.Errorf("%w: %w", vfskit.ErrCantOpen, cause(err)))
	}

	return &file{
		a:             a,
		f:             sf,
		client:        client,
		name:          name,
		path:          full,
		lock:          a.locks.Open(full),
		deleteOnClose: flags.Has(vfskit.OpenDeleteOnClose),
	}, out, nil
}

// Delete implements vfskit.DriverMethods
func (a *Adapter) Delete(name string, _ bool) error {
	full, ok := a.resolve(name)
	if !ok {
		return vfskit.NewPathError("delete", name, vfskit.ErrCantOpen)
	}
	client, err := a.conn()
	if err != nil {
		return vfskit.NewPathError("delete", name, err)
	}
	if err := client.Remove(full); err != nil {
		return mapSFTPError("delete", name, err)
	}
	return nil
}

// Access implements vfskit.DriverMethods using the owner permission bits.
func (a *Adapter) Access(name string, flags vfskit.AccessFlag) (bool, error) {
	full, ok := a.resolve(name)
	if !ok {
		return false, nil
	}
	client, err := a.conn()
	if err != nil {
		return false, vfskit.NewPathError("access", name, err)
	}
	info, err := client.Stat(full)
	if err != nil {
		if isNotExist(err) {
			return false, nil
		}
		return false, mapSFTPError("access", name, err)
	}

	perm := info.Mode().Perm()
	switch flags {
	case vfskit.AccessReadWrite:
		return perm&0o600 == 0o600, nil
	case vfskit.AccessRead:
		return perm&0o400 != 0, nil
	default:
		return true, nil
	}
}

func (a *Adapter) TempName() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	name := "vfskit_" + hex.EncodeToString(buf[:])
	if a.basePath != "" {
		return path.Join(a.basePath, name), nil
	}
	return name, nil
}

// FullPathname returns the remote path name resolves to.
func (a *Adapter) FullPathname(name string) (string, error) {
	full, ok := a.resolve(name)
	if !ok || len(full) > maxPathname {
		return "", vfskit.NewPathError("fullpathname", name, vfskit.ErrCantOpen)
	}
	return full, nil
}

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

func (a *Adapter) Randomness(p []byte) (int, error) {
	return rand.Read(p)
}

func (a *Adapter) Sleep(d time.Duration) time.Duration {
	start := time.Now()
	time.Sleep(d)
	return time.Since(start)
}

func (a *Adapter) CurrentTime() (float64, error) {
	return vfskit.JulianDay(time.Now()), nil
}

func isNotExist(err error) bool {
	if os.IsNotExist(err) {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && os.IsNotExist(pathErr.Err)
}

// cause translates an SFTP error into a vfskit sentinel.
func cause(err error) error {
	switch {
	case isNotExist(err):
		return vfskit.ErrNotExist
	case os.IsPermission(err):
		return vfskit.ErrPermission
	default:
		return fmt.Errorf("%w: %w", vfskit.ErrIO, err)
	}
}

// mapSFTPError maps SFTP errors to vfskit errors
func mapSFTPError(op, name string, err error) error {
	return vfskit.NewPathError(op, name, cause(err))
}

// isUnsupported reports whether the server rejected a request it does not
// implement.
func isUnsupported(err error) bool {
	var statusErr *sftp.StatusError
	return errors.As(err, &statusErr) && statusErr.FxCode() == sftp.ErrSSHFxOpUnsupported
}

// ============================================================================
// Watcher Implementation (Polling-based)
// ============================================================================

// Watch implements vfskit.CanWatch using a polling approach.
// SFTP doesn't have native file system events, so we poll for changes.
// The filter is a glob relative to the base path, like "**/*.db".
func (a *Adapter) Watch(ctx context.Context, filter string) (vfskit.ChangeToken, error) {
	g, err := glob.Compile(strings.TrimPrefix(path.Clean(filter), "/"), '/')
	if err != nil {
		return nil, vfskit.NewPathError("watch", filter, err)
	}

	// Get initial state of matching files
	initialState, err := a.matchingFilesState(g)
	if err != nil {
		return nil, mapSFTPError("watch", filter, err)
	}

	token := vfskit.NewPollingChangeToken(ctx, vfskit.PollingConfig{
		Interval: a.pollInterval,
		CheckFunc: func() bool {
			currentState, err := a.matchingFilesState(g)
			if err != nil {
				a.logger.Debug("sftp watch poll failed", "filter", filter, "error", err)
				return false // Can't determine change, don't signal
			}
			return !sftpStatesEqual(initialState, currentState)
		},
	})
	return token, nil
}

// sftpFileState represents the state of a file for change detection
type sftpFileState struct {
	modTime time.Time
	size    int64
}

// matchingFilesState returns the current state of files matching g
func (a *Adapter) matchingFilesState(g glob.Glob) (map[string]sftpFileState, error) {
	client, err := a.conn()
	if err != nil {
		return nil, err
	}

	root := a.basePath
	if root == "" {
		root = "."
	}
	state := make(map[string]sftpFileState)
	walker := client.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return nil, err
		}
		info := walker.Stat()
		if info.IsDir() {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), root), "/")
		if g.Match(rel) {
			state[rel] = sftpFileState{modTime: info.ModTime(), size: info.Size()}
		}
	}
	return state, nil
}

// sftpStatesEqual checks if two file states are equal
func sftpStatesEqual(a, b map[string]sftpFileState) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false // File was deleted
		}
		if !v.modTime.Equal(bv.modTime) || v.size != bv.size {
			return false // File was modified
		}
	}
	return true
}

// ============================================================================
// Open files
// ============================================================================

type file struct {
	a             *Adapter
	f             *sftp.File
	client        *sftp.Client
	name          string
	path          string
	lock          *locktable.Handle
	deleteOnClose bool
}

func (f *file) Close() error {
	f.lock.Close()
	err := f.f.Close()
	if f.deleteOnClose {
		if rerr := f.client.Remove(f.path); rerr != nil && !isNotExist(rerr) {
			f.a.logger.Warn("sftp delete-on-close failed", "path", f.path, "error", rerr)
		}
	}
	if err != nil {
		return mapSFTPError("close", f.name, err)
	}
	return nil
}

func (f *file) ReadAt(p []byte, off int64) error {
	n, err := f.f.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return mapSFTPError("read", f.name, err)
	}
	clear(p[n:])
	return vfskit.ErrShortRead
}

func (f *file) WriteAt(p []byte, off int64) error {
	if _, err := f.f.WriteAt(p, off); err != nil {
		if os.IsPermission(err) {
			return vfskit.NewPathError("write", f.name, vfskit.ErrReadOnly)
		}
		return mapSFTPError("write", f.name, err)
	}
	return nil
}

func (f *file) Truncate(size int64) error {
	if err := f.f.Truncate(size); err != nil {
		return mapSFTPError("truncate", f.name, err)
	}
	return nil
}

// Sync flushes through fsync@openssh.com. Servers without the extension
// are treated as already durable.
func (f *file) Sync(vfskit.SyncFlag) error {
	if err := f.f.Sync(); err != nil && !isUnsupported(err) {
		return mapSFTPError("sync", f.name, err)
	}
	return nil
}

func (f *file) FileSize() (int64, error) {
	info, err := f.f.Stat()
	if err != nil {
		return 0, mapSFTPError("stat", f.name, err)
	}
	return info.Size(), nil
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

func (f *file) LockState() vfskit.LockLevel {
	return vfskit.LockLevel(f.lock.Level())
}

// Ensure Adapter implements required and optional interfaces
var (
	_ vfskit.DriverMethods = (*Adapter)(nil)
	_ vfskit.CanWatch      = (*Adapter)(nil)
	_ vfskit.FileMethods   = (*file)(nil)
	_ vfskit.LockStater    = (*file)(nil)
)
