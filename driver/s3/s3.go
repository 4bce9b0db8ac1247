// Package s3 provides a vfskit driver that stores each file as one object in
// an S3 bucket.
//
// Objects are read whole when a file is opened and written back whole on Sync
// and Close. Handles on the same name do not share buffers, so the last
// handle to flush wins. Locks are tracked in-process only.
package s3

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gobeaver/vfskit"
	"github.com/gobeaver/vfskit/internal/locktable"
	"github.com/gobwas/glob"
)

// DriverName is the default name of drivers made by New.
const DriverName = "s3"

// maxPathname bounds object keys, which S3 limits to 1024 bytes.
const maxPathname = 1024

// ObjectAPI is the part of the S3 API the driver uses. *s3.Client
// satisfies it.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Adapter implements vfskit.DriverMethods on top of an S3 bucket.
type Adapter struct {
	client       ObjectAPI
	bucket       string
	prefix       string
	timeout      time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	locks        *locktable.Table

	driver *vfskit.Driver
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithPrefix stores every object under prefix.
func WithPrefix(prefix string) AdapterOption {
	return func(a *Adapter) {
		// Ensure prefix ends with a slash if it's not empty
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		a.prefix = strings.TrimPrefix(prefix, "/")
	}
}

// WithTimeout bounds each request sent to S3. Default 30 seconds.
func WithTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		a.timeout = d
	}
}

// WithPollInterval sets how often Watch lists the bucket. Default 30 seconds.
func WithPollInterval(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		a.pollInterval = d
	}
}

// WithLogger sets the logger for flush and delete failures.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithName overrides the driver name.
func WithName(name string) AdapterOption {
	return func(a *Adapter) {
		a.driver.Name = name
	}
}

// New creates a new S3 adapter for bucket.
func New(client ObjectAPI, bucket string, options ...AdapterOption) *Adapter {
	a := &Adapter{
		client:       client,
		bucket:       bucket,
		timeout:      30 * time.Second,
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

	for _, option := range options {
		option(a)
	}
	return a
}

// Driver returns the driver backed by a.
func (a *Adapter) Driver() *vfskit.Driver {
	return a.driver
}

func (a *Adapter) requestContext() (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), a.timeout)
}

func (a *Adapter) key(name string) string {
	return a.prefix + normalizePath(name)
}

// Open implements vfskit.DriverMethods. The whole object is fetched into
// memory.
func (a *Adapter) Open(name string, _ []byte, flags vfskit.OpenFlag) (vfskit.FileMethods, vfskit.OpenFlag, error) {
	if name == "" {
		tmp, err := a.TempName()
		if err != nil {
			return nil, 0, err
		}
		name = tmp
		flags |= vfskit.OpenDeleteOnClose | vfskit.OpenCreate | vfskit.OpenReadWrite
	}
	rel := normalizePath(name)
	if !isValidPath(rel) {
		return nil, 0, vfskit.NewPathError("open", name, vfskit.ErrCantOpen)
	}
	key := a.prefix + rel

	content, err := a.fetch(key)
	switch {
	case errors.Is(err, vfskit.ErrNotExist):
		if !flags.Has(vfskit.OpenCreate) {
			return nil, 0, vfskit.NewPathError("open", name, fmt.Errorf("%w: %w", vfskit.ErrCantOpen, vfskit.ErrNotExist))
		}
		// Create the object up front so other handles can open it.
		if err := a.put(key, nil); err != nil {
			return nil, 0, mapS3Error("open", name, err)
		}
		content = []byte{}
	case err != nil:
		return nil, 0, mapS3Error("open", name, err)
	case flags.Has(vfskit.OpenCreate | vfskit.OpenExclusive):
		return nil, 0, vfskit.NewPathError("open", name, fmt.Errorf("%w: file exists", vfskit.ErrCantOpen))
	}

	f := &file{
		a:             a,
		name:          name,
		key:           key,
		content:       content,
		lock:          a.locks.Open(key),
		readOnly:      !flags.Has(vfskit.OpenReadWrite),
		deleteOnClose: flags.Has(vfskit.OpenDeleteOnClose),
	}
	return f, flags, nil
}

func (a *Adapter) fetch(key string) ([]byte, error) {
	ctx, cancel := a.requestContext()
	defer cancel()

	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, vfskit.ErrNotExist
		}
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (a *Adapter) put(key string, content []byte) error {
	ctx, cancel := a.requestContext()
	defer cancel()

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
	})
	return err
}

func (a *Adapter) head(key string) (*s3.HeadObjectOutput, error) {
	ctx, cancel := a.requestContext()
	defer cancel()

	return a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
}

func (a *Adapter) remove(key string) error {
	ctx, cancel := a.requestContext()
	defer cancel()

	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	return err
}

// Delete implements vfskit.DriverMethods. S3 deletes are idempotent, so the
// object is checked first to report missing files.
func (a *Adapter) Delete(name string, _ bool) error {
	key := a.key(name)
	if _, err := a.head(key); err != nil {
		return mapS3Error("delete", name, err)
	}
	if err := a.remove(key); err != nil {
		return mapS3Error("delete", name, err)
	}
	return nil
}

// Access implements vfskit.DriverMethods. Every existing object is
// treated as readable and writable.
func (a *Adapter) Access(name string, _ vfskit.AccessFlag) (bool, error) {
	_, err := a.head(a.key(name))
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, mapS3Error("access", name, err)
}

func (a *Adapter) TempName() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "tmp/vfskit_" + hex.EncodeToString(buf[:]), nil
}

// FullPathname returns the name relative to the bucket prefix, rooted at "/".
func (a *Adapter) FullPathname(name string) (string, error) {
	rel := normalizePath(name)
	if !isValidPath(rel) || len(a.prefix)+len(rel) > maxPathname {
		return "", vfskit.NewPathError("fullpathname", name, vfskit.ErrCantOpen)
	}
	return "/" + rel, nil
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

// isNotFound reports whether err is a missing-object response.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &notFound)
}

// mapS3Error maps S3 errors to vfskit errors
func mapS3Error(op, name string, err error) error {
	if isNotFound(err) {
		return vfskit.NewPathError(op, name, vfskit.ErrNotExist)
	}
	if errors.Is(err, vfskit.ErrNotExist) {
		return vfskit.NewPathError(op, name, err)
	}
	return vfskit.NewPathError(op, name, fmt.Errorf("%w: %w", vfskit.ErrIO, err))
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
// Watcher Implementation (Polling-based)
// ============================================================================

// Watch implements vfskit.CanWatch using a polling approach.
// S3 doesn't have native file system events, so we poll for changes.
// The filter is a glob over names, like "**/*.db" or "data/main.db".
func (a *Adapter) Watch(ctx context.Context, filter string) (vfskit.ChangeToken, error) {
	g, err := glob.Compile(normalizePath(filter), '/')
	if err != nil {
		return nil, vfskit.NewPathError("watch", filter, err)
	}

	// Get initial state of matching objects
	initial, err := a.matchingETags(ctx, g)
	if err != nil {
		return nil, mapS3Error("watch", filter, err)
	}

	token := vfskit.NewPollingChangeToken(ctx, vfskit.PollingConfig{
		Interval: a.pollInterval,
		CheckFunc: func() bool {
			current, err := a.matchingETags(ctx, g)
			if err != nil {
				a.logger.Debug("s3 watch poll failed", "filter", filter, "error", err)
				return false // Can't determine change, don't signal
			}
			return !statesEqual(initial, current)
		},
	})
	return token, nil
}

// matchingETags returns the ETag of every object whose name matches g.
func (a *Adapter) matchingETags(ctx context.Context, g glob.Glob) (map[string]string, error) {
	state := make(map[string]string)

	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			rel := strings.TrimPrefix(*obj.Key, a.prefix)
			if g.Match(rel) {
				state[rel] = aws.ToString(obj.ETag)
			}
		}
	}
	return state, nil
}

// statesEqual checks if two object states are equal
func statesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// ============================================================================
// Open files
// ============================================================================

// file buffers one object. Writes stay local until Sync or Close.
type file struct {
	a    *Adapter
	name string
	key  string
	lock *locktable.Handle

	mu            sync.Mutex
	content       []byte
	dirty         bool
	readOnly      bool
	deleteOnClose bool
}

func (f *file) Close() error {
	defer f.lock.Close()

	if f.deleteOnClose {
		if err := f.a.remove(f.key); err != nil && !isNotFound(err) {
			f.a.logger.Warn("s3 delete-on-close failed", "key", f.key, "error", err)
		}
		return nil
	}
	return f.Sync(vfskit.SyncNormal)
}

func (f *file) ReadAt(p []byte, off int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	if off < int64(len(f.content)) {
		n = copy(p, f.content[off:])
	}
	if n < len(p) {
		clear(p[n:])
		return vfskit.ErrShortRead
	}
	return nil
}

func (f *file) WriteAt(p []byte, off int64) error {
	if f.readOnly {
		return vfskit.NewPathError("write", f.name, vfskit.ErrReadOnly)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if end := off + int64(len(p)); end > int64(len(f.content)) {
		grown := make([]byte, end)
		copy(grown, f.content)
		f.content = grown
	}
	copy(f.content[off:], p)
	f.dirty = true
	return nil
}

func (f *file) Truncate(size int64) error {
	if f.readOnly {
		return vfskit.NewPathError("truncate", f.name, vfskit.ErrReadOnly)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if size <= int64(len(f.content)) {
		f.content = f.content[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, f.content)
		f.content = grown
	}
	f.dirty = true
	return nil
}

// Sync uploads the buffer if it changed since the last flush.
func (f *file) Sync(vfskit.SyncFlag) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.dirty || f.readOnly {
		return nil
	}
	if err := f.a.put(f.key, f.content); err != nil {
		f.a.logger.Error("s3 flush failed", "key", f.key, "size", len(f.content), "error", err)
		return mapS3Error("sync", f.name, err)
	}
	f.dirty = false
	return nil
}

func (f *file) FileSize() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.content)), nil
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

// DeviceCharacteristics reports that a flush replaces the object atomically.
func (f *file) DeviceCharacteristics() vfskit.DeviceCaps {
	return vfskit.IOCapAtomic | vfskit.IOCapSequential
}

func (f *file) LockState() vfskit.LockLevel {
	return vfskit.LockLevel(f.lock.Level())
}

// Ensure Adapter implements interfaces
var (
	_ ObjectAPI                  = (*s3.Client)(nil)
	_ vfskit.DriverMethods       = (*Adapter)(nil)
	_ vfskit.CanWatch            = (*Adapter)(nil)
	_ vfskit.FileMethods         = (*file)(nil)
	_ vfskit.DeviceCharacterizer = (*file)(nil)
	_ vfskit.LockStater          = (*file)(nil)
)
