// Package metered wraps a vfskit driver and records what passes through it
// in a VictoriaMetrics metrics set.
//
// Every driver and file call increments
//
//	vfskit_calls_total{driver="<name>",op="<op>"}
//
// and failures also increment vfskit_errors_total with the same labels.
// Reads and writes add to vfskit_read_bytes_total and
// vfskit_write_bytes_total and record their latency in the
// vfskit_io_duration_seconds histogram. vfskit_open_files reports the
// number of files currently open through the driver.
package metered

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gobeaver/vfskit"
)

// Meter owns the metrics of one wrapped driver.
type Meter struct {
	base   *vfskit.Driver
	set    *metrics.Set
	label  string
	open   atomic.Int64
	driver *vfskit.Driver
}

// Option configures a Meter.
type Option func(*Meter)

// WithName sets the name of the wrapping driver. Default: base name + "+metered".
func WithName(name string) Option {
	return func(m *Meter) {
		m.driver.Name = name
	}
}

// WithSet records into set instead of a new private set.
func WithSet(set *metrics.Set) Option {
	return func(m *Meter) {
		m.set = set
	}
}

// New wraps base. The returned Meter's Driver has the same state size and
// pathname limit as base.
func New(base *vfskit.Driver, opts ...Option) *Meter {
	m := &Meter{base: base}
	m.driver = &vfskit.Driver{
		Name:        base.Name + "+metered",
		Version:     base.Version,
		StateSize:   base.StateSize,
		MaxPathname: base.MaxPathname,
		Methods:     &meteredDriver{m: m},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.set == nil {
		m.set = metrics.NewSet()
	}
	m.label = base.Name
	m.set.GetOrCreateGauge(fmt.Sprintf(`vfskit_open_files{driver=%q}`, m.label), func() float64 {
		return float64(m.open.Load())
	})
	return m
}

// Driver returns the wrapping driver.
func (m *Meter) Driver() *vfskit.Driver {
	return m.driver
}

// Set returns the metrics set the meter records into.
func (m *Meter) Set() *metrics.Set {
	return m.set
}

// WritePrometheus writes the recorded metrics in Prometheus text format.
func (m *Meter) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// Calls returns how many times op was called.
func (m *Meter) Calls(op string) uint64 {
	return m.set.GetOrCreateCounter(m.name("vfskit_calls_total", op)).Get()
}

// Errors returns how many calls of op failed.
func (m *Meter) Errors(op string) uint64 {
	return m.set.GetOrCreateCounter(m.name("vfskit_errors_total", op)).Get()
}

func (m *Meter) name(metric, op string) string {
	return fmt.Sprintf(`%s{driver=%q,op=%q}`, metric, m.label, op)
}

// record counts one call of op and its error, if any. Short reads are a
// normal outcome and are not counted as errors.
func (m *Meter) record(op string, err error) {
	m.set.GetOrCreateCounter(m.name("vfskit_calls_total", op)).Inc()
	if err != nil && !errors.Is(err, vfskit.ErrShortRead) {
		m.set.GetOrCreateCounter(m.name("vfskit_errors_total", op)).Inc()
	}
}

func (m *Meter) observe(op string, start time.Time) {
	m.set.GetOrCreateHistogram(m.name("vfskit_io_duration_seconds", op)).Update(time.Since(start).Seconds())
}

func (m *Meter) addBytes(metric string, n int) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`%s{driver=%q}`, metric, m.label)).Add(n)
}

type meteredDriver struct {
	m *Meter
}

func (d *meteredDriver) Open(name string, state []byte, flags vfskit.OpenFlag) (vfskit.FileMethods, vfskit.OpenFlag, error) {
	fm, out, err := d.m.base.Methods.Open(name, state, flags)
	d.m.record("open", err)
	if err != nil {
		return nil, 0, err
	}
	d.m.open.Add(1)
	return &meteredFile{m: d.m, base: fm}, out, nil
}

func (d *meteredDriver) Delete(name string, syncDir bool) error {
	err := d.m.base.Methods.Delete(name, syncDir)
	d.m.record("delete", err)
	return err
}

func (d *meteredDriver) Access(name string, flags vfskit.AccessFlag) (bool, error) {
	ok, err := d.m.base.Methods.Access(name, flags)
	d.m.record("access", err)
	return ok, err
}

func (d *meteredDriver) TempName() (string, error) {
	name, err := d.m.base.Methods.TempName()
	d.m.record("tempname", err)
	return name, err
}

func (d *meteredDriver) FullPathname(name string) (string, error) {
	full, err := d.m.base.Methods.FullPathname(name)
	d.m.record("fullpathname", err)
	return full, err
}

func (d *meteredDriver) DlOpen(path string) (vfskit.LibHandle, error) {
	h, err := d.m.base.Methods.DlOpen(path)
	d.m.record("dlopen", err)
	return h, err
}

func (d *meteredDriver) DlError() string {
	return d.m.base.Methods.DlError()
}

func (d *meteredDriver) DlSym(h vfskit.LibHandle, symbol string) (any, error) {
	sym, err := d.m.base.Methods.DlSym(h, symbol)
	d.m.record("dlsym", err)
	return sym, err
}

func (d *meteredDriver) DlClose(h vfskit.LibHandle) error {
	err := d.m.base.Methods.DlClose(h)
	d.m.record("dlclose", err)
	return err
}

func (d *meteredDriver) Randomness(p []byte) (int, error) {
	n, err := d.m.base.Methods.Randomness(p)
	d.m.record("randomness", err)
	return n, err
}

func (d *meteredDriver) Sleep(dur time.Duration) time.Duration {
	d.m.record("sleep", nil)
	return d.m.base.Methods.Sleep(dur)
}

func (d *meteredDriver) CurrentTime() (float64, error) {
	now, err := d.m.base.Methods.CurrentTime()
	d.m.record("currenttime", err)
	return now, err
}

// Watch forwards to the base driver, which reports ErrNotSupported when it
// cannot watch.
func (d *meteredDriver) Watch(ctx context.Context, name string) (vfskit.ChangeToken, error) {
	token, err := d.m.base.Watch(ctx, name)
	d.m.record("watch", err)
	return token, err
}

type meteredFile struct {
	m    *Meter
	base vfskit.FileMethods
}

func (f *meteredFile) Close() error {
	err := f.base.Close()
	f.m.record("close", err)
	f.m.open.Add(-1)
	return err
}

func (f *meteredFile) ReadAt(p []byte, off int64) error {
	start := time.Now()
	err := f.base.ReadAt(p, off)
	f.m.observe("read", start)
	f.m.record("read", err)
	if err == nil {
		f.m.addBytes("vfskit_read_bytes_total", len(p))
	}
	return err
}

func (f *meteredFile) WriteAt(p []byte, off int64) error {
	start := time.Now()
	err := f.base.WriteAt(p, off)
	f.m.observe("write", start)
	f.m.record("write", err)
	if err == nil {
		f.m.addBytes("vfskit_write_bytes_total", len(p))
	}
	return err
}

func (f *meteredFile) Truncate(size int64) error {
	err := f.base.Truncate(size)
	f.m.record("truncate", err)
	return err
}

func (f *meteredFile) Sync(flags vfskit.SyncFlag) error {
	start := time.Now()
	err := f.base.Sync(flags)
	f.m.observe("sync", start)
	f.m.record("sync", err)
	return err
}

func (f *meteredFile) FileSize() (int64, error) {
	size, err := f.base.FileSize()
	f.m.record("filesize", err)
	return size, err
}

func (f *meteredFile) Lock(level vfskit.LockLevel) error {
	err := f.base.Lock(level)
	f.m.record("lock", err)
	return err
}

func (f *meteredFile) Unlock(level vfskit.LockLevel) error {
	err := f.base.Unlock(level)
	f.m.record("unlock", err)
	return err
}

func (f *meteredFile) BreakLock() error {
	err := f.base.BreakLock()
	f.m.record("breaklock", err)
	return err
}

func (f *meteredFile) CheckReservedLock() (bool, error) {
	ok, err := f.base.CheckReservedLock()
	f.m.record("checkreservedlock", err)
	return ok, err
}

func (f *meteredFile) SectorSize() int {
	if s, ok := f.base.(vfskit.SectorSizer); ok {
		return s.SectorSize()
	}
	return vfskit.DefaultSectorSize
}

func (f *meteredFile) DeviceCharacteristics() vfskit.DeviceCaps {
	if d, ok := f.base.(vfskit.DeviceCharacterizer); ok {
		return d.DeviceCharacteristics()
	}
	return 0
}

func (f *meteredFile) RawHandle() uintptr {
	if r, ok := f.base.(vfskit.RawHandler); ok {
		return r.RawHandle()
	}
	return 0
}

func (f *meteredFile) LockState() vfskit.LockLevel {
	if l, ok := f.base.(vfskit.LockStater); ok {
		return l.LockState()
	}
	return vfskit.LockNone
}

var (
	_ vfskit.DriverMethods       = (*meteredDriver)(nil)
	_ vfskit.CanWatch            = (*meteredDriver)(nil)
	_ vfskit.FileMethods         = (*meteredFile)(nil)
	_ vfskit.SectorSizer         = (*meteredFile)(nil)
	_ vfskit.DeviceCharacterizer = (*meteredFile)(nil)
	_ vfskit.RawHandler          = (*meteredFile)(nil)
	_ vfskit.LockStater          = (*meteredFile)(nil)
)
