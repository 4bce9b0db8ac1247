package vfskit

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestOSDriver(t *testing.T) (*Driver, string) {
	t.Helper()
	dir := t.TempDir()
	d := NewOSDriver()
	d.Methods.(*osDriver).SetTempDir(dir)
	return d, dir
}

func TestOSDriverFiles(t *testing.T) {
	d, dir := newTestOSDriver(t)
	name := filepath.Join(dir, "main.db")

	f, out, err := OpenAndAllocate(d, name, OpenReadWrite|OpenCreate|OpenMainDB)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !out.Has(OpenReadWrite) {
		t.Errorf("granted = %#x", out)
	}
	if got := OpenFlag(binary.LittleEndian.Uint32(f.State())); got != out {
		t.Errorf("state flags = %#x, want %#x", got, out)
	}

	if err := f.Write([]byte("page one"), 0); err != nil {
		t.Fatal(err)
	}
	if err := f.Sync(SyncNormal); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 12)
	if err := f.Read(buf, 0); !errors.Is(err, ErrShortRead) {
		t.Fatalf("err = %v, want ErrShortRead", err)
	}
	if !bytes.Equal(buf, append([]byte("page one"), 0, 0, 0, 0)) {
		t.Errorf("buf = %q", buf)
	}

	if err := f.Truncate(4); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.FileSize(); n != 4 {
		t.Errorf("size = %d, want 4", n)
	}
	if f.RawHandle() == 0 {
		t.Error("RawHandle = 0")
	}
	if f.SectorSize() != DefaultSectorSize {
		t.Errorf("sector = %d", f.SectorSize())
	}

	if err := f.Lock(LockShared); err != nil {
		t.Fatal(err)
	}
	if f.LockState() != LockShared {
		t.Errorf("lock state = %v", f.LockState())
	}

	other, _, err := OpenAndAllocate(d, name, OpenReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	_ = other.Lock(LockShared)
	if err := f.Lock(LockExclusive); !errors.Is(err, ErrBusy) {
		t.Errorf("exclusive with a second reader err = %v, want ErrBusy", err)
	}
	_ = CloseAndFree(other)
	if err := f.Lock(LockExclusive); err != nil {
		t.Errorf("exclusive after reader left: %v", err)
	}

	if err := CloseAndFree(f); err != nil {
		t.Fatal(err)
	}

	if ok, _ := d.Access(name, AccessExists); !ok {
		t.Error("file should exist")
	}
	if ok, _ := d.Access(name, AccessReadWrite); !ok {
		t.Error("file should be writable")
	}
	if err := d.Delete(name, true); err != nil {
		t.Fatal(err)
	}
	if err := d.Delete(name, false); !IsNotExist(err) {
		t.Errorf("second delete err = %v, want not exist", err)
	}
	if ok, _ := d.Access(name, AccessExists); ok {
		t.Error("file should be gone")
	}
}

func TestOSDriverOpenErrors(t *testing.T) {
	d, dir := newTestOSDriver(t)

	_, _, err := OpenAndAllocate(d, filepath.Join(dir, "missing.db"), OpenReadWrite)
	if !errors.Is(err, ErrCantOpen) {
		t.Errorf("err = %v, want ErrCantOpen", err)
	}
	if StatusOf(err) != StatusCantOpen {
		t.Errorf("status = %v", StatusOf(err))
	}

	long := filepath.Join(dir, strings.Repeat("x", osMaxPathname))
	if _, err := d.FullPathname(long); !errors.Is(err, ErrCantOpen) {
		t.Errorf("long name err = %v", err)
	}
}

func TestOSDriverReadOnlyFallback(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are ignored for root")
	}
	d, dir := newTestOSDriver(t)
	name := filepath.Join(dir, "ro.db")
	if err := os.WriteFile(name, []byte("data"), 0o444); err != nil {
		t.Fatal(err)
	}

	f, out, err := OpenAndAllocate(d, name, OpenReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	defer CloseAndFree(f)
	if !out.Has(OpenReadOnly) || out.Has(OpenReadWrite) {
		t.Errorf("granted = %#x, want read-only", out)
	}
	if err := f.Write([]byte("x"), 0); !IsReadOnly(err) {
		t.Errorf("write err = %v, want read-only", err)
	}
}

func TestOSDriverTempFiles(t *testing.T) {
	d, dir := newTestOSDriver(t)

	name, err := d.TempName()
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(name) != dir || !strings.HasPrefix(filepath.Base(name), "vfskit_") {
		t.Errorf("TempName = %q", name)
	}

	f, out, err := OpenAndAllocate(d, "", OpenTempJournal)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Has(OpenDeleteOnClose) {
		t.Errorf("granted = %#x, want delete-on-close", out)
	}
	if err := f.Write([]byte("scratch"), 0); err != nil {
		t.Fatal(err)
	}
	_ = CloseAndFree(f)

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("temp file left behind: %v", entries)
	}
}

func TestOSDriverMisc(t *testing.T) {
	d, _ := newTestOSDriver(t)

	buf := make([]byte, 32)
	if n, err := d.Randomness(buf); err != nil || n != 32 {
		t.Errorf("Randomness = %d, %v", n, err)
	}
	if slept := d.Sleep(time.Millisecond); slept < time.Millisecond {
		t.Errorf("slept %v", slept)
	}
	now, err := d.CurrentTime()
	if err != nil {
		t.Fatal(err)
	}
	want := JulianDay(time.Now())
	if now < want-0.001 || now > want+0.001 {
		t.Errorf("CurrentTime = %f, want about %f", now, want)
	}

	if _, err := d.DlOpen(filepath.Join(t.TempDir(), "nope.so")); err == nil {
		t.Error("DlOpen of a missing library succeeded")
	}
	if d.DlError() == "" {
		t.Error("DlError empty after failed DlOpen")
	}
	if _, err := d.DlSym(nil, "Sym"); !errors.Is(err, ErrMisuse) {
		t.Errorf("DlSym(nil) err = %v", err)
	}
}

func TestJulianDay(t *testing.T) {
	if got := JulianDay(time.Unix(0, 0)); got != 2440587.5 {
		t.Errorf("epoch = %f", got)
	}
	if got := JulianDay(time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)); got != 2451545.0 {
		t.Errorf("J2000 = %f", got)
	}
}

func TestOSDriverWatch(t *testing.T) {
	d, dir := newTestOSDriver(t)
	name := filepath.Join(dir, "watched.db")
	if err := os.WriteFile(name, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token, err := d.Watch(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	if !token.ActiveChangeCallbacks() || token.HasChanged() {
		t.Fatal("fresh token should be active and unchanged")
	}

	fired := make(chan struct{})
	token.RegisterChangeCallback(func() { close(fired) })

	if err := os.WriteFile(name, []byte("changed"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}
	if !token.HasChanged() {
		t.Error("HasChanged = false after notification")
	}
}
