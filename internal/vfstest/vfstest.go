// Package vfstest holds the behavior every vfskit driver is expected to
// share, as a test suite drivers run against themselves.
package vfstest

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gobeaver/vfskit"
)

// Options tunes the suite for drivers that cannot do everything.
type Options struct {
	// NewName returns a fresh file name in the driver's namespace.
	NewName func(t *testing.T) string
	// SkipLocking skips the lock compatibility checks.
	SkipLocking bool
	// SkipTemp skips opening an anonymous temporary file.
	SkipTemp bool
}

// Run exercises d through the vfskit dispatch layer.
func Run(t *testing.T, d *vfskit.Driver, opts Options) {
	t.Helper()

	t.Run("open missing without create", func(t *testing.T) {
		name := opts.NewName(t)
		f, _, err := vfskit.OpenAndAllocate(d, name, vfskit.OpenReadWrite)
		if err == nil {
			vfskit.CloseAndFree(f)
			t.Fatal("opening a missing file without OpenCreate succeeded")
		}
		if f != nil {
			t.Error("file returned on failure")
		}
	})

	t.Run("write read and size", func(t *testing.T) {
		name := opts.NewName(t)
		f := open(t, d, name, vfskit.OpenReadWrite|vfskit.OpenCreate|vfskit.OpenMainDB)
		defer vfskit.CloseAndFree(f)

		if len(f.State()) != d.StateSize {
			t.Errorf("state length = %d, want %d", len(f.State()), d.StateSize)
		}

		page := bytes.Repeat([]byte{0xAB}, 1024)
		if err := f.Write(page, 0); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := f.Write([]byte("tail"), 2048); err != nil {
			t.Fatalf("write past end: %v", err)
		}
		if err := f.Sync(vfskit.SyncNormal); err != nil {
			t.Fatalf("sync: %v", err)
		}

		size, err := f.FileSize()
		if err != nil {
			t.Fatal(err)
		}
		if size != 2052 {
			t.Errorf("size = %d, want 2052", size)
		}

		got := make([]byte, 1024)
		if err := f.Read(got, 0); err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, page) {
			t.Error("read back different bytes")
		}

		gap := make([]byte, 8)
		if err := f.Read(gap, 1500); err != nil {
			t.Fatalf("read gap: %v", err)
		}
		if !bytes.Equal(gap, make([]byte, 8)) {
			t.Errorf("gap = %v, want zeros", gap)
		}
	})

	t.Run("short read zero fills", func(t *testing.T) {
		name := opts.NewName(t)
		f := open(t, d, name, vfskit.OpenReadWrite|vfskit.OpenCreate)
		defer vfskit.CloseAndFree(f)

		if err := f.Write([]byte("abc"), 0); err != nil {
			t.Fatal(err)
		}
		buf := bytes.Repeat([]byte{0xFF}, 6)
		err := f.Read(buf, 1)
		if !errors.Is(err, vfskit.ErrShortRead) {
			t.Fatalf("err = %v, want ErrShortRead", err)
		}
		if want := []byte{'b', 'c', 0, 0, 0, 0}; !bytes.Equal(buf, want) {
			t.Errorf("buf = %v, want %v", buf, want)
		}
	})

	t.Run("truncate", func(t *testing.T) {
		name := opts.NewName(t)
		f := open(t, d, name, vfskit.OpenReadWrite|vfskit.OpenCreate)
		defer vfskit.CloseAndFree(f)

		if err := f.Write([]byte("0123456789"), 0); err != nil {
			t.Fatal(err)
		}
		if err := f.Truncate(4); err != nil {
			t.Fatal(err)
		}
		if size, _ := f.FileSize(); size != 4 {
			t.Errorf("size = %d, want 4", size)
		}
	})

	t.Run("reopen sees data", func(t *testing.T) {
		name := opts.NewName(t)
		f := open(t, d, name, vfskit.OpenReadWrite|vfskit.OpenCreate)
		if err := f.Write([]byte("persist"), 0); err != nil {
			t.Fatal(err)
		}
		if err := vfskit.CloseAndFree(f); err != nil {
			t.Fatal(err)
		}

		g := open(t, d, name, vfskit.OpenReadOnly)
		defer vfskit.CloseAndFree(g)
		buf := make([]byte, 7)
		if err := g.Read(buf, 0); err != nil || string(buf) != "persist" {
			t.Errorf("read %q, %v", buf, err)
		}
	})

	t.Run("double close", func(t *testing.T) {
		f := open(t, d, opts.NewName(t), vfskit.OpenReadWrite|vfskit.OpenCreate)
		if err := f.Close(); err != nil {
			t.Fatal(err)
		}
		if err := f.Close(); err != nil {
			t.Errorf("second close: %v", err)
		}
		_ = vfskit.CloseAndFree(f)
	})

	if !opts.SkipLocking {
		t.Run("locking", func(t *testing.T) {
			name := opts.NewName(t)
			a := open(t, d, name, vfskit.OpenReadWrite|vfskit.OpenCreate)
			defer vfskit.CloseAndFree(a)
			b := open(t, d, name, vfskit.OpenReadWrite)
			defer vfskit.CloseAndFree(b)

			if err := a.Lock(vfskit.LockShared); err != nil {
				t.Fatal(err)
			}
			if err := b.Lock(vfskit.LockShared); err != nil {
				t.Fatal(err)
			}
			if err := a.Lock(vfskit.LockReserved); err != nil {
				t.Fatal(err)
			}
			if ok, _ := b.CheckReservedLock(); !ok {
				t.Error("reserved lock not visible to the second handle")
			}
			if err := b.Lock(vfskit.LockReserved); !vfskit.IsBusy(err) {
				t.Errorf("second reserved err = %v, want busy", err)
			}
			if err := a.Lock(vfskit.LockExclusive); !vfskit.IsBusy(err) {
				t.Errorf("exclusive with a reader err = %v, want busy", err)
			}
			if err := b.Unlock(vfskit.LockNone); err != nil {
				t.Fatal(err)
			}
			if err := a.Lock(vfskit.LockExclusive); err != nil {
				t.Errorf("exclusive after reader left: %v", err)
			}
			if err := a.Unlock(vfskit.LockShared); err != nil {
				t.Fatal(err)
			}
			if ok, _ := b.CheckReservedLock(); ok {
				t.Error("reserved lock still visible after unlock")
			}
		})
	}

	t.Run("access and delete", func(t *testing.T) {
		name := opts.NewName(t)
		if ok, err := d.Access(name, vfskit.AccessExists); err != nil || ok {
			t.Fatalf("Access before create = %v, %v", ok, err)
		}
		f := open(t, d, name, vfskit.OpenReadWrite|vfskit.OpenCreate)
		_ = vfskit.CloseAndFree(f)

		if ok, _ := d.Access(name, vfskit.AccessExists); !ok {
			t.Error("file missing after create")
		}
		if err := d.Delete(name, false); err != nil {
			t.Fatal(err)
		}
		if ok, _ := d.Access(name, vfskit.AccessExists); ok {
			t.Error("file still present after delete")
		}
		if err := d.Delete(name, false); !vfskit.IsNotExist(err) {
			t.Errorf("second delete err = %v, want not exist", err)
		}
	})

	if !opts.SkipTemp {
		t.Run("anonymous temp file", func(t *testing.T) {
			f := open(t, d, "", vfskit.OpenTempJournal)
			if err := f.Write([]byte("scratch"), 0); err != nil {
				t.Fatal(err)
			}
			if err := vfskit.CloseAndFree(f); err != nil {
				t.Fatal(err)
			}
		})
	}

	t.Run("environment", func(t *testing.T) {
		buf := make([]byte, 16)
		if n, err := d.Randomness(buf); err != nil || n != len(buf) {
			t.Errorf("Randomness = %d, %v", n, err)
		}
		if now, err := d.CurrentTime(); err != nil || now < 2440587.5 {
			t.Errorf("CurrentTime = %f, %v", now, err)
		}
		if _, err := d.TempName(); err != nil {
			t.Errorf("TempName: %v", err)
		}
	})
}

func open(t *testing.T, d *vfskit.Driver, name string, flags vfskit.OpenFlag) *vfskit.File {
	t.Helper()
	f, _, err := vfskit.OpenAndAllocate(d, name, flags)
	if err != nil {
		t.Fatalf("open %q: %v", name, err)
	}
	return f
}
