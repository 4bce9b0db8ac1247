package vfskit

import (
	"errors"
	"slices"
	"testing"
)

func TestMountManager(t *testing.T) {
	t.Run("mount and unmount", func(t *testing.T) {
		m := NewMountManager()
		a := newStubDriver("a")
		if err := m.Mount("/a", a); err != nil {
			t.Fatal(err)
		}
		if err := m.Mount("a/", a); !errors.Is(err, ErrMountExists) {
			t.Errorf("duplicate mount err = %v", err)
		}
		if err := m.Mount("/b", nil); !errors.Is(err, ErrNilDriver) {
			t.Errorf("nil mount err = %v", err)
		}
		if err := m.Mount("", a); !errors.Is(err, ErrEmptyMountPath) {
			t.Errorf("empty mount err = %v", err)
		}
		if got, _ := m.GetMount("/a"); got != a {
			t.Error("GetMount returned the wrong driver")
		}
		if err := m.Unmount("/a"); err != nil {
			t.Fatal(err)
		}
		if err := m.Unmount("/a"); !errors.Is(err, ErrMountNotFound) {
			t.Errorf("second unmount err = %v", err)
		}
	})

	t.Run("longest prefix wins", func(t *testing.T) {
		m := NewMountManager()
		root, data, archive := newStubDriver("root"), newStubDriver("data"), newStubDriver("archive")
		_ = m.Mount("/", root)
		_ = m.Mount("/data", data)
		_ = m.Mount("/data/archive", archive, WithMountRoot("cold"))

		tests := []struct {
			path string
			want *Driver
			rel  string
		}{
			{"/x.db", root, "x.db"},
			{"/data/x.db", data, "x.db"},
			{"/database.db", root, "database.db"},
			{"/data/archive/2024/x.db", archive, "cold/2024/x.db"},
		}
		for _, tt := range tests {
			d, rel, err := m.resolve(tt.path)
			if err != nil {
				t.Errorf("resolve(%q): %v", tt.path, err)
				continue
			}
			if d != tt.want || rel != tt.rel {
				t.Errorf("resolve(%q) = %s %q, want %s %q", tt.path, d, rel, tt.want, tt.rel)
			}
		}

		want := []string{"/data/archive", "/data", "/"}
		if got := m.MountPaths(); !slices.Equal(got, want) {
			t.Errorf("MountPaths = %v, want %v", got, want)
		}
	})

	t.Run("no mount", func(t *testing.T) {
		m := NewMountManager()
		_ = m.Mount("/data", newStubDriver("data"))
		if _, _, err := m.resolve("/other/x.db"); !errors.Is(err, ErrMountNotFound) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestMountDriver(t *testing.T) {
	m := NewMountManager()
	rootStub, dataStub := newStub(), newStub()
	_ = m.Mount("/", &Driver{Name: "root", StateSize: 8, Methods: rootStub})
	_ = m.Mount("/data", &Driver{Name: "data", StateSize: 4, Methods: dataStub})
	d := m.Driver("mount")

	f, _, err := OpenAndAllocate(d, "/data/main.db", OpenReadWrite|OpenCreate)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Write([]byte("routed"), 0); err != nil {
		t.Fatal(err)
	}
	_ = CloseAndFree(f)

	if _, ok := dataStub.files["main.db"]; !ok {
		t.Error("file not created on the data mount")
	}
	if len(rootStub.files) != 0 {
		t.Error("file leaked onto the root mount")
	}

	if ok, _ := d.Access("/data/main.db", AccessExists); !ok {
		t.Error("Access through the mount failed")
	}
	full, err := d.FullPathname("data//main.db")
	if err != nil || full != "/data/main.db" {
		t.Errorf("FullPathname = %q, %v", full, err)
	}

	name, err := d.TempName()
	if err != nil {
		t.Fatal(err)
	}
	if name[:8] != "/vfskit_" {
		t.Errorf("TempName = %q", name)
	}

	if err := d.Delete("/data/main.db", false); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Watch(t.Context(), "/data/x"); err != nil {
		t.Errorf("Watch: %v", err)
	}

	t.Run("copy across mounts", func(t *testing.T) {
		src, _, _ := OpenAndAllocate(d, "/src.db", OpenReadWrite|OpenCreate)
		_ = src.Write([]byte("copy me"), 0)
		_ = CloseAndFree(src)

		if err := m.Copy("/src.db", "/data/dst.db"); err != nil {
			t.Fatal(err)
		}
		dst, _, err := OpenAndAllocate(d, "/data/dst.db", OpenReadOnly)
		if err != nil {
			t.Fatal(err)
		}
		defer CloseAndFree(dst)
		buf := make([]byte, 7)
		if err := dst.Read(buf, 0); err != nil || string(buf) != "copy me" {
			t.Errorf("copied %q, %v", buf, err)
		}
	})

	t.Run("pathless operations need a root mount", func(t *testing.T) {
		bare := NewMountManager().Driver("bare")
		if _, err := bare.Randomness(make([]byte, 4)); !errors.Is(err, ErrMountNotFound) {
			t.Errorf("err = %v", err)
		}
	})
}
