package vfskit

import (
	"errors"
	"slices"
	"sync"
	"testing"
)

func newTestRegistry(builtin string) *Registry {
	opts := []RegistryOption{WithLogger(quietLogger())}
	if builtin != "" {
		opts = append(opts, WithBuiltin(func() *Driver { return newStubDriver(builtin) }))
	}
	return NewRegistry(opts...)
}

func TestRegistryMemScenario(t *testing.T) {
	r := newTestRegistry("builtin")
	mem := newStubDriver("mem")

	if err := r.Register(mem, true); err != nil {
		t.Fatalf("Register: %v", err)
	}

	d, err := r.Find("")
	if err != nil {
		t.Fatalf("Find(default): %v", err)
	}
	if d != mem {
		t.Fatalf("default = %q, want mem", d.Name)
	}
	if d.RefCount() != 1 {
		t.Errorf("refs = %d, want 1", d.RefCount())
	}
	if d.Mutex() != nil {
		t.Error("mutex allocated with a single reference")
	}

	d2, err := r.Find("mem")
	if err != nil {
		t.Fatalf("Find(mem): %v", err)
	}
	if d2 != mem || mem.RefCount() != 2 {
		t.Errorf("refs = %d, want 2", mem.RefCount())
	}
	if mem.Mutex() == nil {
		t.Error("mutex not allocated at two references")
	}

	if err := r.Release(d); err != nil {
		t.Fatal(err)
	}
	if err := r.Release(d2); err != nil {
		t.Fatal(err)
	}
	if mem.RefCount() != 0 {
		t.Errorf("refs = %d, want 0", mem.RefCount())
	}
	if mem.Mutex() != nil {
		t.Error("mutex not freed at zero references")
	}

	if err := r.Unregister(mem); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Find("mem"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Find after unregister err = %v, want ErrNotFound", err)
	}
	if StatusOf(ErrNotFound) != StatusNotFound {
		t.Errorf("status = %v", StatusOf(ErrNotFound))
	}
}

func TestRegistrySeeding(t *testing.T) {
	t.Run("first find seeds the built-in", func(t *testing.T) {
		r := newTestRegistry("builtin")
		d, err := r.Find("")
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		defer r.Release(d)
		if d.Name != "builtin" {
			t.Errorf("default = %q, want builtin", d.Name)
		}
	})

	t.Run("register before first find keeps both", func(t *testing.T) {
		r := newTestRegistry("builtin")
		if err := r.Register(newStubDriver("early"), false); err != nil {
			t.Fatal(err)
		}
		got := r.Drivers()
		want := []string{"builtin", "early"}
		if !slices.Equal(got, want) {
			t.Errorf("Drivers = %v, want %v", got, want)
		}
	})

	t.Run("seeding happens once", func(t *testing.T) {
		calls := 0
		r := NewRegistry(WithLogger(quietLogger()), WithBuiltin(func() *Driver {
			calls++
			return newStubDriver("builtin")
		}))
		for i := 0; i < 3; i++ {
			d, err := r.Find("builtin")
			if err != nil {
				t.Fatal(err)
			}
			r.Release(d)
		}
		if calls != 1 {
			t.Errorf("builtin constructed %d times, want 1", calls)
		}
	})

	t.Run("no built-in", func(t *testing.T) {
		r := newTestRegistry("")
		if _, err := r.Find(""); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
		if n := len(r.Drivers()); n != 0 {
			t.Errorf("Drivers has %d entries, want 0", n)
		}
	})

	t.Run("unregistering the built-in before any find", func(t *testing.T) {
		calls := 0
		var b *Driver
		r := NewRegistry(WithLogger(quietLogger()), WithBuiltin(func() *Driver {
			calls++
			b = newStubDriver("builtin")
			return b
		}))
		other := newStubDriver("other")
		if err := r.Register(other, false); err != nil {
			t.Fatal(err)
		}
		if err := r.Unregister(b); err != nil {
			t.Fatal(err)
		}
		d, err := r.Find("")
		if err != nil {
			t.Fatal(err)
		}
		defer r.Release(d)
		if d != other {
			t.Errorf("default = %q, want other", d.Name)
		}
		if calls != 1 {
			t.Errorf("builtin constructed %d times, want 1", calls)
		}
	})
}

func TestRegisterOrdering(t *testing.T) {
	t.Run("make default moves old default behind", func(t *testing.T) {
		r := newTestRegistry("builtin")
		a, b := newStubDriver("a"), newStubDriver("b")
		_ = r.Register(a, false)
		_ = r.Register(b, true)

		got := r.Drivers()
		want := []string{"b", "builtin", "a"}
		if !slices.Equal(got, want) {
			t.Errorf("Drivers = %v, want %v", got, want)
		}
		d, _ := r.Find("")
		defer r.Release(d)
		if d != b {
			t.Errorf("default = %q, want b", d.Name)
		}
	})

	t.Run("non-default goes right after the default", func(t *testing.T) {
		r := newTestRegistry("builtin")
		_ = r.Register(newStubDriver("a"), false)
		_ = r.Register(newStubDriver("b"), false)

		got := r.Drivers()
		want := []string{"builtin", "b", "a"}
		if !slices.Equal(got, want) {
			t.Errorf("Drivers = %v, want %v", got, want)
		}
		for _, name := range want {
			d, err := r.Find(name)
			if err != nil {
				t.Errorf("Find(%q): %v", name, err)
				continue
			}
			r.Release(d)
		}
	})

	t.Run("first register into empty registry becomes default", func(t *testing.T) {
		r := newTestRegistry("")
		a := newStubDriver("a")
		_ = r.Register(a, false)
		d, err := r.Find("")
		if err != nil {
			t.Fatal(err)
		}
		defer r.Release(d)
		if d != a {
			t.Errorf("default = %q, want a", d.Name)
		}
	})

	t.Run("re-registration is idempotent", func(t *testing.T) {
		r := newTestRegistry("builtin")
		a := newStubDriver("a")
		_ = r.Register(a, false)
		_ = r.Register(a, false)
		_ = r.Register(a, true)
		_ = r.Register(a, true)

		got := r.Drivers()
		want := []string{"a", "builtin"}
		if !slices.Equal(got, want) {
			t.Errorf("Drivers = %v, want %v", got, want)
		}
	})

	t.Run("demoting the default", func(t *testing.T) {
		r := newTestRegistry("builtin")
		a := newStubDriver("a")
		_ = r.Register(a, true)
		_ = r.Register(a, false)

		got := r.Drivers()
		want := []string{"builtin", "a"}
		if !slices.Equal(got, want) {
			t.Errorf("Drivers = %v, want %v", got, want)
		}
	})

	t.Run("duplicate names resolve to the first in order", func(t *testing.T) {
		r := newTestRegistry("builtin")
		first, second := newStubDriver("dup"), newStubDriver("dup")
		_ = r.Register(first, false)
		_ = r.Register(second, false)

		d, err := r.Find("dup")
		if err != nil {
			t.Fatal(err)
		}
		defer r.Release(d)
		if d != second {
			t.Error("Find returned the later driver in lookup order")
		}
	})
}

func TestRegisterMisuse(t *testing.T) {
	r := newTestRegistry("builtin")

	tests := []struct {
		name string
		d    *Driver
	}{
		{"nil driver", nil},
		{"empty name", &Driver{Methods: newStub()}},
		{"nil methods", &Driver{Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.d, false); !errors.Is(err, ErrMisuse) {
				t.Errorf("err = %v, want ErrMisuse", err)
			}
		})
	}

	t.Run("driver owned by another registry", func(t *testing.T) {
		other := newTestRegistry("")
		d := newStubDriver("shared")
		_ = other.Register(d, false)
		if err := r.Register(d, false); !errors.Is(err, ErrMisuse) {
			t.Errorf("err = %v, want ErrMisuse", err)
		}
	})

	t.Run("unregister nil", func(t *testing.T) {
		if err := r.Unregister(nil); !errors.Is(err, ErrMisuse) {
			t.Errorf("err = %v, want ErrMisuse", err)
		}
	})
}

func TestUnregister(t *testing.T) {
	t.Run("absent driver is a no-op", func(t *testing.T) {
		r := newTestRegistry("builtin")
		a := newStubDriver("a")
		_ = r.Register(a, false)

		if err := r.Unregister(newStubDriver("ghost")); err != nil {
			t.Fatalf("err = %v", err)
		}
		if err := r.Unregister(newStubDriver("ghost")); err != nil {
			t.Fatalf("second err = %v", err)
		}
		for _, name := range []string{"builtin", "a"} {
			d, err := r.Find(name)
			if err != nil {
				t.Errorf("Find(%q) after no-op unregister: %v", name, err)
				continue
			}
			r.Release(d)
		}
	})

	t.Run("unregistering default promotes the next", func(t *testing.T) {
		r := newTestRegistry("builtin")
		a := newStubDriver("a")
		_ = r.Register(a, true)
		_ = r.Unregister(a)

		d, err := r.Find("")
		if err != nil {
			t.Fatal(err)
		}
		defer r.Release(d)
		if d.Name != "builtin" {
			t.Errorf("default = %q, want builtin", d.Name)
		}
	})

	t.Run("references survive unregister", func(t *testing.T) {
		r := newTestRegistry("builtin")
		a := newStubDriver("a")
		_ = r.Register(a, false)

		d, _ := r.Find("a")
		d2, _ := r.Find("a")
		_ = r.Unregister(a)

		if a.RefCount() != 2 || a.Mutex() == nil {
			t.Errorf("refs = %d mutex = %v after unregister", a.RefCount(), a.Mutex())
		}
		r.Release(d)
		r.Release(d2)
		if a.RefCount() != 0 || a.Mutex() != nil {
			t.Errorf("refs = %d mutex = %v after release", a.RefCount(), a.Mutex())
		}
	})
}

func TestReleaseUnderflowPanics(t *testing.T) {
	r := newTestRegistry("builtin")
	d, err := r.Find("")
	if err != nil {
		t.Fatal(err)
	}
	r.Release(d)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on release underflow")
		}
	}()
	r.Release(d)
}

func TestReleaseRoutesToOwner(t *testing.T) {
	owner := newTestRegistry("")
	other := newTestRegistry("")
	a := newStubDriver("a")
	_ = owner.Register(a, false)

	d, _ := owner.Find("a")
	if err := other.Release(d); err != nil {
		t.Fatal(err)
	}
	if a.RefCount() != 0 {
		t.Errorf("refs = %d, want 0", a.RefCount())
	}
}

func TestMutexHysteresis(t *testing.T) {
	r := newTestRegistry("")
	a := newStubDriver("a")
	_ = r.Register(a, false)

	d1, _ := r.Find("a")
	d2, _ := r.Find("a")
	r.Release(d2)

	// Going back to one reference keeps the mutex until the count hits zero.
	if a.RefCount() != 1 || a.Mutex() == nil {
		t.Errorf("refs = %d mutex = %v, want 1 and allocated", a.RefCount(), a.Mutex())
	}
	r.Release(d1)
	if a.Mutex() != nil {
		t.Error("mutex not freed at zero references")
	}
}

func TestRegistryConcurrent(t *testing.T) {
	r := newTestRegistry("builtin")
	a := newStubDriver("a")
	_ = r.Register(a, false)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				d, err := r.Find("a")
				if err != nil {
					t.Errorf("Find: %v", err)
					return
				}
				if d.RefCount() > 1 && d.Mutex() == nil {
					// Another goroutine may release between the two reads;
					// only a missing mutex at a count that is still > 1 matters.
					r.mu.Lock()
					broken := d.refs > 1 && d.mu == nil
					r.mu.Unlock()
					if broken {
						t.Error("mutex missing with several references")
					}
				}
				if j%50 == 0 {
					_ = r.Register(a, j%100 == 0)
				}
				r.Release(d)
			}
		}()
	}
	wg.Wait()

	if a.RefCount() != 0 || a.Mutex() != nil {
		t.Errorf("refs = %d mutex = %v after all releases", a.RefCount(), a.Mutex())
	}
}

func TestReleaseDuringRegister(t *testing.T) {
	r := newTestRegistry("builtin")
	a := newStubDriver("a")
	_ = r.Register(a, false)

	for i := 0; i < 50; i++ {
		d, err := r.Find("a")
		if err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			_ = r.Register(a, true)
		}()
		go func() {
			defer wg.Done()
			_ = r.Release(d)
		}()
		go func() {
			defer wg.Done()
			_ = a.RefCount()
			_ = a.Mutex()
		}()
		wg.Wait()
	}
	if a.RefCount() != 0 {
		t.Errorf("refs = %d, want 0", a.RefCount())
	}
}

func TestUnregisteredDriverMoves(t *testing.T) {
	t.Run("without references", func(t *testing.T) {
		first, second := newTestRegistry(""), newTestRegistry("")
		a := newStubDriver("a")
		_ = first.Register(a, true)
		_ = first.Unregister(a)

		if err := second.Register(a, true); err != nil {
			t.Fatalf("register into second registry: %v", err)
		}
		d, err := second.Find("a")
		if err != nil {
			t.Fatal(err)
		}
		if err := first.Release(d); err != nil {
			t.Fatal(err)
		}
		if a.RefCount() != 0 {
			t.Errorf("refs = %d, want 0", a.RefCount())
		}
	})

	t.Run("after the last reference is released", func(t *testing.T) {
		first, second := newTestRegistry(""), newTestRegistry("")
		a := newStubDriver("a")
		_ = first.Register(a, true)
		d, _ := first.Find("a")
		_ = first.Unregister(a)

		if err := second.Register(a, false); !errors.Is(err, ErrMisuse) {
			t.Errorf("register while referenced err = %v, want ErrMisuse", err)
		}
		_ = second.Release(d)
		if err := second.Register(a, false); err != nil {
			t.Errorf("register after release: %v", err)
		}
	})

	t.Run("re-register keeps the owner", func(t *testing.T) {
		r := newTestRegistry("")
		a := newStubDriver("a")
		_ = r.Register(a, false)
		d, _ := r.Find("a")
		_ = r.Register(a, true)
		_ = r.Release(d)
		if got, err := r.Find("a"); err != nil || got != a {
			t.Errorf("Find after re-register = %v, %v", got, err)
		} else {
			_ = r.Release(got)
		}
	})
}

func TestDefaultRegistry(t *testing.T) {
	d, err := Find("os")
	if err != nil {
		t.Fatalf("Find(os): %v", err)
	}
	defer Release(d)
	if d.Name != "os" {
		t.Errorf("name = %q", d.Name)
	}
	if !slices.Contains(Drivers(), "os") {
		t.Errorf("Drivers = %v, want os listed", Drivers())
	}
	if DefaultRegistry() != defaultRegistry {
		t.Error("DefaultRegistry mismatch")
	}
}
