package locktable

import (
	"errors"
	"sync"
	"testing"
)

func TestSharedLocks(t *testing.T) {
	t.Run("many readers coexist", func(t *testing.T) {
		tbl := New()
		a, b := tbl.Open("db"), tbl.Open("db")

		if err := a.Lock(Shared); err != nil {
			t.Fatalf("a shared: %v", err)
		}
		if err := b.Lock(Shared); err != nil {
			t.Fatalf("b shared: %v", err)
		}
		if a.Level() != Shared || b.Level() != Shared {
			t.Errorf("levels = %v/%v, want shared/shared", a.Level(), b.Level())
		}
	})

	t.Run("lock at current level is a no-op", func(t *testing.T) {
		tbl := New()
		a := tbl.Open("db")
		if err := a.Lock(Shared); err != nil {
			t.Fatal(err)
		}
		if err := a.Lock(Shared); err != nil {
			t.Errorf("repeat shared: %v", err)
		}
		if err := a.Lock(None); err != nil {
			t.Errorf("lower request: %v", err)
		}
	})

	t.Run("reserved requires shared first", func(t *testing.T) {
		tbl := New()
		a := tbl.Open("db")
		if err := a.Lock(Reserved); !errors.Is(err, ErrOrder) {
			t.Errorf("err = %v, want ErrOrder", err)
		}
	})
}

func TestWriterLocks(t *testing.T) {
	t.Run("single reserved holder", func(t *testing.T) {
		tbl := New()
		a, b := tbl.Open("db"), tbl.Open("db")
		_ = a.Lock(Shared)
		_ = b.Lock(Shared)

		if err := a.Lock(Reserved); err != nil {
			t.Fatalf("a reserved: %v", err)
		}
		if err := b.Lock(Reserved); !errors.Is(err, ErrBusy) {
			t.Errorf("b reserved err = %v, want ErrBusy", err)
		}
		if !b.Reserved() {
			t.Error("b should observe reserved lock")
		}
	})

	t.Run("exclusive waits for readers at pending", func(t *testing.T) {
		tbl := New()
		a, b := tbl.Open("db"), tbl.Open("db")
		_ = a.Lock(Shared)
		_ = b.Lock(Shared)

		if err := a.Lock(Exclusive); !errors.Is(err, ErrBusy) {
			t.Fatalf("a exclusive err = %v, want ErrBusy", err)
		}
		if a.Level() != Pending {
			t.Errorf("a level = %v, want pending", a.Level())
		}

		c := tbl.Open("db")
		if err := c.Lock(Shared); !errors.Is(err, ErrBusy) {
			t.Errorf("new reader err = %v, want ErrBusy while pending", err)
		}

		if err := b.Unlock(None); err != nil {
			t.Fatal(err)
		}
		if err := a.Lock(Exclusive); err != nil {
			t.Fatalf("a exclusive after reader left: %v", err)
		}
		if a.Level() != Exclusive {
			t.Errorf("a level = %v, want exclusive", a.Level())
		}
	})

	t.Run("unlock to shared drops writer", func(t *testing.T) {
		tbl := New()
		a, b := tbl.Open("db"), tbl.Open("db")
		_ = a.Lock(Shared)
		_ = a.Lock(Exclusive)
		if err := a.Unlock(Shared); err != nil {
			t.Fatal(err)
		}
		if a.Reserved() {
			t.Error("reserved should be clear after unlock to shared")
		}
		if err := b.Lock(Shared); err != nil {
			t.Errorf("b shared: %v", err)
		}
	})

	t.Run("unlock above shared rejected", func(t *testing.T) {
		tbl := New()
		a := tbl.Open("db")
		if err := a.Unlock(Reserved); !errors.Is(err, ErrOrder) {
			t.Errorf("err = %v, want ErrOrder", err)
		}
	})

	t.Run("break demotes writer", func(t *testing.T) {
		tbl := New()
		a, b := tbl.Open("db"), tbl.Open("db")
		_ = a.Lock(Shared)
		_ = a.Lock(Reserved)
		_ = b.Lock(Shared)

		b.Break()
		if a.Level() != Shared {
			t.Errorf("a level = %v, want shared", a.Level())
		}
		if err := b.Lock(Reserved); err != nil {
			t.Errorf("b reserved after break: %v", err)
		}
	})
}

func TestKeysAreIndependent(t *testing.T) {
	tbl := New()
	a, b := tbl.Open("main.db"), tbl.Open("main.db-journal")
	_ = a.Lock(Shared)
	_ = b.Lock(Shared)
	if err := a.Lock(Exclusive); err != nil {
		t.Errorf("a exclusive: %v", err)
	}
	if err := b.Lock(Exclusive); err != nil {
		t.Errorf("b exclusive: %v", err)
	}
}

func TestClose(t *testing.T) {
	tbl := New()
	a, b := tbl.Open("db"), tbl.Open("db")
	_ = a.Lock(Shared)
	_ = a.Lock(Exclusive)

	a.Close()
	a.Close()
	if tbl.Len() != 1 {
		t.Errorf("Len = %d, want 1 while b is open", tbl.Len())
	}
	if err := b.Lock(Shared); err != nil {
		t.Fatalf("b shared after a closed: %v", err)
	}
	if err := b.Lock(Exclusive); err != nil {
		t.Errorf("b exclusive after a closed: %v", err)
	}
	if err := a.Lock(Shared); !errors.Is(err, ErrClosed) {
		t.Errorf("lock on closed handle err = %v, want ErrClosed", err)
	}

	b.Close()
	if tbl.Len() != 0 {
		t.Errorf("Len = %d, want 0", tbl.Len())
	}
}

func TestConcurrentReaders(t *testing.T) {
	tbl := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := tbl.Open("db")
			defer h.Close()
			if err := h.Lock(Shared); err != nil {
				t.Errorf("shared: %v", err)
			}
		}()
	}
	wg.Wait()
	if tbl.Len() != 0 {
		t.Errorf("Len = %d, want 0", tbl.Len())
	}
}
