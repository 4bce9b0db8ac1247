package vfskit

import (
	"sync"
	"sync/atomic"
)

// Allocator provides the storage for a File's driver-private block.
type Allocator interface {
	// Alloc returns a zeroed block of n bytes, or ErrNoMem.
	Alloc(n int) ([]byte, error)
	// Free returns a block obtained from Alloc.
	Free(b []byte)
}

// HeapAllocator allocates blocks on the Go heap and never fails.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(n int) ([]byte, error) {
	return make([]byte, n), nil
}

func (HeapAllocator) Free([]byte) {}

// BudgetAllocator allocates from the heap but refuses requests that would
// take the total outstanding size above a fixed limit.
type BudgetAllocator struct {
	mu    sync.Mutex
	limit int64
	used  int64
}

// NewBudgetAllocator returns an allocator that hands out at most limit bytes
// at any one time.
func NewBudgetAllocator(limit int64) *BudgetAllocator {
	return &BudgetAllocator{limit: limit}
}

func (a *BudgetAllocator) Alloc(n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.used+int64(n) > a.limit {
		return nil, ErrNoMem
	}
	a.used += int64(n)
	return make([]byte, n), nil
}

func (a *BudgetAllocator) Free(b []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used -= int64(cap(b))
}

// Used returns the number of bytes currently handed out.
func (a *BudgetAllocator) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

var defaultAllocator atomic.Pointer[allocatorBox]

type allocatorBox struct {
	a Allocator
}

// SetDefaultAllocator changes the allocator OpenAndAllocate uses when no
// WithAllocator option is given. A nil allocator restores HeapAllocator.
func SetDefaultAllocator(a Allocator) {
	if a == nil {
		defaultAllocator.Store(nil)
		return
	}
	defaultAllocator.Store(&allocatorBox{a: a})
}

func currentAllocator() Allocator {
	if b := defaultAllocator.Load(); b != nil {
		return b.a
	}
	return HeapAllocator{}
}

type allocOptions struct {
	alloc Allocator
}

// AllocOption configures OpenAndAllocate.
type AllocOption func(*allocOptions)

// WithAllocator makes OpenAndAllocate take the file's storage from a.
func WithAllocator(a Allocator) AllocOption {
	return func(o *allocOptions) {
		o.alloc = a
	}
}

// OpenAndAllocate allocates a File sized for d and opens name into it. When
// the storage cannot be obtained it returns ErrNoMem. When the driver fails
// to open the file the storage is released and the driver's error is
// returned unchanged; no File is returned in either case.
//
// A File obtained here must be released with CloseAndFree.
func OpenAndAllocate(d *Driver, name string, flags OpenFlag, opts ...AllocOption) (*File, OpenFlag, error) {
	o := allocOptions{alloc: currentAllocator()}
	for _, opt := range opts {
		opt(&o)
	}

	state, err := o.alloc.Alloc(d.StateSize)
	if err != nil || (state == nil && d.StateSize > 0) {
		return nil, 0, ErrNoMem
	}

	f := &File{state: state, alloc: o.alloc}
	out, err := d.Open(name, f, flags)
	if err != nil {
		o.alloc.Free(state)
		return nil, out, err
	}
	return f, out, nil
}

// CloseAndFree closes f if it is still open and releases its storage.
// A nil f is ignored. The close error, if any, is returned after the
// storage has been released.
func CloseAndFree(f *File) error {
	if f == nil {
		return nil
	}
	err := f.Close()
	if f.alloc != nil {
		f.alloc.Free(f.state)
		f.alloc = nil
	}
	f.state = nil
	return err
}
