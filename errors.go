package vfskit

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/gobeaver/vfskit/internal/locktable"
)

// Common errors returned by the core and by drivers.
var (
	ErrIO           = errors.New("disk I/O error")
	ErrShortRead    = errors.New("short read")
	ErrNoMem        = errors.New("out of memory")
	ErrPermission   = errors.New("permission denied")
	ErrBusy         = locktable.ErrBusy
	ErrLocked       = errors.New("database table is locked")
	ErrReadOnly     = errors.New("attempt to write a readonly file")
	ErrInterrupted  = errors.New("interrupted")
	ErrMisuse       = errors.New("library routine called out of sequence")
	ErrNotFound     = errors.New("no such driver")
	ErrCantOpen     = errors.New("unable to open file")
	ErrFull         = errors.New("storage is full")
	ErrNotExist     = errors.New("file does not exist")
	ErrNotSupported = errors.New("operation not supported")
)

// Status is the integer result domain used by engines that speak in result
// codes rather than Go errors. Zero means success.
type Status int

const (
	StatusOK        Status = 0
	StatusError     Status = 1
	StatusPerm      Status = 3
	StatusBusy      Status = 5
	StatusLocked    Status = 6
	StatusNoMem     Status = 7
	StatusReadOnly  Status = 8
	StatusInterrupt Status = 9
	StatusIOErr     Status = 10
	StatusNotFound  Status = 12
	StatusFull      Status = 13
	StatusCantOpen  Status = 14
	StatusMisuse    Status = 21
)

var statusNames = map[Status]string{
	StatusOK:        "ok",
	StatusError:     "error",
	StatusPerm:      "permission denied",
	StatusBusy:      "busy",
	StatusLocked:    "locked",
	StatusNoMem:     "no memory",
	StatusReadOnly:  "read only",
	StatusInterrupt: "interrupted",
	StatusIOErr:     "I/O error",
	StatusNotFound:  "not found",
	StatusFull:      "full",
	StatusCantOpen:  "cannot open",
	StatusMisuse:    "misuse",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// statusTable is checked in order; the first sentinel matched by errors.Is wins.
var statusTable = []struct {
	err    error
	status Status
}{
	{ErrShortRead, StatusIOErr},
	{ErrIO, StatusIOErr},
	{ErrNoMem, StatusNoMem},
	{ErrPermission, StatusPerm},
	{ErrBusy, StatusBusy},
	{ErrLocked, StatusLocked},
	{ErrReadOnly, StatusReadOnly},
	{ErrInterrupted, StatusInterrupt},
	{ErrMisuse, StatusMisuse},
	{locktable.ErrOrder, StatusMisuse},
	{locktable.ErrClosed, StatusMisuse},
	{ErrNotFound, StatusNotFound},
	{ErrCantOpen, StatusCantOpen},
	{ErrNotExist, StatusCantOpen},
	{ErrFull, StatusFull},
}

// StatusOf maps err onto the integer result domain. A nil error is
// StatusOK; an error matching none of the package sentinels is StatusError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return StatusError
}

// PathError records an error and the operation and file path that caused it
type PathError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface
func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *PathError) Unwrap() error {
	return e.Err
}

// NewPathError wraps err with the operation and path that produced it.
func NewPathError(op, path string, err error) error {
	return &PathError{Op: op, Path: path, Err: err}
}

// IsNotExist reports whether an error indicates that a file does not exist.
// Errors from the os package that wrap fs.ErrNotExist count too.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist) || errors.Is(err, fs.ErrNotExist)
}

// IsBusy reports whether an error indicates a lock could not be obtained
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsReadOnly reports whether an error indicates a write to a read-only file
func IsReadOnly(err error) bool {
	return errors.Is(err, ErrReadOnly)
}

// IsPermission reports whether an error indicates that permission is denied
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission)
}
