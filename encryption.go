package vfskit

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

// EncryptionKeySize is the key length accepted by NewEncryptedDriver (AES-256).
const EncryptionKeySize = 32

// ErrInvalidKey is returned by NewEncryptedDriver for keys of the wrong size.
var ErrInvalidKey = errors.New("encryption key must be 32 bytes")

// EncryptedOption configures NewEncryptedDriver.
type EncryptedOption func(*encryptedDriver)

// WithEncryptedName sets the name of the encrypting driver. Default: base
// name + "+aes".
func WithEncryptedName(name string) EncryptedOption {
	return func(e *encryptedDriver) {
		e.name = name
	}
}

// NewEncryptedDriver returns a driver that stores file contents under base
// encrypted with AES-256 in counter mode.
//
// The cipher is length preserving, so offsets and sizes pass through
// unchanged and any byte range can be read or rewritten on its own. Each
// file's keystream is derived from the key and the file's full pathname.
// Contents are hidden from someone reading the stored bytes once, but
// rewrites of the same offset reuse the keystream and nothing is
// authenticated.
func NewEncryptedDriver(base *Driver, key []byte, opts ...EncryptedOption) (*Driver, error) {
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("%w: %w", ErrMisuse, ErrInvalidKey)
	}

	block, err := aes.NewCipher(deriveKey(key, "vfskit-enc"))
	if err != nil {
		return nil, err
	}
	e := &encryptedDriver{
		base:  base,
		block: block,
		ivKey: deriveKey(key, "vfskit-iv"),
		name:  base.Name + "+aes",
	}
	for _, opt := range opts {
		opt(e)
	}

	return &Driver{
		Name:        e.name,
		Version:     base.Version,
		StateSize:   base.StateSize,
		MaxPathname: base.MaxPathname,
		Methods:     e,
	}, nil
}

func deriveKey(key []byte, label string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

type encryptedDriver struct {
	base  *Driver
	block cipher.Block
	ivKey []byte
	name  string
}

// Unwrap returns the underlying driver
func (e *encryptedDriver) Unwrap() *Driver {
	return e.base
}

// iv returns the initial counter block of the file at full.
func (e *encryptedDriver) iv(full string) []byte {
	mac := hmac.New(sha256.New, e.ivKey)
	mac.Write([]byte(full))
	return mac.Sum(nil)[:aes.BlockSize]
}

func (e *encryptedDriver) Open(name string, state []byte, flags OpenFlag) (FileMethods, OpenFlag, error) {
	if name == "" {
		// Name the temporary file here so its keystream is known.
		tmp, err := e.base.Methods.TempName()
		if err != nil {
			return nil, 0, err
		}
		name = tmp
		flags |= OpenDeleteOnClose | OpenCreate | OpenReadWrite
	}
	full, err := e.base.Methods.FullPathname(name)
	if err != nil {
		return nil, 0, err
	}

	fm, out, err := e.base.Methods.Open(name, state, flags)
	if err != nil {
		return nil, 0, err
	}
	return &encryptedFile{e: e, base: fm, iv: e.iv(full)}, out, nil
}

func (e *encryptedDriver) Delete(name string, syncDir bool) error {
	return e.base.Methods.Delete(name, syncDir)
}

func (e *encryptedDriver) Access(name string, flags AccessFlag) (bool, error) {
	return e.base.Methods.Access(name, flags)
}

func (e *encryptedDriver) TempName() (string, error) {
	return e.base.Methods.TempName()
}

func (e *encryptedDriver) FullPathname(name string) (string, error) {
	return e.base.Methods.FullPathname(name)
}

func (e *encryptedDriver) DlOpen(path string) (LibHandle, error) {
	return e.base.Methods.DlOpen(path)
}

func (e *encryptedDriver) DlError() string {
	return e.base.Methods.DlError()
}

func (e *encryptedDriver) DlSym(h LibHandle, symbol string) (any, error) {
	return e.base.Methods.DlSym(h, symbol)
}

func (e *encryptedDriver) DlClose(h LibHandle) error {
	return e.base.Methods.DlClose(h)
}

func (e *encryptedDriver) Randomness(p []byte) (int, error) {
	return e.base.Methods.Randomness(p)
}

func (e *encryptedDriver) Sleep(d time.Duration) time.Duration {
	return e.base.Methods.Sleep(d)
}

func (e *encryptedDriver) CurrentTime() (float64, error) {
	return e.base.Methods.CurrentTime()
}

func (e *encryptedDriver) Watch(ctx context.Context, name string) (ChangeToken, error) {
	return e.base.Watch(ctx, name)
}

// encryptedFile encrypts on the way down and decrypts on the way up. Gaps
// created by writing past the end are filled with encrypted zeros so they
// read back as zeros.
type encryptedFile struct {
	e    *encryptedDriver
	base FileMethods
	iv   []byte

	mu sync.Mutex // orders size checks with the writes that extend the file
}

// xor applies the keystream for offset off to p in place.
func (f *encryptedFile) xor(p []byte, off int64) {
	if len(p) == 0 {
		return
	}
	counter := make([]byte, aes.BlockSize)
	copy(counter, f.iv)
	// 128-bit big-endian add of the block index, matching how CTR advances.
	idx := uint64(off / aes.BlockSize)
	lo := binary.BigEndian.Uint64(counter[8:])
	hi := binary.BigEndian.Uint64(counter[:8])
	if lo+idx < lo {
		hi++
	}
	binary.BigEndian.PutUint64(counter[:8], hi)
	binary.BigEndian.PutUint64(counter[8:], lo+idx)

	stream := cipher.NewCTR(f.e.block, counter)
	if skip := int(off % aes.BlockSize); skip > 0 {
		var discard [aes.BlockSize]byte
		stream.XORKeyStream(discard[:skip], discard[:skip])
	}
	stream.XORKeyStream(p, p)
}

func (f *encryptedFile) Close() error {
	return f.base.Close()
}

func (f *encryptedFile) ReadAt(p []byte, off int64) error {
	err := f.base.ReadAt(p, off)
	if err == nil {
		f.xor(p, off)
		return nil
	}
	if !errors.Is(err, ErrShortRead) {
		return err
	}

	size, serr := f.base.FileSize()
	if serr != nil {
		return serr
	}
	valid := max(0, min(int64(len(p)), size-off))
	f.xor(p[:valid], off)
	clear(p[valid:])
	return ErrShortRead
}

func (f *encryptedFile) WriteAt(p []byte, off int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	size, err := f.base.FileSize()
	if err != nil {
		return err
	}
	if off > size {
		if err := f.writeZerosLocked(size, off); err != nil {
			return err
		}
	}

	buf := make([]byte, len(p))
	copy(buf, p)
	f.xor(buf, off)
	return f.base.WriteAt(buf, off)
}

// writeZerosLocked stores encrypted zeros over [from, to).
func (f *encryptedFile) writeZerosLocked(from, to int64) error {
	const chunk = 64 * 1024
	for from < to {
		n := min(to-from, chunk)
		buf := make([]byte, n)
		f.xor(buf, from)
		if err := f.base.WriteAt(buf, from); err != nil {
			return err
		}
		from += n
	}
	return nil
}

func (f *encryptedFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, err := f.base.FileSize()
	if err != nil {
		return err
	}
	if size > cur {
		return f.writeZerosLocked(cur, size)
	}
	return f.base.Truncate(size)
}

func (f *encryptedFile) Sync(flags SyncFlag) error {
	return f.base.Sync(flags)
}

func (f *encryptedFile) FileSize() (int64, error) {
	return f.base.FileSize()
}

func (f *encryptedFile) Lock(level LockLevel) error {
	return f.base.Lock(level)
}

func (f *encryptedFile) Unlock(level LockLevel) error {
	return f.base.Unlock(level)
}

func (f *encryptedFile) BreakLock() error {
	return f.base.BreakLock()
}

func (f *encryptedFile) CheckReservedLock() (bool, error) {
	return f.base.CheckReservedLock()
}

func (f *encryptedFile) SectorSize() int {
	if s, ok := f.base.(SectorSizer); ok {
		return s.SectorSize()
	}
	return DefaultSectorSize
}

func (f *encryptedFile) DeviceCharacteristics() DeviceCaps {
	if d, ok := f.base.(DeviceCharacterizer); ok {
		return d.DeviceCharacteristics()
	}
	return 0
}

func (f *encryptedFile) LockState() LockLevel {
	if l, ok := f.base.(LockStater); ok {
		return l.LockState()
	}
	return LockNone
}

// Verify interface compliance at compile time
var (
	_ DriverMethods       = (*encryptedDriver)(nil)
	_ CanWatch            = (*encryptedDriver)(nil)
	_ FileMethods         = (*encryptedFile)(nil)
	_ SectorSizer         = (*encryptedFile)(nil)
	_ DeviceCharacterizer = (*encryptedFile)(nil)
	_ LockStater          = (*encryptedFile)(nil)
)
