package vfskit

import (
	"bytes"
	"errors"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, EncryptionKeySize)
}

func newEncryptedStub(t *testing.T) (*Driver, *stubDriver) {
	t.Helper()
	base := newStubDriver("stub")
	d, err := NewEncryptedDriver(base, testKey())
	if err != nil {
		t.Fatal(err)
	}
	return d, base.Methods.(*stubDriver)
}

func TestNewEncryptedDriver(t *testing.T) {
	t.Run("rejects short keys", func(t *testing.T) {
		_, err := NewEncryptedDriver(newStubDriver("stub"), []byte("short"))
		if !errors.Is(err, ErrInvalidKey) || !errors.Is(err, ErrMisuse) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("mirrors the base driver", func(t *testing.T) {
		d, _ := newEncryptedStub(t)
		if d.Name != "stub+aes" || d.StateSize != 8 {
			t.Errorf("name=%q state=%d", d.Name, d.StateSize)
		}
		named, err := NewEncryptedDriver(newStubDriver("stub"), testKey(), WithEncryptedName("secret"))
		if err != nil || named.Name != "secret" {
			t.Errorf("named = %v, %v", named, err)
		}
	})
}

func TestEncryptedRoundTrip(t *testing.T) {
	d, stub := newEncryptedStub(t)
	f, _, err := OpenAndAllocate(d, "a.db", OpenReadWrite|OpenCreate)
	if err != nil {
		t.Fatal(err)
	}
	defer CloseAndFree(f)

	plain := []byte("the quick brown fox jumps over the lazy dog")
	if err := f.Write(plain, 0); err != nil {
		t.Fatal(err)
	}
	if stored := stub.files["a.db"].b; bytes.Equal(stored, plain) || len(stored) != len(plain) {
		t.Errorf("stored bytes = %q", stored)
	}

	got := make([]byte, len(plain))
	if err := f.Read(got, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("read %q", got)
	}

	t.Run("unaligned ranges", func(t *testing.T) {
		if err := f.Write([]byte("QUICK"), 4); err != nil {
			t.Fatal(err)
		}
		part := make([]byte, 13)
		if err := f.Read(part, 4); err != nil {
			t.Fatal(err)
		}
		if string(part) != "QUICK brown f" {
			t.Errorf("read %q", part)
		}
	})

	t.Run("short read", func(t *testing.T) {
		buf := bytes.Repeat([]byte{0xFF}, 8)
		err := f.Read(buf, int64(len(plain))-3)
		if !errors.Is(err, ErrShortRead) {
			t.Fatalf("err = %v", err)
		}
		if want := []byte("dog\x00\x00\x00\x00\x00"); !bytes.Equal(buf, want) {
			t.Errorf("buf = %q, want %q", buf, want)
		}
	})
}

func TestEncryptedGaps(t *testing.T) {
	d, _ := newEncryptedStub(t)
	f, _, err := OpenAndAllocate(d, "a.db", OpenReadWrite|OpenCreate)
	if err != nil {
		t.Fatal(err)
	}
	defer CloseAndFree(f)

	if err := f.Write([]byte("end"), 100); err != nil {
		t.Fatal(err)
	}
	gap := make([]byte, 100)
	if err := f.Read(gap, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gap, make([]byte, 100)) {
		t.Error("gap did not read back as zeros")
	}

	if err := f.Truncate(200); err != nil {
		t.Fatal(err)
	}
	if size, _ := f.FileSize(); size != 200 {
		t.Errorf("size = %d", size)
	}
	tail := make([]byte, 97)
	if err := f.Read(tail, 103); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tail, make([]byte, 97)) {
		t.Error("extended region did not read back as zeros")
	}
}

func TestEncryptedKeystreamPerFile(t *testing.T) {
	d, stub := newEncryptedStub(t)
	for _, name := range []string{"a.db", "b.db"} {
		f, _, err := OpenAndAllocate(d, name, OpenReadWrite|OpenCreate)
		if err != nil {
			t.Fatal(err)
		}
		_ = f.Write([]byte("same plaintext"), 0)
		_ = CloseAndFree(f)
	}
	if bytes.Equal(stub.files["a.db"].b, stub.files["b.db"].b) {
		t.Error("two files share a keystream")
	}

	// A different key cannot read the contents back.
	other, err := NewEncryptedDriver(&Driver{Name: "stub", Methods: stub}, bytes.Repeat([]byte{1}, EncryptionKeySize))
	if err != nil {
		t.Fatal(err)
	}
	f, _, err := OpenAndAllocate(other, "a.db", OpenReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer CloseAndFree(f)
	buf := make([]byte, 14)
	_ = f.Read(buf, 0)
	if string(buf) == "same plaintext" {
		t.Error("wrong key decrypted the file")
	}
}

func TestEncryptedTempFile(t *testing.T) {
	d, stub := newEncryptedStub(t)
	f, out, err := OpenAndAllocate(d, "", OpenTempJournal)
	if err != nil {
		t.Fatal(err)
	}
	defer CloseAndFree(f)
	if !out.Has(OpenDeleteOnClose | OpenReadWrite) {
		t.Errorf("flags = %#x", out)
	}
	if _, ok := stub.files["stub-temp"]; !ok {
		t.Error("temp file not created under the base driver's temp name")
	}
}
