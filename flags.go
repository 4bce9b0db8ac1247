package vfskit

import "github.com/gobeaver/vfskit/internal/locktable"

// OpenFlag describes how a file is opened and what it is used for.
type OpenFlag uint32

const (
	OpenReadOnly      OpenFlag = 0x00000001
	OpenReadWrite     OpenFlag = 0x00000002
	OpenCreate        OpenFlag = 0x00000004
	OpenDeleteOnClose OpenFlag = 0x00000008
	OpenExclusive     OpenFlag = 0x00000010
	OpenMainDB        OpenFlag = 0x00000100
	OpenTempDB        OpenFlag = 0x00000200
	OpenTransientDB   OpenFlag = 0x00000400
	OpenMainJournal   OpenFlag = 0x00000800
	OpenTempJournal   OpenFlag = 0x00001000
	OpenSubJournal    OpenFlag = 0x00002000
	OpenMasterJournal OpenFlag = 0x00004000
)

// Has reports whether all bits of x are set in f.
func (f OpenFlag) Has(x OpenFlag) bool {
	return f&x == x
}

// AccessFlag selects the question asked by Driver.Access.
type AccessFlag int

const (
	// AccessExists asks whether the file exists.
	AccessExists AccessFlag = iota
	// AccessReadWrite asks whether the file is readable and writable.
	AccessReadWrite
	// AccessRead asks whether the file is readable.
	AccessRead
)

// SyncFlag controls the durability requested from File.Sync.
type SyncFlag int

const (
	SyncNormal   SyncFlag = 0x00002
	SyncFull     SyncFlag = 0x00003
	SyncDataOnly SyncFlag = 0x00010
)

// LockLevel is a file lock level. Levels are ordered; holding a level
// implies holding every lower one.
type LockLevel int

const (
	LockNone      = LockLevel(locktable.None)
	LockShared    = LockLevel(locktable.Shared)
	LockReserved  = LockLevel(locktable.Reserved)
	LockPending   = LockLevel(locktable.Pending)
	LockExclusive = LockLevel(locktable.Exclusive)
)

func (l LockLevel) String() string {
	return locktable.Level(l).String()
}

// DeviceCaps is a bit set describing guarantees offered by the storage
// under a file.
type DeviceCaps uint32

const (
	IOCapAtomic     DeviceCaps = 0x00000001
	IOCapAtomic512  DeviceCaps = 0x00000002
	IOCapAtomic1K   DeviceCaps = 0x00000004
	IOCapAtomic2K   DeviceCaps = 0x00000008
	IOCapAtomic4K   DeviceCaps = 0x00000010
	IOCapAtomic8K   DeviceCaps = 0x00000020
	IOCapAtomic16K  DeviceCaps = 0x00000040
	IOCapAtomic32K  DeviceCaps = 0x00000080
	IOCapAtomic64K  DeviceCaps = 0x00000100
	IOCapSafeAppend DeviceCaps = 0x00000200
	IOCapSequential DeviceCaps = 0x00000400
)

// DefaultSectorSize is reported by File.SectorSize when the driver's file
// does not implement SectorSizer.
const DefaultSectorSize = 512
