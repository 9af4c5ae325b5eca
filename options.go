// Copyright (C) 2024 The MDBM Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package mdbm

// OpenFlag is a bitmask of the per-handle open options from spec.md §6.
type OpenFlag uint32

const (
	OReadOnly OpenFlag = 1 << iota
	OReadWrite
	OCreate
	OTruncate
	ONoLock
	OLockExclusive
	OLockPartitioned
	OLockShared
	OWindowed
	OHeaderOnly
	OFsyncOnClose
	OAsyncSync
	OProtect
	OLargeObjects
	OMemoryOnly
	OLockPages
	OEvictCleanFirst
)

func (f OpenFlag) has(bit OpenFlag) bool { return f&bit != 0 }

func (f OpenFlag) lockMode() LockMode {
	switch {
	case f.has(ONoLock):
		return LockNone
	case f.has(OLockPartitioned):
		return LockPartitioned
	case f.has(OLockShared):
		return LockShared
	default:
		return LockExclusive
	}
}

// StoreMode selects insert/replace/modify semantics for Store.
type StoreMode uint32

const (
	Insert StoreMode = iota
	Replace
	Modify
	InsertDup
	Reserve
)

// StoreFlag augments a StoreMode.
type StoreFlag uint32

const (
	FlagNone      StoreFlag = 0
	FlagCacheOnly StoreFlag = 1 << iota
	FlagClean
)

// Numeric limits, per spec.md §6.
const (
	MaxKeyLen      = 32 << 10
	dirShiftMax    = DirShiftMax
)

// Options configures Open.
type Options struct {
	Flags       OpenFlag
	PageSize    uint32 // power of two, [minPageSize, maxPageSize]
	InitialSize int64  // bytes, only consulted on create
	HashFunc    uint8  // index into hashFuncTable
	CacheMode   CacheMode
	SpillSize   uint32 // 0 disables large objects even if OLargeObjects is set
	MaxDirShift uint8  // 0 = unlimited (subject to DirShiftMax)
	WindowSize  int64  // bytes; 0 selects a default when OWindowed is set
	Locker      Locker // external lock collaborator; nil uses an in-process Locker
	Mode        int    // os.FileMode bits used on create
}
