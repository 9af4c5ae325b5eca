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

import (
	"encoding/binary"
	"fmt"
)

// Magic identifies a file as an mdbm-go database. It is distinct
// from the original MDBM magic so the two formats can never be
// confused for one another.
const magic uint32 = 0x4d444247 // "MDBG"

// Header flag bits (dbflags), laid out the same way as
// mdbm_internal.h's MDBM_HFLAG_* constants.
const (
	hflagAlign2    = 0x0001
	hflagAlign4    = 0x0003
	hflagAlign8    = 0x0007
	alignMask      = 0x0007
	hflagPerfect   = 0x0008
	hflagReplaced  = 0x0010
	hflagLargeObj  = 0x0020
)

// CacheMode selects the eviction policy used when a page
// overflows and the database is configured as a bounded cache.
type CacheMode uint8

const (
	CacheNone CacheMode = iota
	CacheLFU
	CacheLRU
	CacheGDSF
)

// DirShiftMax bounds the directory width: at most 2^24 logical pages.
const DirShiftMax = 24

// headerSize is asserted below to equal the on-disk layout computed
// from original_source/include/mdbm_internal.h's mdbm_hdr_t (232
// bytes, CCASSERT'd there). Changing any field width here is a
// file-format break, exactly as the original comment warns.
const headerSize = 232

// Byte offsets within the directory chunk's header-sized prelude.
// The directory chunk itself starts with a 16-byte chunk header
// (see chunk.go), followed immediately by this structure.
const (
	hdrOffMagic           = 0
	hdrOffDBFlags         = 4
	hdrOffCacheMode       = 6
	hdrOffPad1            = 7
	hdrOffDirShift        = 8
	hdrOffHashFunc        = 9
	hdrOffMaxDirShift     = 10
	hdrOffPad2            = 11
	hdrOffDirGen          = 12
	hdrOffPageSize        = 16
	hdrOffNumPages        = 20
	hdrOffMaxPages        = 24
	hdrOffSpillSize       = 28
	hdrOffLastChunk       = 32
	hdrOffFirstFree       = 36
	hdrOffPad4            = 40 // 8 x u32 reserved, 32 bytes
	hdrOffStats           = 72
)

// Stats block layout, relative to hdrOffStats.
const (
	statsOffFetches    = 0
	statsOffLastFetch  = 8
	statsOffStores     = 16
	statsOffLastStore  = 24
	statsOffDeletes    = 32
	statsOffLastDelete = 40
	statsOffReserved   = 48 // 14 x u64, 112 bytes
	statsBlockSize     = 160
)

func init() {
	if hdrOffStats+statsBlockSize != headerSize {
		panic(fmt.Sprintf("mdbm: header layout drift: %d != %d", hdrOffStats+statsBlockSize, headerSize))
	}
}

// header is the decoded, in-memory view of the 232-byte on-disk
// file header. It is always materialized from (and flushed back
// to) the live mapping by readHeader/writeHeader; nothing here is held as a
// standalone copy across operations except transiently.
type header struct {
	dbFlags      uint16
	cacheMode    CacheMode
	dirShift     uint8
	hashFunc     uint8
	maxDirShift  uint8
	dirGen       uint32
	pageSize     uint32
	numPages     uint32
	maxPages     uint32
	spillSize    uint32
	lastChunk    uint32
	firstFree    uint32
	fetches      uint64
	lastFetch    uint64
	stores       uint64
	lastStore    uint64
	deletes      uint64
	lastDelete   uint64
}

// decodeHeader returns a header decoded from the directory chunk's
// byte range b (which must start at the chunk header, i.e. include
// the 16-byte chunk header as a prefix).
func decodeHeader(b []byte) (header, error) {
	if len(b) < chunkHeaderSize+headerSize {
		return header{}, fmt.Errorf("short header region: %d bytes", len(b))
	}
	h := b[chunkHeaderSize:]
	m := binary.LittleEndian.Uint32(h[hdrOffMagic:])
	if m != magic {
		return header{}, fmt.Errorf("bad magic %#x", m)
	}
	var hdr header
	hdr.dbFlags = binary.LittleEndian.Uint16(h[hdrOffDBFlags:])
	hdr.cacheMode = CacheMode(h[hdrOffCacheMode])
	hdr.dirShift = h[hdrOffDirShift]
	hdr.hashFunc = h[hdrOffHashFunc]
	hdr.maxDirShift = h[hdrOffMaxDirShift]
	hdr.dirGen = binary.LittleEndian.Uint32(h[hdrOffDirGen:])
	hdr.pageSize = binary.LittleEndian.Uint32(h[hdrOffPageSize:])
	hdr.numPages = binary.LittleEndian.Uint32(h[hdrOffNumPages:])
	hdr.maxPages = binary.LittleEndian.Uint32(h[hdrOffMaxPages:])
	hdr.spillSize = binary.LittleEndian.Uint32(h[hdrOffSpillSize:])
	hdr.lastChunk = binary.LittleEndian.Uint32(h[hdrOffLastChunk:])
	hdr.firstFree = binary.LittleEndian.Uint32(h[hdrOffFirstFree:])
	s := h[hdrOffStats:]
	hdr.fetches = binary.LittleEndian.Uint64(s[statsOffFetches:])
	hdr.lastFetch = binary.LittleEndian.Uint64(s[statsOffLastFetch:])
	hdr.stores = binary.LittleEndian.Uint64(s[statsOffStores:])
	hdr.lastStore = binary.LittleEndian.Uint64(s[statsOffLastStore:])
	hdr.deletes = binary.LittleEndian.Uint64(s[statsOffDeletes:])
	hdr.lastDelete = binary.LittleEndian.Uint64(s[statsOffLastDelete:])
	return hdr, nil
}

// encodeHeader writes hdr into b (same layout requirement as decodeHeader).
func encodeHeader(b []byte, hdr header) {
	h := b[chunkHeaderSize:]
	binary.LittleEndian.PutUint32(h[hdrOffMagic:], magic)
	binary.LittleEndian.PutUint16(h[hdrOffDBFlags:], hdr.dbFlags)
	h[hdrOffCacheMode] = uint8(hdr.cacheMode)
	h[hdrOffDirShift] = hdr.dirShift
	h[hdrOffHashFunc] = hdr.hashFunc
	h[hdrOffMaxDirShift] = hdr.maxDirShift
	binary.LittleEndian.PutUint32(h[hdrOffDirGen:], hdr.dirGen)
	binary.LittleEndian.PutUint32(h[hdrOffPageSize:], hdr.pageSize)
	binary.LittleEndian.PutUint32(h[hdrOffNumPages:], hdr.numPages)
	binary.LittleEndian.PutUint32(h[hdrOffMaxPages:], hdr.maxPages)
	binary.LittleEndian.PutUint32(h[hdrOffSpillSize:], hdr.spillSize)
	binary.LittleEndian.PutUint32(h[hdrOffLastChunk:], hdr.lastChunk)
	binary.LittleEndian.PutUint32(h[hdrOffFirstFree:], hdr.firstFree)
	s := h[hdrOffStats:]
	binary.LittleEndian.PutUint64(s[statsOffFetches:], hdr.fetches)
	binary.LittleEndian.PutUint64(s[statsOffLastFetch:], hdr.lastFetch)
	binary.LittleEndian.PutUint64(s[statsOffStores:], hdr.stores)
	binary.LittleEndian.PutUint64(s[statsOffLastStore:], hdr.lastStore)
	binary.LittleEndian.PutUint64(s[statsOffDeletes:], hdr.deletes)
	binary.LittleEndian.PutUint64(s[statsOffLastDelete:], hdr.lastDelete)
}

func validateHeader(hdr header, fileLen int64) error {
	if hdr.pageSize < minPageSize || hdr.pageSize > maxPageSize || hdr.pageSize&(hdr.pageSize-1) != 0 {
		return fmt.Errorf("invalid page size %d", hdr.pageSize)
	}
	if hdr.dirShift > DirShiftMax {
		return fmt.Errorf("invalid dir shift %d", hdr.dirShift)
	}
	if hdr.maxDirShift != 0 && hdr.maxDirShift > DirShiftMax {
		return fmt.Errorf("invalid max dir shift %d", hdr.maxDirShift)
	}
	if hdr.spillSize > hdr.pageSize {
		return fmt.Errorf("spill size %d exceeds page size %d", hdr.spillSize, hdr.pageSize)
	}
	if int(hdr.hashFunc) >= len(hashFuncTable) {
		return fmt.Errorf("unknown hash function id %d", hdr.hashFunc)
	}
	want := int64(hdr.numPages) * int64(hdr.pageSize)
	if want > fileLen {
		return fmt.Errorf("header claims %d pages (%d bytes) but file is %d bytes", hdr.numPages, want, fileLen)
	}
	return nil
}

const (
	minPageSize uint32 = 128
	maxPageSize uint32 = 16 << 20
)
