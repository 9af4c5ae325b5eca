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

import "encoding/binary"

// pageType labels what a chunk currently holds. Matches
// mdbm_page_t.p_type in original_source/include/mdbm_internal.h.
type pageType uint8

const (
	ptypeDir pageType = iota
	ptypeData
	ptypeLOB
	ptypeFree
)

func (t pageType) String() string {
	switch t {
	case ptypeDir:
		return "DIR"
	case ptypeData:
		return "DATA"
	case ptypeLOB:
		return "LOB"
	case ptypeFree:
		return "FREE"
	default:
		return "?"
	}
}

// chunkHeaderSize is the fixed 16-byte chunk header prefixing
// every chunk in the file (including chunk 0, the directory chunk).
const chunkHeaderSize = 16

// Byte offsets within a chunk header.
const (
	chOffUnion         = 0 // p.data / p.num_entries / p.next_free / p.vallen
	chOffNumFlags      = 4 // p_num:24 | p_type:4 | p_flags:4
	chOffNumPages      = 8 // p_num_pages:24 | p_r0:8
	chOffPrevNumPages  = 12
)

// chunkHeader is the decoded view of a chunk's 16-byte prelude.
type chunkHeader struct {
	union         uint32
	pNum          uint32 // 24 bits
	pType         pageType
	pFlags        uint8
	numPages      uint32 // 24 bits
	prevNumPages  uint32 // 24 bits
}

func decodeChunkHeader(b []byte) chunkHeader {
	nf := binary.LittleEndian.Uint32(b[chOffNumFlags:])
	np := binary.LittleEndian.Uint32(b[chOffNumPages:])
	pp := binary.LittleEndian.Uint32(b[chOffPrevNumPages:])
	return chunkHeader{
		union:        binary.LittleEndian.Uint32(b[chOffUnion:]),
		pNum:         nf & 0x00ffffff,
		pType:        pageType((nf >> 24) & 0xf),
		pFlags:       uint8((nf >> 28) & 0xf),
		numPages:     np & 0x00ffffff,
		prevNumPages: pp & 0x00ffffff,
	}
}

func encodeChunkHeader(b []byte, ch chunkHeader) {
	binary.LittleEndian.PutUint32(b[chOffUnion:], ch.union)
	nf := (ch.pNum & 0x00ffffff) | (uint32(ch.pType)&0xf)<<24 | (uint32(ch.pFlags)&0xf)<<28
	binary.LittleEndian.PutUint32(b[chOffNumFlags:], nf)
	binary.LittleEndian.PutUint32(b[chOffNumPages:], ch.numPages&0x00ffffff)
	binary.LittleEndian.PutUint32(b[chOffPrevNumPages:], ch.prevNumPages&0x00ffffff)
}

// pageTableEntrySize is the on-disk width of one page-table slot.
const pageTableEntrySize = 4

func decodePageTableEntry(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b) & 0x00ffffff
}

func encodePageTableEntry(b []byte, chunkIdx uint32) {
	binary.LittleEndian.PutUint32(b, chunkIdx&0x00ffffff)
}
