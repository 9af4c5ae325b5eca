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

// dirPayloadOffset is where the directory bit vector starts inside
// chunk 0, immediately after the chunk header and the file header.
const dirPayloadOffset = chunkHeaderSize + headerSize

func dirBitsLen(d uint8) int {
	n := uint64(1) << d
	return int((n + 7) / 8)
}

func pageTableLen(d uint8) int {
	return int(uint64(1)<<d) * pageTableEntrySize
}

func dirChunkBytes(d uint8) int {
	return dirPayloadOffset + dirBitsLen(d) + pageTableLen(d)
}

// dirBytes returns the byte range of the directory chunk (chunk 0),
// always resolved through the pinned directory mapping, never the
// window: spec.md §4.9 requires the directory region to stay pinned
// even when the rest of the file is reached through a rolling
// window.
func (h *Handle) dirBytes() []byte {
	if h.window != nil {
		return h.window.dirBytes(h)
	}
	d := h.data()
	ch := decodeChunkHeader(d[:chunkHeaderSize])
	end := uint64(ch.numPages) * uint64(h.pageSize)
	return d[:end]
}

func (h *Handle) readHeader() header {
	hdr, err := decodeHeader(h.dirBytes())
	if err != nil {
		panic("mdbm: " + err.Error())
	}
	return hdr
}

func (h *Handle) writeHeader(hdr header) {
	encodeHeader(h.dirBytes(), hdr)
}

func (h *Handle) dirBitsRegion() []byte {
	hdr := h.readHeader()
	b := h.dirBytes()
	start := dirPayloadOffset
	end := start + dirBitsLen(hdr.dirShift)
	return b[start:end]
}

func (h *Handle) pageTableRegion() []byte {
	hdr := h.readHeader()
	b := h.dirBytes()
	start := dirPayloadOffset + dirBitsLen(hdr.dirShift)
	end := start + pageTableLen(hdr.dirShift)
	return b[start:end]
}

func getBit(bits []byte, i uint32) bool {
	return bits[i/8]&(1<<(i%8)) != 0
}

func setBit(bits []byte, i uint32, v bool) {
	if v {
		bits[i/8] |= 1 << (i % 8)
	} else {
		bits[i/8] &^= 1 << (i % 8)
	}
}

// syncDir refreshes this handle's private directory-bit copy from
// the live mapping. Handles keep a private copy so that a reader
// mid-walk during a concurrent split sees a consistent view of the
// trie rather than tearing across the split (spec.md §3, Handle
// entity).
func (h *Handle) syncDir() {
	live := h.dirBitsRegion()
	if cap(h.dirCopy) < len(live) {
		h.dirCopy = make([]byte, len(live))
	}
	h.dirCopy = h.dirCopy[:len(live)]
	copy(h.dirCopy, live)
}

// hashToLogicalPage implements spec.md §4.4's hash_to_logical_page:
// walk the implicit binary trie following the directory bit vector
// until reaching an unset (leaf) bit, consuming one hash bit per
// level. The logical page is the low cursor bits of the hash: the
// same bits that steered the walk.
func hashToLogicalPage(dirBits []byte, dirShift uint8, h uint32) uint32 {
	maxBit := uint32(1) << dirShift
	node := uint32(0)
	cursor := uint8(0)
	hv := h
	for node < maxBit && getBit(dirBits, node) {
		node = 2*node + 1 + (hv & 1)
		hv >>= 1
		cursor++
	}
	mask := uint32(1)<<cursor - 1
	return h & mask
}

func (h *Handle) hashToLogicalPage(hv uint32) uint32 {
	hdr := h.readHeader()
	h.syncDir()
	return hashToLogicalPage(h.dirCopy, hdr.dirShift, hv)
}

// pagenumToPage implements spec.md §4.4's pagenum_to_page: resolve
// (and optionally allocate) the DATA chunk currently serving logical
// page i.
func (h *Handle) pagenumToPage(i uint32, alloc bool) (uint32, error) {
	pt := h.pageTableRegion()
	off := int(i) * pageTableEntrySize
	existing := decodePageTableEntry(pt[off : off+pageTableEntrySize])
	if existing != 0 {
		return existing, nil
	}
	if !alloc {
		return 0, nil
	}
	p, err := h.allocChunk(ptypeData, 1, 0, 0)
	if err != nil {
		return 0, err
	}
	initPageSentinel(h.chunkBytes(p, 1), h.pageSize)
	ch := h.peekChunkHeader(p)
	ch.pNum = i
	h.pokeChunkHeader(p, ch)
	pt = h.pageTableRegion()
	encodePageTableEntry(pt[off:off+pageTableEntrySize], p)
	return p, nil
}

func (h *Handle) setPageTableEntry(i, chunkIdx uint32) {
	pt := h.pageTableRegion()
	off := int(i) * pageTableEntrySize
	encodePageTableEntry(pt[off:off+pageTableEntrySize], chunkIdx)
}

// growDirectory implements spec.md §4.6 step 2: double the
// directory width in place, relocating whatever chunk immediately
// follows chunk 0 out of the way if the directory chunk itself must
// grow to hold the wider bit vector and page table.
func (h *Handle) growDirectory() error {
	hdr := h.readHeader()
	newShift := hdr.dirShift + 1
	if newShift > DirShiftMax {
		return kindErr("growDirectory", NoMemory, nil)
	}
	if hdr.maxDirShift != 0 && newShift > hdr.maxDirShift {
		return kindErr("growDirectory", NoMemory, nil)
	}

	needBytes := dirChunkBytes(newShift)
	dirChunkHdr := h.peekChunkHeader(0)
	haveBytes := int(dirChunkHdr.numPages) * int(hdr.pageSize)
	if needBytes > haveBytes {
		if err := h.growChunkZero(needBytes); err != nil {
			return err
		}
	}

	oldDirLen := dirBitsLen(hdr.dirShift)
	oldPTLen := pageTableLen(hdr.dirShift)
	newDirLen := dirBitsLen(newShift)
	newPTLen := pageTableLen(newShift)

	b := h.dirBytes()
	oldPT := make([]byte, oldPTLen)
	copy(oldPT, b[dirPayloadOffset+oldDirLen:dirPayloadOffset+oldDirLen+oldPTLen])

	// zero-extend the bit vector in place (bytes beyond the old
	// length are already zero from chunk initialization, but an
	// in-place grow of an existing chunk may have stale bytes).
	for i := oldDirLen; i < newDirLen; i++ {
		b[dirPayloadOffset+i] = 0
	}
	// move the page table up past the widened directory.
	copy(b[dirPayloadOffset+newDirLen:dirPayloadOffset+newDirLen+oldPTLen], oldPT)
	for i := oldPTLen; i < newPTLen; i++ {
		b[dirPayloadOffset+newDirLen+i] = 0
	}

	hdr = h.readHeader()
	hdr.dirShift = newShift
	hdr.dirGen++
	hdr.dbFlags &^= hflagPerfect
	h.writeHeader(hdr)
	h.syncDir()
	return nil
}

// growChunkZero grows chunk 0 (the directory) to at least needBytes
// by relocating the chunk that immediately follows it, repeatedly,
// until enough contiguous space follows chunk 0, then extends its
// numPages. Defragmentation elsewhere in the file must never move
// the directory chunk itself (spec.md §4.3); this is the one place
// the directory chunk's own length changes.
func (h *Handle) growChunkZero(needBytes int) error {
	hdr := h.readHeader()
	needPages := (uint32(needBytes) + hdr.pageSize - 1) / hdr.pageSize
	dirHdr := h.peekChunkHeader(0)
	for dirHdr.numPages < needPages {
		next := dirHdr.numPages
		if next >= hdr.numPages {
			if err := h.growFile(hdr, needPages-dirHdr.numPages); err != nil {
				return err
			}
			hdr = h.readHeader()
			continue
		}
		nh := h.peekChunkHeader(next)
		if nh.pType == ptypeFree {
			h.unlinkFreeByScan(next, nh)
			dirHdr.numPages += nh.numPages
			h.pokeChunkHeader(0, dirHdr)
			h.fixupPrevLink(0, dirHdr.numPages)
			if hdr.lastChunk == next {
				hdr.lastChunk = 0
				h.writeHeader(hdr)
			}
			continue
		}
		// relocate the whole occupying chunk out of [0, needPages);
		// the next pass finds its old pages free and absorbs them.
		if err := h.relocateChunk(next, 0, needPages); err != nil {
			return err
		}
		dirHdr = h.peekChunkHeader(0)
		hdr = h.readHeader()
	}
	return nil
}
