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
	"bytes"
	"encoding/binary"
)

// Entry descriptor flag bits, packed into the low byte of the
// 32-bit {end_offset:24, flags:8} word.
const (
	descFlagAlignMask = 0x07
	descFlagLOB       = 0x08
	descFlagDirty     = 0x10
	descFlagSyncErr   = 0x20
)

const entryDescSize = 8
const cacheMetaSize = 8
const lobRecordSize = 8

// entryDesc is the decoded view of one 8-byte descriptor slot:
// {key_len u16; key_hash_hi u16; end_offset u24; flags u8}.
type entryDesc struct {
	keyLen   uint16
	hashHi   uint16
	endOffset uint32
	flags    uint8
}

func descAt(b []byte, i uint32) entryDesc {
	off := chunkHeaderSize + int(i)*entryDescSize
	s := b[off : off+entryDescSize]
	ef := binary.LittleEndian.Uint32(s[4:])
	return entryDesc{
		keyLen:    binary.LittleEndian.Uint16(s[0:]),
		hashHi:    binary.LittleEndian.Uint16(s[2:]),
		endOffset: ef & 0x00ffffff,
		flags:     uint8(ef >> 24),
	}
}

func putDescAt(b []byte, i uint32, d entryDesc) {
	off := chunkHeaderSize + int(i)*entryDescSize
	s := b[off : off+entryDescSize]
	binary.LittleEndian.PutUint16(s[0:], d.keyLen)
	binary.LittleEndian.PutUint16(s[2:], d.hashHi)
	ef := (d.endOffset & 0x00ffffff) | uint32(d.flags)<<24
	binary.LittleEndian.PutUint32(s[4:], ef)
}

// alignUp rounds n up to the handle's configured alignment (8 bytes,
// per the fixed hflagAlign8 the engine always operates under).
func alignUp(n uint32) uint32 {
	return (n + alignMask) &^ alignMask
}

// initPageSentinel lays out a freshly allocated, empty data page of
// byteLen total bytes: zero entries, and a sentinel descriptor whose
// end_offset marks the (as yet untouched) bottom of the page.
func initPageSentinel(b []byte, byteLen uint32) {
	ch := decodeChunkHeader(b)
	ch.pType = ptypeData
	ch.union = 0
	encodeChunkHeader(b, ch)
	putDescAt(b, 0, entryDesc{endOffset: byteLen})
}

// pageBytes returns the full byte range and decoded chunk header for
// the (possibly oversized) DATA chunk at physical page p.
func (h *Handle) pageBytes(p uint32) ([]byte, chunkHeader) {
	ch := h.peekChunkHeader(p)
	return h.chunkBytes(p, ch.numPages), ch
}

// entryRun returns the byte range [start,end) occupied by entry i's
// key+value bytes: end is this entry's own end_offset, start is the
// next (lower, more recently inserted) descriptor's end_offset.
func entryRun(b []byte, i uint32) (start, end uint32) {
	return descAt(b, i+1).endOffset, descAt(b, i).endOffset
}

// freeGap reports the byte range currently available for a new
// entry's descriptor+bytes: between the end of the descriptor array
// and the bottom of currently used space (the sentinel's end_offset).
func freeGap(b []byte, numEntries uint32) (descEnd, dataBottom uint32) {
	descEnd = uint32(chunkHeaderSize + int(numEntries+1)*entryDescSize)
	dataBottom = descAt(b, numEntries).endOffset
	return
}

// effectiveValLen computes the bytes a value actually consumes
// in-page (spec.md §4.5 step 1): the value itself, plus an 8-byte
// cache-metadata prefix in cache mode, replaced entirely by the
// fixed LOB in-page record size once the value is large enough to
// spill and large objects are enabled.
func (h *Handle) effectiveValLen(valLen int) (n uint32, isLOB bool) {
	if h.flags.has(OLargeObjects) && h.spillSize > 0 && valLen >= int(h.spillSize) {
		return lobRecordSize, true
	}
	n = uint32(valLen)
	if h.cacheMode != CacheNone {
		n += cacheMetaSize
	}
	return n, false
}

func (h *Handle) entrySize(keyLen, valLen int) (uint32, bool) {
	ev, isLOB := h.effectiveValLen(valLen)
	return alignUp(uint32(keyLen)) + alignUp(ev), isLOB
}

// findEntry scans page p's live descriptors for key, returning its
// index if present.
func (h *Handle) findEntry(p uint32, key []byte, hv uint32) (idx uint32, found bool) {
	b, ch := h.pageBytes(p)
	n := ch.union
	hashHi := uint16(hv >> 16)
	for i := uint32(0); i < n; i++ {
		d := descAt(b, i)
		if d.keyLen == 0 {
			continue
		}
		if d.keyLen != uint16(len(key)) || d.hashHi != hashHi {
			continue
		}
		start, _ := entryRun(b, i)
		if bytes.Equal(b[start:start+uint32(d.keyLen)], key) {
			return i, true
		}
	}
	return 0, false
}

// fetchFromPage implements the lookup half of spec.md §4.5.
func (h *Handle) fetchFromPage(p uint32, key []byte, hv uint32) ([]byte, bool, error) {
	idx, found := h.findEntry(p, key, hv)
	if !found {
		return nil, false, nil
	}
	b, _ := h.pageBytes(p)
	d := descAt(b, idx)
	start, end := entryRun(b, idx)
	valStart := start + alignUp(uint32(d.keyLen))
	if valStart > end || end > uint32(len(b)) {
		return nil, false, kindErr("Fetch", Corrupt, nil)
	}
	raw := b[valStart:end]

	if d.flags&descFlagLOB != 0 {
		val, err := h.fetchLOB(raw)
		return val, err == nil, err
	}
	// the low 3 bits of flags hold the alignment pad added when the
	// effective value length wasn't already a multiple of 8; trim it
	// back off so the returned slice is byte-identical to what Store
	// was given.
	pad := uint32(d.flags & descFlagAlignMask)
	if pad > uint32(len(raw)) {
		return nil, false, kindErr("Fetch", Corrupt, nil)
	}
	raw = raw[:uint32(len(raw))-pad]
	if h.cacheMode != CacheNone {
		if len(raw) < cacheMetaSize {
			return nil, false, kindErr("Fetch", Corrupt, nil)
		}
		h.touchCacheMeta(raw[:cacheMetaSize], uint32(d.keyLen), uint32(len(raw)-cacheMetaSize))
		raw = raw[cacheMetaSize:]
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, true, nil
}

// storeLocked implements spec.md §4.5's Store algorithm. Caller must
// already hold the write lock and the internal allocator lock.
func (h *Handle) storeLocked(key, val []byte, hv uint32, mode StoreMode, flags StoreFlag) error {
	if len(val) > 1<<30 {
		return kindErr("Store", InvalidArg, nil)
	}
	pnum := h.hashToLogicalPage(hv)
	p, err := h.pagenumToPage(pnum, true)
	if err != nil {
		return err
	}

	idx, found := h.findEntry(p, key, hv)
	if found {
		switch mode {
		case Insert, Reserve:
			return kindErr("Store", Exists, nil)
		case Modify, Replace:
			if h.tryOverwriteInPlace(p, idx, val, flags) {
				return nil
			}
			if err := h.deleteEntryAt(p, idx); err != nil {
				return err
			}
		case InsertDup:
			// duplicates are allowed; fall through to a fresh insert.
		}
	} else if mode == Modify {
		return kindErr("Store", NotFound, nil)
	}

	return h.insertEntry(p, pnum, hv, key, val, flags)
}

// tryOverwriteInPlace handles the REPLACE/MODIFY fast path: same
// value class (LOB-ness) and same aligned effective size overwrites
// the existing byte run without touching the descriptor array.
func (h *Handle) tryOverwriteInPlace(p, idx uint32, val []byte, flags StoreFlag) bool {
	b, _ := h.pageBytes(p)
	d := descAt(b, idx)
	newEff, newIsLOB := h.effectiveValLen(len(val))
	oldIsLOB := d.flags&descFlagLOB != 0
	if newIsLOB != oldIsLOB {
		return false
	}
	start, end := entryRun(b, idx)
	valStart := start + alignUp(uint32(d.keyLen))
	if alignUp(newEff) != end-valStart {
		return false
	}
	if oldIsLOB {
		raw := b[valStart:end]
		if !h.overwriteLOB(raw, val) {
			return false
		}
	} else {
		dst := b[valStart:end]
		if h.cacheMode != CacheNone {
			dst = dst[cacheMetaSize:]
		}
		copy(dst, val)
		d.flags = d.flags&^descFlagAlignMask | uint8(alignUp(newEff)-newEff)&descFlagAlignMask
	}
	if !flags.has(FlagClean) {
		d.flags |= descFlagDirty
	}
	putDescAt(b, idx, d)
	return true
}

// insertEntry implements steps 6-10 of spec.md §4.5's Store.
func (h *Handle) insertEntry(p, pnum, hv uint32, key, val []byte, flags StoreFlag) error {
	need, isLOB := h.entrySize(len(key), len(val))

	for attempt := 0; attempt < 4; attempt++ {
		b, ch := h.pageBytes(p)
		n := ch.union

		// first pass: exact-size tombstone reuse.
		if i, ok := h.findExactTombstone(b, n, need); ok {
			h.writeEntryInto(b, p, i, pnum, hv, key, val, isLOB, flags)
			return nil
		}

		descEnd, bottom := freeGap(b, n)
		if bottom >= descEnd && bottom-descEnd >= need {
			h.writeEntryInto(b, p, n, pnum, hv, key, val, isLOB, flags)
			return nil
		}

		// compact tombstones, then retry the append check once.
		if h.wringPage(p) {
			b, ch = h.pageBytes(p)
			n = ch.union
			descEnd, bottom = freeGap(b, n)
			if bottom >= descEnd && bottom-descEnd >= need {
				h.writeEntryInto(b, p, n, pnum, hv, key, val, isLOB, flags)
				return nil
			}
		}

		if h.trySplitForInsert(p, pnum) {
			p2, err := h.pagenumToPage(h.hashToLogicalPage(hv), true)
			if err != nil {
				return err
			}
			p = p2
			continue
		}

		if h.cacheMode != CacheNone {
			if h.cacheEvict(p, need) {
				continue
			}
			return kindErr("Store", NoMemory, nil)
		}

		if err := h.expandPage(p); err != nil {
			return kindErr("Store", NoMemory, err)
		}
	}
	return kindErr("Store", NoMemory, nil)
}

func (h *Handle) findExactTombstone(b []byte, n, need uint32) (uint32, bool) {
	for i := uint32(0); i < n; i++ {
		d := descAt(b, i)
		if d.keyLen != 0 {
			continue
		}
		start, end := entryRun(b, i)
		if end-start == need {
			return i, true
		}
	}
	return 0, false
}

// writeEntryInto places key/val at descriptor slot i (either a reused
// tombstone or the next free slot), extending num_entries and the
// sentinel when i was not already a live slot.
func (h *Handle) writeEntryInto(b []byte, p, i, pnum, hv uint32, key, val []byte, isLOB bool, flags StoreFlag) {
	ch := decodeChunkHeader(b)
	n := ch.union
	eff, _ := h.effectiveValLen(len(val))
	var start, end uint32
	if i < n {
		start, end = entryRun(b, i)
	} else {
		_, bottom := freeGap(b, n)
		size := alignUp(uint32(len(key))) + alignUp(eff)
		end = bottom
		start = bottom - size
		putDescAt(b, n+1, entryDesc{endOffset: start})
		ch.union = n + 1
		encodeChunkHeader(b, ch)
		n++
		i = n - 1
	}

	copy(b[start:start+uint32(len(key))], key)
	valStart := start + alignUp(uint32(len(key)))

	d := entryDesc{keyLen: uint16(len(key)), hashHi: uint16(hv >> 16)}
	if !flags.has(FlagClean) {
		d.flags |= descFlagDirty
	}
	if !isLOB {
		// the low 3 bits of flags record the alignment pad so Fetch can
		// trim the value run back down to its stored length.
		d.flags |= uint8(alignUp(eff)-eff) & descFlagAlignMask
	}

	if isLOB {
		d.flags |= descFlagLOB
		h.storeLOB(p, pnum, hv, b[valStart:end], val)
	} else {
		dst := b[valStart:end]
		if h.cacheMode != CacheNone {
			initCacheMeta(dst[:cacheMetaSize])
			dst = dst[cacheMetaSize:]
		}
		copy(dst, val)
	}
	d.endOffset = end
	putDescAt(b, i, d)
}

// deleteFromPage implements spec.md §4.5's Delete.
func (h *Handle) deleteFromPage(p uint32, key []byte, hv uint32) error {
	idx, found := h.findEntry(p, key, hv)
	if !found {
		return kindErr("Delete", NotFound, nil)
	}
	return h.deleteEntryAt(p, idx)
}

// deleteEntryAt tombstones descriptor idx: keyLen becomes 0 and its
// end_offset is left as it was, so the tombstone keeps its own byte
// run (reusable by an exact-size insert, reclaimed by wringPage) and
// no neighbor's run changes. If the
// tombstoned entry was the most recently appended one, the sentinel
// simply retreats and num_entries shrinks instead of leaving a
// dangling tombstone.
func (h *Handle) deleteEntryAt(p, idx uint32) error {
	b, ch := h.pageBytes(p)
	n := ch.union
	d := descAt(b, idx)
	if d.flags&descFlagLOB != 0 {
		start, end := entryRun(b, idx)
		valStart := start + alignUp(uint32(d.keyLen))
		h.freeLOB(b[valStart:end])
	}
	if idx == n-1 {
		ch.union = n - 1
		encodeChunkHeader(b, ch)
		if ch.union == 0 && ch.numPages > 1 {
			h.shrinkPage(p)
		}
		return nil
	}
	d.keyLen = 0
	d.hashHi = 0
	putDescAt(b, idx, d)
	return nil
}

// wringPage compacts tombstones by sliding every live entry's bytes
// upward to close the gaps, rewriting descriptors as it goes.
// Returns true if it freed any bytes.
func (h *Handle) wringPage(p uint32) bool {
	b, ch := h.pageBytes(p)
	n := ch.union
	if n == 0 {
		return false
	}
	bottom := uint32(len(b))
	freed := false
	for i := uint32(0); i < n; i++ {
		d := descAt(b, i)
		start, end := entryRun(b, i)
		size := end - start
		if d.keyLen == 0 {
			freed = true
			continue
		}
		if end != bottom {
			freed = true
			copy(b[bottom-size:bottom], b[start:end])
		}
		bottom -= size
		d.endOffset = bottom
		putDescAt(b, i, d)
	}
	// drop trailing tombstones and renumber live entries contiguously.
	live := uint32(0)
	for i := uint32(0); i < n; i++ {
		d := descAt(b, i)
		if d.keyLen == 0 {
			continue
		}
		if i != live {
			putDescAt(b, live, d)
		}
		live++
	}
	ch.union = live
	encodeChunkHeader(b, ch)
	putDescAt(b, live, entryDesc{endOffset: bottom})
	return freed
}

// expandPage grows a one-page data chunk to two pages (or an
// oversized chunk by one more page), shifting its byte contents down
// by a page size and rewiring every descriptor's end_offset to match,
// per spec.md §4.5 step 8.
func (h *Handle) expandPage(p uint32) error {
	ch := h.peekChunkHeader(p)
	oldPages := ch.numPages
	newPages := oldPages + 1
	newP, err := h.allocChunk(ptypeData, newPages, p, p+oldPages)
	if err != nil {
		return err
	}
	oldB := h.chunkBytes(p, oldPages)
	newB := h.chunkBytes(newP, newPages)

	oldHdr := decodeChunkHeader(oldB)
	n := oldHdr.union
	shift := uint32(h.pageSize)

	// the live key/value region sits between the sentinel's
	// end_offset and the old bottom of the page; it moves down by
	// exactly one page so descriptor slots (fixed near the top)
	// don't need to move, only their stored offsets do.
	oldBottom := descAt(oldB, n).endOffset
	copy(newB[oldBottom+shift:uint32(len(oldB))+shift], oldB[oldBottom:])

	for i := uint32(0); i <= n; i++ {
		d := descAt(oldB, i)
		d.endOffset += shift
		putDescAt(newB, i, d)
	}
	newHdr := chunkHeader{pType: ptypeData, numPages: newPages, union: n, pNum: oldHdr.pNum}
	encodeChunkHeader(newB, newHdr)

	h.setPageTableEntry(oldHdr.pNum, newP)
	h.freeChunk(p)
	return nil
}

// shrinkPage returns an emptied, oversized data chunk to a single
// page, the mirror image of expandPage.
func (h *Handle) shrinkPage(p uint32) {
	ch := h.peekChunkHeader(p)
	newP, err := h.allocChunk(ptypeData, 1, p, p+ch.numPages)
	if err != nil {
		return
	}
	initPageSentinel(h.chunkBytes(newP, 1), h.pageSize)
	nh := h.peekChunkHeader(newP)
	nh.pNum = ch.pNum
	h.pokeChunkHeader(newP, nh)
	h.setPageTableEntry(ch.pNum, newP)
	h.freeChunk(p)
}

func initCacheMeta(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], 0)
	binary.LittleEndian.PutUint32(b[4:], 0)
}
