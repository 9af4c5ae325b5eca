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

// splitWalk replays hash_to_logical_page far enough to also report
// the trie node where the walk stopped and how many hash bits it
// consumed getting there: exactly the state spec.md §4.6 needs to
// decide which bit to set and which hash bit separates the two
// post-split pages.
func (h *Handle) splitWalk(hv uint32) (page, node uint32, cursor uint8) {
	hdr := h.readHeader()
	h.syncDir()
	maxBit := uint32(1) << hdr.dirShift
	x := hv
	for node < maxBit && getBit(h.dirCopy, node) {
		node = 2*node + 1 + (x & 1)
		x >>= 1
		cursor++
	}
	mask := uint32(1)<<cursor - 1
	page = hv & mask
	return
}

// trySplitForInsert attempts spec.md §4.6's split protocol for the
// page a failed insert landed on. Returns false (without error) if
// splitting cannot help — e.g. the directory is already at its cap —
// so the caller falls through to eviction or page expansion instead.
func (h *Handle) trySplitForInsert(p, pnum uint32) bool {
	return h.splitPage(pnum) == nil
}

// splitPage implements spec.md §4.6: grow the directory if needed,
// allocate a sibling chunk, and redistribute pnum's entries across
// the two pages by the newly significant hash bit.
func (h *Handle) splitPage(pnum uint32) error {
	b0, ch0 := h.pageBytes(mustChunkFor(h, pnum))
	n := ch0.union
	if n == 0 {
		return kindErr("splitPage", NoMemory, nil)
	}
	// recover a representative hash by reading back the first live
	// entry's key and rehashing it; any live entry's walk reaches the
	// same node, since they all currently collapse onto this page.
	var sampleKey []byte
	for i := uint32(0); i < n; i++ {
		d := descAt(b0, i)
		if d.keyLen == 0 {
			continue
		}
		start, _ := entryRun(b0, i)
		sampleKey = append([]byte(nil), b0[start:start+uint32(d.keyLen)]...)
		break
	}
	if sampleKey == nil {
		return kindErr("splitPage", NoMemory, nil)
	}
	hv := hashByID(h.hashFn, sampleKey)
	_, node, cursor := h.splitWalk(hv)

	hdr := h.readHeader()
	siblingIdx := pnum | (1 << cursor)
	if siblingIdx >= uint32(1)<<DirShiftMax {
		return kindErr("splitPage", NoMemory, nil)
	}
	if hdr.maxDirShift != 0 && cursor+1 > hdr.maxDirShift {
		return kindErr("splitPage", NoMemory, nil)
	}
	if siblingIdx >= uint32(1)<<hdr.dirShift {
		if err := h.growDirectory(); err != nil {
			return err
		}
	}

	srcP, err := h.pagenumToPage(pnum, true)
	if err != nil {
		return err
	}
	siblingP, err := h.allocChunk(ptypeData, 1, 0, 0)
	if err != nil {
		return err
	}
	initPageSentinel(h.chunkBytes(siblingP, 1), h.pageSize)
	sh := h.peekChunkHeader(siblingP)
	sh.pNum = siblingIdx
	h.pokeChunkHeader(siblingP, sh)
	h.setPageTableEntry(siblingIdx, siblingP)

	srcB, srcCh := h.pageBytes(srcP)
	moveIdx := make([]uint32, 0, srcCh.union)
	for i := uint32(0); i < srcCh.union; i++ {
		d := descAt(srcB, i)
		if d.keyLen == 0 {
			continue
		}
		start, _ := entryRun(srcB, i)
		key := srcB[start : start+uint32(d.keyLen)]
		keyHash := hashByID(h.hashFn, key)
		if (keyHash>>cursor)&1 == 1 {
			moveIdx = append(moveIdx, i)
		}
	}
	// move in descending index order so deleting a slot never shifts
	// the position of one not yet processed.
	for i := len(moveIdx) - 1; i >= 0; i-- {
		h.moveEntryToSibling(srcP, moveIdx[i], siblingP, siblingIdx)
	}

	hdr = h.readHeader()
	setBit(h.dirBitsRegion(), node, true)
	hdr.dbFlags &^= hflagPerfect
	hdr.dirGen++
	h.writeHeader(hdr)
	h.syncDir()
	return nil
}

// mustChunkFor resolves pnum's current chunk without allocating; it
// is only ever called right after confirming the page already holds
// entries, so a miss here indicates corruption rather than a normal
// "not yet allocated" miss.
func mustChunkFor(h *Handle, pnum uint32) uint32 {
	p, _ := h.pagenumToPage(pnum, false)
	return p
}

// moveEntryToSibling relocates one entry out of a page about to be
// split, preserving a LOB's existing chunk (just repointing its
// owning logical page) rather than reallocating it.
func (h *Handle) moveEntryToSibling(srcP, srcIdx, dstP, dstPnum uint32) {
	srcB, _ := h.pageBytes(srcP)
	d := descAt(srcB, srcIdx)
	start, end := entryRun(srcB, srcIdx)
	key := append([]byte(nil), srcB[start:start+uint32(d.keyLen)]...)
	valStart := start + alignUp(uint32(d.keyLen))
	val := append([]byte(nil), srcB[valStart:end]...)

	if d.flags&descFlagLOB != 0 {
		rec := decodeLOBRecord(val)
		lobCh := h.peekChunkHeader(rec.pagenum)
		lobCh.pNum = dstPnum
		h.pokeChunkHeader(rec.pagenum, lobCh)
	}

	h.appendRawEntry(dstP, key, val, d.flags)
	h.deleteEntryAtKeepLOB(srcP, srcIdx)
}

// appendRawEntry appends an already-encoded value run (a plain
// value, optionally cache-meta-prefixed, or a LOB record) verbatim
// onto page p's descriptor array, without reinterpreting it the way
// insertEntry does for a fresh Store.
func (h *Handle) appendRawEntry(p uint32, key, val []byte, flags uint8) {
	b, ch := h.pageBytes(p)
	n := ch.union
	size := alignUp(uint32(len(key))) + alignUp(uint32(len(val)))
	_, bottom := freeGap(b, n)
	end := bottom
	start := bottom - size
	copy(b[start:start+uint32(len(key))], key)
	valStart := start + alignUp(uint32(len(key)))
	copy(b[valStart:valStart+uint32(len(val))], val)

	putDescAt(b, n+1, entryDesc{endOffset: start})
	putDescAt(b, n, entryDesc{keyLen: uint16(len(key)), endOffset: end, flags: flags})
	// the hash-hi field is recomputed from the key so a later lookup
	// on the new page still gets the cheap pre-check.
	d := descAt(b, n)
	d.hashHi = uint16(hashByID(h.hashFn, key) >> 16)
	putDescAt(b, n, d)
	ch.union = n + 1
	encodeChunkHeader(b, ch)
}

// deleteEntryAtKeepLOB tombstones a source entry during a split move
// without freeing its LOB chunk, which moveEntryToSibling has already
// repointed at the sibling page.
func (h *Handle) deleteEntryAtKeepLOB(p, idx uint32) {
	b, ch := h.pageBytes(p)
	n := ch.union
	if idx == n-1 {
		ch.union = n - 1
		encodeChunkHeader(b, ch)
		return
	}
	d := descAt(b, idx)
	d.keyLen = 0
	d.hashHi = 0
	d.flags = 0
	putDescAt(b, idx, d)
}
