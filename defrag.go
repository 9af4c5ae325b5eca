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

import "golang.org/x/exp/slices"

// defrag implements spec.md §4.3's defrag(npages): find the cheapest
// window of adjacent chunks, starting from some free chunk, whose
// total size covers npages pages, then relocate every occupied chunk
// inside that window elsewhere so the window collapses into one free
// run big enough to satisfy the pending allocation.
func (h *Handle) defrag(npages uint32) error {
	hdr := h.readHeader()
	p0, ok := h.findDefragWindow(hdr, npages)
	if !ok {
		return kindErr("defrag", NoMemory, nil)
	}
	return h.relocateChunks(p0, npages)
}

// findDefragWindow scans every free chunk as a candidate window start
// and walks forward, chunk by chunk, until the accumulated size
// reaches npages, picking whichever candidate needs relocating the
// fewest occupied pages. A window that would have to cross the
// directory chunk is never a candidate (spec.md: "movement of a DIR
// chunk is forbidden").
type defragCandidate struct {
	start uint32
	cost  uint32
}

func (h *Handle) findDefragWindow(hdr header, npages uint32) (uint32, bool) {
	var cands []defragCandidate
	cur := hdr.firstFree
	for cur != 0 {
		if _, cost, ok := h.windowCost(hdr, cur, npages); ok {
			cands = append(cands, defragCandidate{start: cur, cost: cost})
		}
		ch := h.peekChunkHeader(cur)
		cur = ch.union
	}
	if len(cands) == 0 {
		return 0, false
	}
	slices.SortFunc(cands, func(a, b defragCandidate) bool { return a.cost < b.cost })
	return cands[0].start, true
}

func (h *Handle) windowCost(hdr header, start, npages uint32) (total, cost uint32, ok bool) {
	p := start
	for total < npages {
		if p >= hdr.numPages {
			return 0, 0, false
		}
		ch := h.peekChunkHeader(p)
		if ch.pType == ptypeDir {
			return 0, 0, false
		}
		total += ch.numPages
		if ch.pType != ptypeFree {
			cost += ch.numPages
		}
		p += ch.numPages
	}
	return total, cost, true
}

// relocateChunks moves every occupied, non-DIR chunk whose start page
// falls inside [p0, p0+npages) to a chunk elsewhere, so the whole
// window collapses (via insertFree's coalescing) into one free run.
func (h *Handle) relocateChunks(p0, npages uint32) error {
	end := p0 + npages
	p := p0
	for p < end {
		hdr := h.readHeader()
		if p >= hdr.numPages {
			break
		}
		ch := h.peekChunkHeader(p)
		adv := ch.numPages
		if ch.pType != ptypeFree {
			if err := h.relocateChunk(p, p0, end); err != nil {
				return err
			}
			ch = h.peekChunkHeader(p)
			adv = ch.numPages
		}
		p += adv
	}
	return nil
}

// relocateChunk moves the chunk occupying physical page start to a
// freshly allocated chunk of the same type and size outside
// [avoidStart, avoidEnd), fixing up whatever references that chunk
// by physical index (the page table for a DATA chunk, or the owning
// data page's LOB record for a LOB chunk), then frees the old chunk.
// A chunk that is already free just needs unlinking: there is nothing
// to copy or repoint.
func (h *Handle) relocateChunk(start, avoidStart, avoidEnd uint32) error {
	ch := h.peekChunkHeader(start)
	if ch.pType == ptypeFree {
		h.unlinkFreeByScan(start, ch)
		return nil
	}
	if ch.pType == ptypeDir {
		return kindErr("relocateChunk", InvalidArg, nil)
	}

	npages := ch.numPages
	typ := ch.pType
	ownerPnum := ch.pNum

	dst, err := h.allocChunk(typ, npages, avoidStart, avoidEnd)
	if err != nil {
		return err
	}
	dstPrev := h.peekChunkHeader(dst).prevNumPages

	srcB := h.chunkBytes(start, npages)
	dstB := h.chunkBytes(dst, npages)
	copy(dstB, srcB)
	// the byte-for-byte copy just overwrote dst's own (correct)
	// physical adjacency field with the source's; restore it.
	dstHdr := decodeChunkHeader(dstB)
	dstHdr.prevNumPages = dstPrev
	encodeChunkHeader(dstB, dstHdr)

	switch typ {
	case ptypeData:
		h.setPageTableEntry(ownerPnum, dst)
	case ptypeLOB:
		h.repointLOBOwner(ownerPnum, start, dst)
	}

	h.freeChunk(start)
	return nil
}

// repointLOBOwner finds the LOB record inside data page logical index
// ownerPnum that references physical chunk oldChunk and rewrites it
// to newChunk. A LOB chunk carries its owning logical page number but
// not the reverse (which descriptor slot references it), so this
// scans that one page's live entries for the match.
func (h *Handle) repointLOBOwner(ownerPnum, oldChunk, newChunk uint32) {
	p, err := h.pagenumToPage(ownerPnum, false)
	if err != nil || p == 0 {
		return
	}
	b, ch := h.pageBytes(p)
	for i := uint32(0); i < ch.union; i++ {
		d := descAt(b, i)
		if d.keyLen == 0 || d.flags&descFlagLOB == 0 {
			continue
		}
		start, end := entryRun(b, i)
		valStart := start + alignUp(uint32(d.keyLen))
		if valStart+lobRecordSize > end {
			continue
		}
		rec := decodeLOBRecord(b[valStart : valStart+lobRecordSize])
		if rec.pagenum != oldChunk {
			continue
		}
		rec.pagenum = newChunk
		encodeLOBRecord(b[valStart:valStart+lobRecordSize], rec)
		return
	}
}

// compactDB implements spec.md §4.3's compact_db: repeatedly relocate
// the occupied chunk just past the lowest free chunk so the free
// region grows monotonically toward the tail, then truncate the file
// once the tail itself is free.
func (h *Handle) compactDB() error {
	for {
		hdr := h.readHeader()
		if hdr.firstFree == 0 {
			break
		}
		lowFree := hdr.firstFree
		fh := h.peekChunkHeader(lowFree)
		if lowFree+fh.numPages >= hdr.numPages {
			break // free space is already a contiguous tail
		}
		next := lowFree + fh.numPages
		nh := h.peekChunkHeader(next)
		if nh.pType == ptypeDir {
			break // can't move the directory past this point
		}
		if err := h.relocateChunk(next, lowFree, next+nh.numPages); err != nil {
			return err
		}
	}
	return h.shrinkTail()
}

// shrinkTail truncates the file (and, for a fully-mapped handle,
// remaps it) down to exclude a free run that now reaches EOF.
func (h *Handle) shrinkTail() error {
	hdr := h.readHeader()
	last := hdr.lastChunk
	lastHdr := h.peekChunkHeader(last)
	if lastHdr.pType != ptypeFree {
		return nil
	}
	h.unlinkFreeByScan(last, lastHdr)

	newNumPages := last
	if newNumPages < 1 {
		newNumPages = 1
	}
	newSize := int64(newNumPages) * int64(hdr.pageSize)
	if !h.shared.memOnly {
		if err := h.shared.f.Truncate(newSize); err != nil {
			return kindErr("compactDB", IOError, err)
		}
	}
	if h.window == nil {
		if err := h.remap(newSize); err != nil {
			return err
		}
	}

	hdr = h.readHeader()
	hdr.numPages = newNumPages
	if lastHdr.prevNumPages != 0 {
		hdr.lastChunk = last - lastHdr.prevNumPages
	} else {
		hdr.lastChunk = 0
	}
	h.writeHeader(hdr)
	return nil
}

// compressTree implements spec.md §4.3's compress_tree: halve the
// directory width by merging every (left, left+width/2) sibling pair
// into the left page, provided every pair fits combined in one page.
// This implementation only attempts the merge when the directory is
// known to be a complete (perfect) trie — hflagPerfect, cleared by
// every split and set again only by Purge — since a partial trie's sibling of a
// given pnum is not simply pnum+width/2 in general; see DESIGN.md.
func (h *Handle) compressTree() error {
	hdr := h.readHeader()
	if hdr.dirShift == 0 {
		return nil
	}
	if hdr.dbFlags&hflagPerfect == 0 {
		return kindErr("compressTree", NoMemory, nil)
	}
	half := uint32(1) << (hdr.dirShift - 1)

	for left := uint32(0); left < half; left++ {
		if !h.pairFits(left, left+half) {
			return kindErr("compressTree", NoMemory, nil)
		}
	}
	for left := uint32(0); left < half; left++ {
		if err := h.mergeSiblingPages(left, left+half); err != nil {
			return err
		}
	}
	// the deepest trie level is gone: clear its node bits while the
	// bit vector still has its old length.
	bits := h.dirBitsRegion()
	for n := half - 1; n < 2*half-1; n++ {
		setBit(bits, n, false)
	}

	hdr = h.readHeader()
	hdr.dirShift--
	hdr.dirGen++
	h.writeHeader(hdr)
	h.shrinkPageTable(hdr.dirShift)
	h.syncDir()
	return h.compactDB()
}

// pairFits reports whether every live entry currently on logical
// pages left and right would together fit on a single page.
func (h *Handle) pairFits(leftPnum, rightPnum uint32) bool {
	need := uint32(entryDescSize) // sentinel
	for _, pnum := range [2]uint32{leftPnum, rightPnum} {
		p, _ := h.pagenumToPage(pnum, false)
		if p == 0 {
			continue
		}
		b, ch := h.pageBytes(p)
		for i := uint32(0); i < ch.union; i++ {
			d := descAt(b, i)
			if d.keyLen == 0 {
				continue
			}
			start, end := entryRun(b, i)
			need += entryDescSize + (end - start)
		}
	}
	return chunkHeaderSize+int(need) <= int(h.pageSize)
}

// mergeSiblingPages moves every live entry from logical page right
// onto logical page left (allocating left's chunk if right held
// entries and left didn't yet), then retires right's chunk and
// clears its page-table slot.
func (h *Handle) mergeSiblingPages(leftPnum, rightPnum uint32) error {
	rp, _ := h.pagenumToPage(rightPnum, false)
	if rp == 0 {
		return nil // right was never allocated: nothing to merge
	}
	rb, rch := h.pageBytes(rp)
	type moved struct {
		key, val []byte
		flags    uint8
	}
	var entries []moved
	for i := uint32(0); i < rch.union; i++ {
		d := descAt(rb, i)
		if d.keyLen == 0 {
			continue
		}
		start, end := entryRun(rb, i)
		key := append([]byte(nil), rb[start:start+uint32(d.keyLen)]...)
		valStart := start + alignUp(uint32(d.keyLen))
		val := append([]byte(nil), rb[valStart:end]...)
		entries = append(entries, moved{key: key, val: val, flags: d.flags})
	}

	if len(entries) > 0 {
		lp, err := h.pagenumToPage(leftPnum, true)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.flags&descFlagLOB != 0 {
				rec := decodeLOBRecord(e.val)
				lobCh := h.peekChunkHeader(rec.pagenum)
				lobCh.pNum = leftPnum
				h.pokeChunkHeader(rec.pagenum, lobCh)
			}
			h.appendRawEntry(lp, e.key, e.val, e.flags)
		}
	}

	h.setPageTableEntry(rightPnum, 0)
	h.freeChunk(rp)
	return nil
}

// shrinkPageTable compacts the page table down to 2^newShift entries
// after compressTree has halved the directory width, sliding it down
// to start right after the bit vector's new, shorter length
// (compressTree has already cleared the bits of the removed level).
func (h *Handle) shrinkPageTable(newShift uint8) {
	b := h.dirBytes()
	oldDirLen := dirBitsLen(newShift + 1)
	newPTLen := pageTableLen(newShift)
	src := dirPayloadOffset + oldDirLen
	copy(b[dirPayloadOffset+dirBitsLen(newShift):dirPayloadOffset+dirBitsLen(newShift)+newPTLen], b[src:src+newPTLen])
}
