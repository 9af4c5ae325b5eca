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

import "fmt"

// peekChunkHeader reads just the 16-byte header of the chunk
// starting at physical page p. A chunk's header always lives in
// its first page, so this never needs more than one page brought
// into view even under windowed mapping.
func (h *Handle) peekChunkHeader(p uint32) chunkHeader {
	b := h.chunkBytes(p, 1)
	return decodeChunkHeader(b)
}

func (h *Handle) pokeChunkHeader(p uint32, ch chunkHeader) {
	b := h.chunkBytes(p, 1)
	encodeChunkHeader(b, ch)
}

// chunkBytes returns the byte range covering numPages pages
// starting at physical page p, routed through the window
// subsystem when the handle is windowed (chunk 0, the directory,
// is always pinned separately; see directory.go's dirBytes).
func (h *Handle) chunkBytes(p uint32, numPages uint32) []byte {
	if p == 0 {
		return h.dirBytes()
	}
	if h.window != nil {
		return h.window.access(h, p, numPages)
	}
	off := uint64(p) * uint64(h.pageSize)
	end := off + uint64(numPages)*uint64(h.pageSize)
	d := h.data()
	if end > uint64(len(d)) {
		panic(fmt.Sprintf("mdbm: chunk range [%d,%d) exceeds mapping of %d bytes", off, end, len(d)))
	}
	return d[off:end]
}

// allocChunk implements spec.md §4.2's alloc_chunk: first-fit exact
// match off the free list, else best-fit-with-leftover, else
// tail-extend, else grow the file, else defragment. Callers must
// already hold the internal allocator lock.
func (h *Handle) allocChunk(typ pageType, npages uint32, avoidStart, avoidEnd uint32) (uint32, error) {
	if npages == 0 {
		npages = 1
	}

	hdr := h.readHeader()

	// 1 & 2: walk the ascending free list for an exact fit, else
	// remember the smallest larger candidate.
	var bestFit, bestFitPrev, bestFitSize uint32
	bestFitFound := false
	prev := uint32(0)
	cur := hdr.firstFree
	for cur != 0 {
		ch := h.peekChunkHeader(cur)
		if ch.pType != ptypeFree {
			break // corrupt free list; bail to other strategies
		}
		overlaps := avoidEnd > avoidStart && cur < avoidEnd && cur+ch.numPages > avoidStart
		if !overlaps {
			if ch.numPages == npages {
				h.unlinkFree(prev, cur, ch)
				return h.initAllocated(cur, typ, npages, ch.numPages), nil
			}
			if ch.numPages > npages && (!bestFitFound || ch.numPages < bestFitSize) {
				bestFit, bestFitPrev, bestFitSize = cur, prev, ch.numPages
				bestFitFound = true
			}
		}
		prev = cur
		cur = ch.union
	}
	if bestFitFound {
		ch := h.peekChunkHeader(bestFit)
		h.unlinkFree(bestFitPrev, bestFit, ch)
		leftoverStart := bestFit + npages
		leftoverPages := ch.numPages - npages
		h.initAllocated(bestFit, typ, npages, npages)
		h.spliceFreeAfterSplit(bestFit, npages, leftoverStart, leftoverPages)
		return bestFit, nil
	}

	// 3: tail-extend.
	if p, ok := h.tryTailExtend(hdr, npages); ok {
		return h.initAllocated(p, typ, npages, npages), nil
	}

	// 4: grow the file and retry tail allocation.
	if err := h.growFile(hdr, npages); err == nil {
		hdr = h.readHeader()
		if p, ok := h.tryTailExtend(hdr, npages); ok {
			return h.initAllocated(p, typ, npages, npages), nil
		}
	}

	// 5: defragment if the free total is sufficient.
	if h.freeTotal(hdr) >= npages {
		if err := h.defrag(npages); err == nil {
			if p, ok := h.allocAfterDefrag(npages, avoidStart, avoidEnd); ok {
				return h.initAllocated(p, typ, npages, npages), nil
			}
		}
	}

	return 0, kindErr("allocChunk", NoMemory, nil)
}

func (h *Handle) freeTotal(hdr header) uint32 {
	var total uint32
	cur := hdr.firstFree
	for cur != 0 {
		ch := h.peekChunkHeader(cur)
		total += ch.numPages
		cur = ch.union
	}
	return total
}

// allocAfterDefrag re-walks the free list for an exact or best fit
// after defrag has consolidated space; it never falls through to
// growFile (defrag's whole point was to avoid that).
func (h *Handle) allocAfterDefrag(npages, avoidStart, avoidEnd uint32) (uint32, bool) {
	hdr := h.readHeader()
	prev := uint32(0)
	cur := hdr.firstFree
	var bestFit, bestFitPrev, bestFitSize uint32
	found := false
	for cur != 0 {
		ch := h.peekChunkHeader(cur)
		overlaps := avoidEnd > avoidStart && cur < avoidEnd && cur+ch.numPages > avoidStart
		if !overlaps && ch.numPages >= npages {
			if ch.numPages == npages {
				h.unlinkFree(prev, cur, ch)
				return cur, true
			}
			if !found || ch.numPages < bestFitSize {
				bestFit, bestFitPrev, bestFitSize = cur, prev, ch.numPages
				found = true
			}
		}
		prev = cur
		cur = ch.union
	}
	if found {
		ch := h.peekChunkHeader(bestFit)
		h.unlinkFree(bestFitPrev, bestFit, ch)
		leftoverStart := bestFit + npages
		leftoverPages := ch.numPages - npages
		h.spliceFreeAfterSplit(bestFit, npages, leftoverStart, leftoverPages)
		return bestFit, true
	}
	return 0, false
}

// tryTailExtend allocates npages immediately after the current last
// chunk, provided that much room already exists within the file's
// current page count (invariant 3: the last chunk is never free, so
// there is no free chunk to absorb here — only implicit tail space
// beyond it).
func (h *Handle) tryTailExtend(hdr header, npages uint32) (uint32, bool) {
	lastHdr := h.peekChunkHeader(hdr.lastChunk)
	tailStart := hdr.lastChunk + lastHdr.numPages
	if tailStart+npages > hdr.numPages {
		return 0, false
	}
	oldLastPages := lastHdr.numPages
	hdr.lastChunk = tailStart
	h.writeHeader(hdr)
	// stamp the backlink before initAllocated runs: fresh tail space
	// is zero-filled, so without this the new chunk would claim it
	// has no left neighbor.
	h.pokeChunkHeader(tailStart, chunkHeader{pType: ptypeFree, prevNumPages: oldLastPages})
	return tailStart, true
}

func (h *Handle) growFile(hdr header, npages uint32) error {
	lastHdr := h.peekChunkHeader(hdr.lastChunk)
	need := hdr.lastChunk + lastHdr.numPages + npages
	if hdr.maxPages != 0 && need > hdr.maxPages {
		return kindErr("growFile", NoMemory, fmt.Errorf("would exceed max pages %d", hdr.maxPages))
	}
	return h.resizeDB(need)
}

// unlinkFree removes chunk cur (whose header is ch) from the free
// list, given the physical index of its predecessor (0 if cur is
// the head).
func (h *Handle) unlinkFree(prev, cur uint32, ch chunkHeader) {
	hdr := h.readHeader()
	if hdr.firstFree == cur {
		hdr.firstFree = ch.union
		h.writeHeader(hdr)
		return
	}
	prevHdr := h.peekChunkHeader(prev)
	prevHdr.union = ch.union
	h.pokeChunkHeader(prev, prevHdr)
}

// unlinkFreeByScan is used when the caller only knows the chunk's
// physical index, not its free-list predecessor.
func (h *Handle) unlinkFreeByScan(target uint32, ch chunkHeader) {
	hdr := h.readHeader()
	if hdr.firstFree == target {
		hdr.firstFree = ch.union
		h.writeHeader(hdr)
		return
	}
	prev := hdr.firstFree
	for prev != 0 {
		prevHdr := h.peekChunkHeader(prev)
		if prevHdr.union == target {
			prevHdr.union = ch.union
			h.pokeChunkHeader(prev, prevHdr)
			return
		}
		prev = prevHdr.union
	}
}

// spliceFreeAfterSplit inserts the leftover tail of a larger free
// chunk used for a smaller allocation back into the free list in
// ascending order, coalescing with its new right neighbor if
// possible.
func (h *Handle) spliceFreeAfterSplit(allocStart, allocPages, leftoverStart, leftoverPages uint32) {
	if leftoverPages == 0 {
		return
	}
	ch := chunkHeader{pType: ptypeFree, numPages: leftoverPages, prevNumPages: allocPages}
	h.pokeChunkHeader(leftoverStart, ch)
	h.fixupPrevLink(leftoverStart, leftoverPages)
	h.insertFree(leftoverStart)
}

// fixupPrevLink rewrites the prevNumPages backlink of the chunk
// immediately following [start, start+numPages), maintaining
// invariant 1 (contiguous adjacency, spec.md §3).
func (h *Handle) fixupPrevLink(start, numPages uint32) {
	hdr := h.readHeader()
	next := start + numPages
	if next >= hdr.numPages {
		return
	}
	nh := h.peekChunkHeader(next)
	nh.prevNumPages = numPages
	h.pokeChunkHeader(next, nh)
}

// insertFree links chunk p (already marked FREE with a correct
// numPages) into the ascending free list and coalesces it with an
// adjacent free neighbor on either side (spec.md invariant 2).
func (h *Handle) insertFree(p uint32) {
	hdr := h.readHeader()
	ch := h.peekChunkHeader(p)

	// coalesce with left neighbor if it is free.
	if ch.prevNumPages != 0 {
		leftStart := p - ch.prevNumPages
		if leftStart < p {
			lh := h.peekChunkHeader(leftStart)
			if lh.pType == ptypeFree {
				h.unlinkFreeByScan(leftStart, lh)
				lh.numPages += ch.numPages
				h.pokeChunkHeader(leftStart, lh)
				h.fixupPrevLink(leftStart, lh.numPages)
				p = leftStart
				ch = lh
			}
		}
	}

	// coalesce with right neighbor if it is free.
	rightStart := p + ch.numPages
	if rightStart < hdr.numPages {
		rh := h.peekChunkHeader(rightStart)
		if rh.pType == ptypeFree {
			h.unlinkFreeByScan(rightStart, rh)
			ch.numPages += rh.numPages
			h.pokeChunkHeader(p, ch)
			h.fixupPrevLink(p, ch.numPages)
		}
	}

	// if the coalesced run now reaches (or is) the last chunk, the
	// last chunk must not be free: fold it backward instead of
	// threading it (Open Question decision, see DESIGN.md).
	hdr = h.readHeader()
	if p+ch.numPages >= hdr.numPages || (p <= hdr.lastChunk && hdr.lastChunk < p+ch.numPages) {
		if ch.prevNumPages != 0 {
			hdr.lastChunk = p - ch.prevNumPages
		} else {
			hdr.lastChunk = p
		}
		h.writeHeader(hdr)
		ch.pType = ptypeFree
		h.pokeChunkHeader(p, ch)
		return
	}

	// thread into the ascending free list.
	ch.pType = ptypeFree
	prev := uint32(0)
	cur := hdr.firstFree
	for cur != 0 && cur < p {
		prev = cur
		cur = h.peekChunkHeader(cur).union
	}
	ch.union = cur
	h.pokeChunkHeader(p, ch)
	if prev == 0 {
		hdr.firstFree = p
		h.writeHeader(hdr)
	} else {
		prevHdr := h.peekChunkHeader(prev)
		prevHdr.union = p
		h.pokeChunkHeader(prev, prevHdr)
	}
}

// freeChunk marks chunk p FREE and threads/coalesces it per
// spec.md §4.2.
func (h *Handle) freeChunk(p uint32) {
	ch := h.peekChunkHeader(p)
	ch.pType = ptypeFree
	ch.union = 0
	h.pokeChunkHeader(p, ch)
	h.insertFree(p)
}

func (h *Handle) initAllocated(p uint32, typ pageType, npages, physPages uint32) uint32 {
	prev := h.peekChunkHeader(p).prevNumPages
	ch := chunkHeader{pType: typ, numPages: npages, prevNumPages: prev}
	if physPages > npages {
		ch.numPages = npages
	}
	h.pokeChunkHeader(p, ch)
	b := h.chunkBytes(p, npages)
	for i := chunkHeaderSize; i < len(b); i++ {
		b[i] = 0
	}
	return p
}

// resizeDB grows the file (and, for a full mapping, the mapping
// itself) to hold newNumPages pages, per spec.md §4.1's remap.
func (h *Handle) resizeDB(newNumPages uint32) error {
	hdr := h.readHeader()
	if hdr.maxPages != 0 && newNumPages > hdr.maxPages {
		return kindErr("resizeDB", NoMemory, fmt.Errorf("max pages %d exceeded", hdr.maxPages))
	}
	newSize := int64(newNumPages) * int64(hdr.pageSize)
	if !h.shared.memOnly {
		if err := h.shared.f.Truncate(newSize); err != nil {
			return kindErr("resizeDB", IOError, err)
		}
	}
	if h.window == nil {
		if err := h.remap(newSize); err != nil {
			return err
		}
	}
	hdr = h.readHeader()
	hdr.numPages = newNumPages
	h.writeHeader(hdr)
	return nil
}
