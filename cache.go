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
	"math"
	"time"

	"github.com/timrc-git/mdbm-sub000/internal/heap"
)

// touchCacheMeta updates an entry's 8-byte cache-metadata prefix on
// every fetch, per spec.md §4.7: LFU tracks access count only, LRU
// stamps access time, GDSF recomputes priority from the access count
// and the entry's total size, plus the aging term evictions have
// accumulated so far.
func (h *Handle) touchCacheMeta(meta []byte, keyLen, valLen uint32) {
	accesses := binary.LittleEndian.Uint32(meta[0:]) + 1
	binary.LittleEndian.PutUint32(meta[0:], accesses)
	switch h.cacheMode {
	case CacheLRU:
		binary.LittleEndian.PutUint32(meta[4:], uint32(time.Now().UnixNano()))
	case CacheGDSF:
		size := keyLen + valLen
		if size == 0 {
			size = 1
		}
		p := float32(float64(accesses)/float64(size) + h.shared.gdsfInflation)
		binary.LittleEndian.PutUint32(meta[4:], math.Float32bits(p))
	}
}

// evictCandidate is one live, evictable entry found during a page
// scan, carrying just enough to rank it and to delete it afterward.
type evictCandidate struct {
	idx uint32
	// priority is the total-ordering sort key: smaller evicts first.
	// LFU/LRU pack their two uint32 metadata fields into it directly;
	// GDSF and large-object ranking go through floatOrderKey so a
	// floating-point score still sorts correctly as a plain uint64,
	// without losing precision the way casting straight to float64
	// would above 2^53.
	priority uint64
	// gdsf is the aged GDSF score this candidate was ranked by
	// (unused outside CacheGDSF); cacheEvict folds it into the
	// running inflation term once the candidate is actually evicted.
	gdsf  float64
	size  uint32 // bytes this entry's run + descriptor would free
	key   []byte
	val   []byte
	dirty bool
}

// candidateLess orders evictCandidates from "evict first" to
// "evict last": smaller priority sorts first for every cache mode.
func candidateLess(a, b evictCandidate) bool {
	return a.priority < b.priority
}

// floatOrderKey maps a float64 onto a uint64 that preserves its
// ordering (NaN excepted), the standard IEEE-754 "flip for sort"
// trick: negative values get every bit flipped, non-negative values
// just get their sign bit set, so the whole range compares correctly
// as plain unsigned integers.
func floatOrderKey(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

// collectCandidates scans page p's live descriptors and builds an
// eviction ranking, skipping anything already tagged SYNC_ERROR this
// cycle and, when skipDirty is set, anything tagged dirty.
func (h *Handle) collectCandidates(p uint32, skipDirty bool) []evictCandidate {
	b, ch := h.pageBytes(p)
	n := ch.union
	var cands []evictCandidate
	for i := uint32(0); i < n; i++ {
		d := descAt(b, i)
		if d.keyLen == 0 || d.flags&descFlagSyncErr != 0 {
			continue
		}
		dirty := d.flags&descFlagDirty != 0
		if skipDirty && dirty {
			continue
		}
		start, end := entryRun(b, i)
		valStart := start + alignUp(uint32(d.keyLen))
		if valStart > end || end > uint32(len(b)) {
			continue
		}
		key := append([]byte(nil), b[start:start+uint32(d.keyLen)]...)
		raw := b[valStart:end]
		isLOB := d.flags&descFlagLOB != 0
		if !isLOB {
			// trim the alignment pad (low 3 bits of flags) off the
			// tail of the run before anything reads it as metadata+value.
			if pad := uint32(d.flags & descFlagAlignMask); pad <= uint32(len(raw)) {
				raw = raw[:uint32(len(raw))-pad]
			}
		}
		var order uint64
		var gdsf float64
		var val []byte
		switch {
		case isLOB:
			// large objects have no cache-metadata prefix of their
			// own (the 8-byte record is fully occupied by {pagenum,
			// flags,vallen}); spec.md §4.7's num_accesses term for
			// large-object GDSF eviction is therefore fixed at 1 here
			// (see DESIGN.md), leaving the reclaimable-waste term
			// "(alloc_len - val_len)" to do the real ranking work.
			rec := decodeLOBRecord(raw)
			lobCh := h.peekChunkHeader(rec.pagenum)
			allocLen := lobCh.numPages * h.pageSize
			waste := float64(allocLen - rec.vallen)
			if h.cacheMode == CacheGDSF {
				gdsf = waste - h.shared.gdsfInflation
				order = floatOrderKey(gdsf)
			} else {
				order = floatOrderKey(-waste)
			}
			val = nil
		case h.cacheMode != CacheNone && len(raw) >= cacheMetaSize:
			accesses := binary.LittleEndian.Uint32(raw[0:])
			atime := binary.LittleEndian.Uint32(raw[4:])
			switch h.cacheMode {
			case CacheLFU:
				order = uint64(accesses)<<32 | uint64(atime)
			case CacheLRU:
				order = uint64(atime)<<32 | uint64(accesses)
			case CacheGDSF:
				gdsf = float64(math.Float32frombits(atime)) - h.shared.gdsfInflation
				order = floatOrderKey(gdsf)
			}
			val = append([]byte(nil), raw[cacheMetaSize:]...)
		default:
			val = append([]byte(nil), raw...)
		}
		cands = append(cands, evictCandidate{
			idx:      i,
			priority: order,
			gdsf:     gdsf,
			size:     (end - start) + entryDescSize,
			key:      key,
			val:      val,
			dirty:    dirty,
		})
	}
	return cands
}

// cacheEvict implements spec.md §4.7's cache_evict entry point for a
// single overflowing page: it deletes entries in priority order
// (consulting the shake and clean callbacks) until at least needed
// bytes have been freed, or the page has no more eligible entries.
func (h *Handle) cacheEvict(p uint32, needed uint32) bool {
	// a SYNC_ERROR tag only lasts for the eviction cycle that set it.
	b, ch := h.pageBytes(p)
	for i := uint32(0); i < ch.union; i++ {
		if d := descAt(b, i); d.flags&descFlagSyncErr != 0 {
			d.flags &^= descFlagSyncErr
			putDescAt(b, i, d)
		}
	}
	for pass := 0; pass < 2; pass++ {
		skipDirty := pass == 0 && h.flags.has(OEvictCleanFirst)
		cands := h.collectCandidates(p, skipDirty)
		if len(cands) == 0 {
			continue
		}
		heap.OrderSlice(cands, candidateLess)

		var freed uint32
		for len(cands) > 0 && freed < needed {
			c := heap.PopSlice(&cands, candidateLess)
			if h.shakeCB != nil && !h.shakeCB(c.key, c.val) {
				continue
			}
			if c.dirty && h.cleanCB != nil {
				if !h.cleanCB(c.key, c.val) {
					h.markSyncError(p, c.idx)
					continue
				}
			}
			if err := h.deleteEntryAt(p, c.idx); err != nil {
				continue
			}
			if h.cacheMode == CacheGDSF {
				// spec.md §4.7: "after each eviction subtract the
				// evicted priority from all remaining entries." Every
				// survivor's priority shifts by the same constant, so
				// their relative order this pass is unchanged; what
				// this really does is age the baseline future passes
				// rank against, so entries untouched since are worth
				// less next time a page overflows.
				h.shared.gdsfInflation += c.gdsf
			}
			freed += c.size
		}
		if freed >= needed {
			h.wringPage(p)
			return true
		}
	}
	return false
}

// markSyncError tags a descriptor SYNC_ERROR so this eviction cycle
// skips it after a failed clean-back callback, per spec.md §4.7.
func (h *Handle) markSyncError(p, idx uint32) {
	b, _ := h.pageBytes(p)
	d := descAt(b, idx)
	d.flags |= descFlagSyncErr
	putDescAt(b, idx, d)
}
