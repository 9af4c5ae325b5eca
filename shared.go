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
	"os"
	"sync"
	"sync/atomic"
)

// mapping is one complete, consistent (base, length) pair. A new
// one is built every time the file is remapped; existing mapping
// values are never mutated in place, so a handle that is still
// holding a stale *mapping can keep using it safely until it
// notices the generation has moved on.
type mapping struct {
	data []byte
	size int64
}

// sharedState is the control block a "family" of dup'd handles
// share: one fd, one current mapping, and a sequence-numbered
// generation so a sibling handle notices a remap without taking
// any lock of its own (spec.md §4.10). This mirrors mdbm_dup_info_t
// in original_source/include/mdbm_internal.h (dup_map_gen /
// dup_map_gen_marker / dup_fd / dup_base / dup_base_len), reworked
// as an explicit shared object per Design Notes §9 instead of a
// process-wide static.
type sharedState struct {
	gen       atomic.Uint64 // bumped before a remap starts
	genMarker atomic.Uint64 // set to gen's value once the remap completes
	m         atomic.Pointer[mapping]

	f       *os.File
	path    string
	memOnly bool
	refs    atomic.Int32

	mu      sync.Mutex // serializes remap/replace against each other
	allocMu sync.Mutex // serializes allocator mutations across every dup'd sibling

	// gdsfInflation is the running GDSF aging term (spec.md §4.7):
	// every eviction under CacheGDSF adds its own aged priority here,
	// and every subsequent ranking pass subtracts the current total
	// before comparing. Lives here rather than on Handle for the same
	// reason allocMu does: every handle in a dup'd family must share
	// one aging clock, not keep an independent one per sibling.
	gdsfInflation float64
}

// refresh re-reads the shared mapping if it has moved on since our
// last observation, per the "spins on marker==gen, then copies
// fd/base/length" protocol in spec.md §4.10. Every public operation
// calls this at its top.
func (h *Handle) refresh() *mapping {
	g := h.shared.gen.Load()
	if g == h.localGen {
		return h.localMap
	}
	for h.shared.genMarker.Load() != g {
		// a remap is in flight; spin briefly.
	}
	m := h.shared.m.Load()
	h.localMap = m
	h.localGen = g
	return m
}

func (h *Handle) data() []byte {
	m := h.refresh()
	if m == nil {
		return nil
	}
	return m.data
}

// setMapping installs a brand-new mapping and bumps the generation
// so every sibling handle's next refresh() picks it up.
func (s *sharedState) setMapping(data []byte, size int64) *mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.gen.Load() + 1
	s.gen.Store(next)
	m := &mapping{data: data, size: size}
	s.m.Store(m)
	s.genMarker.Store(next)
	return m
}

// remap unmaps the current region (if any) and maps newSize bytes
// of the underlying file, installing the result as the new shared
// mapping. Callers must hold the whole-DB lock.
func (h *Handle) remap(newSize int64) error {
	old := h.shared.m.Load()
	var data []byte
	var err error
	if h.shared.memOnly {
		data, err = mmapAnon(newSize)
	} else {
		data, err = mmapFile(h.shared.f, newSize, !h.flags.has(OReadOnly))
	}
	if err != nil {
		return kindErr("remap", IOError, err)
	}
	if old != nil && old.data != nil {
		// copy forward the live prefix; munmap the old region only
		// after the new one is installed so a concurrent reader
		// using refresh() never observes neither.
		copy(data, old.data)
	}
	h.shared.setMapping(data, newSize)
	if old != nil && old.data != nil {
		munmap(old.data)
	}
	h.localMap = h.shared.m.Load()
	h.localGen = h.shared.gen.Load()
	return nil
}

// dup creates a sibling handle sharing this handle's fd, mapping,
// and shared control block, the same way mdbm_dup works against
// mdbm_dup_info_t. The sibling gets its own private directory-bit
// copy, cached header pointer, and statistics callback slot.
func (h *Handle) dup() *Handle {
	h.shared.refs.Add(1)
	n := &Handle{
		shared:      h.shared,
		flags:       h.flags,
		pageSize:    h.pageSize,
		alignMask:   h.alignMask,
		spillSize:   h.spillSize,
		cacheMode:   h.cacheMode,
		hashFn:      h.hashFn,
		maxDirShift: h.maxDirShift,
		locker:      h.locker,
		logger:      h.logger,
		window:      h.window,
	}
	n.refresh()
	n.syncDir()
	return n
}
