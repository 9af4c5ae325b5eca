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

import "sync"

// windowState implements spec.md §4.9's rolling window: rather than
// mapping a whole (potentially huge) file once, each chunk a caller
// touches gets its own small mapping, and the set of currently-mapped
// chunks is kept under a byte budget by unmapping the least recently
// touched ones. The directory chunk (chunk 0) is pinned outside this
// budget — see dirBytes below — since every operation needs it.
type windowState struct {
	mu       sync.Mutex
	budget   int64
	resident int64
	pageSize int64
	slots    map[uint32]*windowSlot
	seq      uint64

	dirData []byte
}

type windowSlot struct {
	start   uint32
	pages   uint32
	data    []byte
	lastUse uint64
}

func newWindowState(size, pageSize int64) *windowState {
	return &windowState{
		budget:   size,
		pageSize: pageSize,
		slots:    make(map[uint32]*windowSlot),
	}
}

// access returns the byte range for numPages pages starting at
// physical page p, mapping it fresh if it isn't already resident and
// evicting older slots first if that would exceed the window budget.
// A slot already covering p is grown in place if numPages has grown
// since (e.g. a LOB chunk whose header is re-read before its full
// extent is known).
func (w *windowState) access(h *Handle, p, numPages uint32) []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++

	if s, ok := w.slots[p]; ok {
		if numPages <= s.pages {
			s.lastUse = w.seq
			return s.data[:int64(numPages)*w.pageSize]
		}
		w.resident -= int64(s.pages) * w.pageSize
		munmap(s.data)
		delete(w.slots, p)
	}

	length := int64(numPages) * w.pageSize
	w.evictFor(length)

	data, err := mmapFileAt(h.shared.f, int64(p)*w.pageSize, length, !h.flags.has(OReadOnly))
	if err != nil {
		return nil
	}
	w.slots[p] = &windowSlot{start: p, pages: numPages, data: data, lastUse: w.seq}
	w.resident += length
	return data
}

// evictFor frees least-recently-used slots until adding need more
// bytes would fit under the budget (or no slots remain — a single
// chunk wider than the whole budget is still mapped once everything
// else is evicted, since callers need it regardless).
func (w *windowState) evictFor(need int64) {
	for w.resident+need > w.budget && len(w.slots) > 0 {
		var oldest *windowSlot
		for _, s := range w.slots {
			if oldest == nil || s.lastUse < oldest.lastUse {
				oldest = s
			}
		}
		if oldest == nil {
			return
		}
		w.resident -= int64(oldest.pages) * w.pageSize
		munmap(oldest.data)
		delete(w.slots, oldest.start)
	}
}

// dirBytes returns the directory chunk's current byte range, pinned
// in its own mapping independent of the slot budget above, growing
// the pin (via remap) whenever growDirectory/growChunkZero extends
// chunk 0 past what's currently mapped.
func (w *windowState) dirBytes(h *Handle) []byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dirData == nil {
		data, err := mmapFileAt(h.shared.f, 0, w.pageSize, !h.flags.has(OReadOnly))
		if err != nil {
			return nil
		}
		w.dirData = data
	}

	ch := decodeChunkHeader(w.dirData)
	want := int64(ch.numPages) * w.pageSize
	if want > int64(len(w.dirData)) {
		data, err := mmapFileAt(h.shared.f, 0, want, !h.flags.has(OReadOnly))
		if err == nil {
			munmap(w.dirData)
			w.dirData = data
		}
	}
	return w.dirData
}

// release unmaps every resident slot and the pinned directory
// mapping, run from Close for a windowed handle.
func (w *windowState) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, s := range w.slots {
		munmap(s.data)
		delete(w.slots, p)
	}
	w.resident = 0
	if w.dirData != nil {
		munmap(w.dirData)
		w.dirData = nil
	}
}

// sync msyncs every resident mapping, used by Handle.Sync under a
// windowed handle where there is no single whole-file mapping to
// msync directly.
func (w *windowState) sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	if w.dirData != nil {
		if err := msync(w.dirData); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range w.slots {
		if err := msync(s.data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
