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

// Iterator walks every live entry across every logical page in
// ascending order. Its zero value is not ready to use; obtain one
// from First. next packs the entry index to resume from as
// -3-2*entry_index (always odd and <= -3), with -1 meaning "haven't
// looked at this page's entries yet" — the encoding spec.md's §3
// Iterator entity describes, which lets a single step decide whether
// it's resuming mid-page or moving to a fresh one purely by parity.
type Iterator struct {
	logicalPage uint32
	next        int32
}

func encodeIterNext(idx uint32) int32 { return -3 - 2*int32(idx) }
func decodeIterNext(next int32) uint32 {
	return uint32((-3 - next) / 2)
}

// First positions a new Iterator at the first live entry in the
// database and returns it along with that entry's key and value.
func (h *Handle) First() (*Iterator, []byte, []byte, error) {
	it := &Iterator{next: -1}
	var key, val []byte
	err := h.withLock(false, 0, func() error {
		h.syncDir()
		k, v, err := h.iterStep(it)
		key, val = k, v
		return err
	})
	return it, key, val, err
}

// Next advances it and returns the next live entry, or a NotFound
// error once iteration is exhausted.
func (h *Handle) Next(it *Iterator) ([]byte, []byte, error) {
	var key, val []byte
	err := h.withLock(false, 0, func() error {
		h.syncDir()
		k, v, err := h.iterStep(it)
		key, val = k, v
		return err
	})
	return key, val, err
}

// iterStep scans forward from it's current position for the next
// live entry, advancing it past whatever it finds (or to the end of
// the directory, if nothing remains).
func (h *Handle) iterStep(it *Iterator) ([]byte, []byte, error) {
	hdr := h.readHeader()
	maxPages := uint32(1) << hdr.dirShift
	idx := uint32(0)
	if it.next != -1 {
		idx = decodeIterNext(it.next)
	}

	for it.logicalPage < maxPages {
		p, err := h.pagenumToPage(it.logicalPage, false)
		if err == nil && p != 0 {
			b, ch := h.pageBytes(p)
			for idx < ch.union {
				d := descAt(b, idx)
				if d.keyLen != 0 {
					start, end := entryRun(b, idx)
					key := append([]byte(nil), b[start:start+uint32(d.keyLen)]...)
					valStart := start + alignUp(uint32(d.keyLen))
					val, err := h.readEntryValue(b, valStart, end, d.flags)
					if err != nil {
						return nil, nil, err
					}
					it.next = encodeIterNext(idx + 1)
					return key, val, nil
				}
				idx++
			}
		}
		it.logicalPage++
		idx = 0
		it.next = -1
	}
	return nil, nil, kindErr("Next", NotFound, nil)
}

// readEntryValue decodes the stored value bytes for one entry,
// following a LOB record or stripping the cache-metadata prefix the
// same way fetchFromPage does.
func (h *Handle) readEntryValue(b []byte, valStart, end uint32, flags uint8) ([]byte, error) {
	if flags&descFlagLOB != 0 {
		return h.fetchLOB(b[valStart:end])
	}
	pad := uint32(flags & descFlagAlignMask)
	if pad > end-valStart {
		return nil, kindErr("Next", Corrupt, nil)
	}
	end -= pad
	if h.cacheMode != CacheNone && end-valStart >= cacheMetaSize {
		return append([]byte(nil), b[valStart+cacheMetaSize:end]...), nil
	}
	return append([]byte(nil), b[valStart:end]...), nil
}

// DeleteAt deletes the entry it last returned, leaving it positioned
// so a subsequent Next continues correctly regardless of whether the
// deletion tombstoned the slot in place or shrank the page.
func (h *Handle) DeleteAt(it *Iterator) error {
	if it.next == -1 {
		return kindErr("DeleteAt", InvalidArg, nil)
	}
	idx := decodeIterNext(it.next) - 1
	return h.withLock(true, 0, func() error {
		h.shared.allocMu.Lock()
		defer h.shared.allocMu.Unlock()
		p, err := h.pagenumToPage(it.logicalPage, false)
		if err != nil || p == 0 {
			return kindErr("DeleteAt", NotFound, nil)
		}
		return h.deleteEntryAt(p, idx)
	})
}
