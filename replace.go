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
	"io"
	"os"

	"github.com/google/uuid"
)

// LimitSize caps further growth to at most maxPages pages. A cap
// below the current page count is rejected with InvalidArg. A non-nil
// shake replaces the handle's ShakeCallback, which cacheEvict consults
// only under a configured cache mode; outside cache mode no callback
// runs before a store that would grow past the cap.
func (h *Handle) LimitSize(maxPages uint32, shake ShakeCallback) error {
	return h.withLock(true, 0, func() error {
		hdr := h.readHeader()
		if maxPages != 0 && maxPages < hdr.numPages {
			return kindErr("LimitSize", InvalidArg, nil)
		}
		hdr.maxPages = maxPages
		h.writeHeader(hdr)
		if shake != nil {
			h.shakeCB = shake
		}
		return nil
	})
}

// Purge empties every page but keeps the database's configuration
// (page size, hash function, cache mode, directory cap): it resets
// the directory to width zero and re-initializes the free list over
// everything past the (possibly now-shrunk) directory chunk.
func (h *Handle) Purge() error {
	return h.withLock(true, 0, func() error {
		h.shared.allocMu.Lock()
		defer h.shared.allocMu.Unlock()

		hdr := h.readHeader()

		for i := uint32(0); i < uint32(1)<<hdr.dirShift; i++ {
			p, _ := h.pagenumToPage(i, false)
			if p == 0 {
				continue
			}
			b, ch := h.pageBytes(p)
			for idx := uint32(0); idx < ch.union; idx++ {
				d := descAt(b, idx)
				if d.keyLen == 0 || d.flags&descFlagLOB == 0 {
					continue
				}
				start, end := entryRun(b, idx)
				valStart := start + alignUp(uint32(d.keyLen))
				if valStart+lobRecordSize > end {
					continue
				}
				rec := decodeLOBRecord(b[valStart : valStart+lobRecordSize])
				h.freeChunk(rec.pagenum)
			}
			h.freeChunk(p)
		}

		// the freeChunk calls above already rebuilt the free list
		// (coalescing everything past the directory chunk into one
		// run, via insertFree) and left firstFree/lastChunk correct;
		// only the directory's own shape still needs resetting.
		hdr = h.readHeader()
		hdr.dirShift = 0
		hdr.dirGen++
		hdr.dbFlags |= hflagPerfect
		h.writeHeader(hdr)

		b := h.dirBytes()
		for i := dirPayloadOffset; i < dirPayloadOffset+dirBitsLen(0)+pageTableLen(0); i++ {
			b[i] = 0
		}
		h.syncDir()
		return nil
	})
}

// Truncate resets the file to a brand-new, empty database at the
// original page size, discarding every page including the directory
// chunk's own grown extent.
func (h *Handle) Truncate() error {
	return h.withLock(true, 0, func() error {
		h.shared.allocMu.Lock()
		defer h.shared.allocMu.Unlock()

		pageSize := h.pageSize
		dirChunkPages := uint32(1)
		for dirChunkBytes(0) > int(dirChunkPages)*int(pageSize) {
			dirChunkPages++
		}
		size := int64(dirChunkPages) * int64(pageSize) * 4
		if !h.shared.memOnly {
			if err := h.shared.f.Truncate(size); err != nil {
				return kindErr("Truncate", IOError, err)
			}
		}
		oldMap := h.shared.m.Load()
		if h.window != nil {
			h.window.release()
		}
		if err := h.initLayout(Options{
			PageSize:    pageSize,
			HashFunc:    h.hashFn,
			CacheMode:   h.cacheMode,
			SpillSize:   h.spillSize,
			MaxDirShift: h.maxDirShift,
			Flags:       h.flags,
		}, size); err != nil {
			return err
		}
		if oldMap != nil {
			munmap(oldMap.data)
		}
		return nil
	})
}

// ReplaceDB atomically swaps this database's backing file for the
// contents of newPath: newPath is renamed over the live file, and this
// handle and every handle Dup'd from it switch to the new file at
// once. The old file's header is stamped hflagReplaced before the
// swap, but nothing in the engine reads that flag, so a Handle opened
// separately on the same path keeps using the old file.
func (h *Handle) ReplaceDB(newPath string) error {
	if h.shared.memOnly {
		return kindErr("ReplaceDB", InvalidArg, nil)
	}
	return h.withLock(true, 0, func() error {
		h.shared.mu.Lock()
		defer h.shared.mu.Unlock()

		newFile, err := os.OpenFile(newPath, os.O_RDWR, 0)
		if err != nil {
			return kindErr("ReplaceDB", IOError, err)
		}
		info, err := newFile.Stat()
		if err != nil {
			newFile.Close()
			return kindErr("ReplaceDB", IOError, err)
		}

		hdr := h.readHeader()
		hdr.dbFlags |= hflagReplaced
		h.writeHeader(hdr)
		if err := h.Sync(); err != nil {
			newFile.Close()
			return err
		}

		oldPath := h.shared.path
		// stage through a unique sibling name in the same directory
		// first, so a replacement that dies mid-rename never leaves
		// newPath's caller-supplied name and oldPath's name racing for
		// the same inode under two different paths.
		staged := oldPath + "." + uuid.NewString() + ".tmp"
		if err := os.Rename(newPath, staged); err != nil {
			newFile.Close()
			return kindErr("ReplaceDB", IOError, err)
		}
		if err := os.Rename(staged, oldPath); err != nil {
			newFile.Close()
			return kindErr("ReplaceDB", IOError, err)
		}

		old := h.shared.f
		h.shared.f = newFile
		old.Close()

		size := info.Size()
		var data []byte
		data, err = mmapFile(newFile, size, !h.flags.has(OReadOnly))
		if err != nil {
			return kindErr("ReplaceDB", IOError, err)
		}
		oldMap := h.shared.m.Load()
		h.shared.setMapping(data, size)
		if oldMap != nil {
			munmap(oldMap.data)
		}
		h.localMap = h.shared.m.Load()
		h.localGen = h.shared.gen.Load()
		if h.window != nil {
			h.window.release()
		}
		h.syncDir()
		return nil
	})
}

// FCopy writes a consistent, whole-file snapshot of the database to
// dst. wholeDB true holds the handle's write-mode lock for the whole
// copy, false its read-mode lock for the whole copy; there is no
// per-page locking mode.
func (h *Handle) FCopy(dst io.Writer, wholeDB bool) error {
	do := func() error {
		if h.shared.memOnly {
			d := h.data()
			if d == nil {
				return nil
			}
			_, err := dst.Write(d)
			if err != nil {
				return kindErr("FCopy", IOError, err)
			}
			return nil
		}
		if err := h.Sync(); err != nil {
			return err
		}
		hdr := h.readHeader()
		size := int64(hdr.numPages) * int64(hdr.pageSize)
		sr := io.NewSectionReader(h.shared.f, 0, size)
		if _, err := io.Copy(dst, sr); err != nil {
			return kindErr("FCopy", IOError, err)
		}
		return nil
	}
	if wholeDB {
		return h.withLock(true, 0, do)
	}
	return h.withLock(false, 0, do)
}
