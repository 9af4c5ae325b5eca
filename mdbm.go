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

// Package mdbm implements an embedded, memory-mapped key/value store:
// an extendible-hash directory over fixed-size pages, with optional
// large-object chunks, a bounded-cache eviction mode, and a rolling
// window for files larger than the process can usefully map whole.
package mdbm

import (
	"fmt"
	"os"
)

// Handle is one open reference to a database. A Handle is not safe
// for concurrent use by multiple goroutines without external
// coordination beyond what Locker already provides — callers that
// want independent concurrent access from multiple goroutines should
// call Dup and give each goroutine its own Handle, the same way
// mdbm_dup hands out one mdbm_t per thread in the original library.
type Handle struct {
	shared *sharedState

	localMap *mapping
	localGen uint64

	flags       OpenFlag
	pageSize    uint32
	alignMask   uint32
	spillSize   uint32
	cacheMode   CacheMode
	hashFn      uint8
	maxDirShift uint8

	window *windowState

	locker Locker

	dirCopy []byte

	statsCB StatsCallback
	shakeCB ShakeCallback
	cleanCB CleanCallback
	logger  Logger
}

// ShakeCallback is consulted before a page overflow forces an
// eviction in CacheLFU/CacheLRU/CacheGDSF mode: returning false vetoes
// evicting that particular entry, the same hook original_source's
// mdbm_set_shake_func exposes.
type ShakeCallback func(key, val []byte) bool

// CleanCallback runs before a dirty entry is evicted, so a caller
// can flush it elsewhere (e.g. write it back to a backing store)
// first; returning false means the write-back failed, and the entry
// is tagged SYNC_ERROR and skipped for the rest of this eviction
// pass rather than lost silently.
type CleanCallback func(key, val []byte) bool

// Open opens or creates a database at path according to opts.
func Open(path string, opts Options) (*Handle, error) {
	flags := opts.Flags
	mode := os.FileMode(opts.Mode)
	if mode == 0 {
		mode = 0644
	}

	if opts.Flags.has(OMemoryOnly) {
		return openMemoryOnly(opts)
	}

	osFlags := os.O_RDWR
	if flags.has(OReadOnly) {
		osFlags = os.O_RDONLY
	}
	if flags.has(OCreate) {
		osFlags |= os.O_CREATE
	}
	if flags.has(OTruncate) {
		osFlags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, osFlags, mode)
	if err != nil {
		return nil, kindErr("Open", IOError, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, kindErr("Open", IOError, err)
	}

	fresh := info.Size() == 0
	if fresh && !flags.has(OCreate) {
		f.Close()
		return nil, kindErr("Open", InvalidArg, fmt.Errorf("%s: empty file and O_CREATE not set", path))
	}

	shared := &sharedState{f: f, path: path}
	shared.refs.Store(1)

	h := &Handle{
		shared: shared,
		flags:  flags,
		locker: opts.Locker,
	}
	if h.locker == nil {
		h.locker = newLocalLocker(partitionsFor(flags))
	}

	if fresh {
		if err := h.initFresh(opts, info.Size()); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := h.openExisting(opts, info.Size()); err != nil {
			f.Close()
			return nil, err
		}
	}

	if flags.has(OWindowed) {
		ws, err := os.Stat(path)
		if err == nil {
			_ = ws
		}
		size := opts.WindowSize
		if size == 0 {
			size = defaultWindowSize
		}
		h.window = newWindowState(size, int64(h.pageSize))
	}

	if flags.has(OLockPages) {
		if d := h.data(); d != nil {
			_ = mlockPages(d)
		}
	}

	h.syncDir()
	return h, nil
}

func partitionsFor(flags OpenFlag) int {
	if flags.has(OLockPartitioned) {
		return defaultPartitions
	}
	return 1
}

const defaultPartitions = 32
const defaultWindowSize = 64 << 20

// openMemoryOnly builds a purely in-process database backed by an
// anonymous mapping, per spec.md §6's MDBM_OPEN_MEMORYONLY_CACHE.
func openMemoryOnly(opts Options) (*Handle, error) {
	shared := &sharedState{memOnly: true}
	shared.refs.Store(1)
	h := &Handle{shared: shared, flags: opts.Flags, locker: opts.Locker}
	if h.locker == nil {
		h.locker = newLocalLocker(partitionsFor(opts.Flags))
	}
	size := opts.InitialSize
	if size == 0 {
		size = int64(defaultPageSizeFor(opts)) * 4
	}
	if err := h.initLayout(opts, size); err != nil {
		return nil, err
	}
	h.syncDir()
	return h, nil
}

func defaultPageSizeFor(opts Options) uint32 {
	if opts.PageSize != 0 {
		return opts.PageSize
	}
	return 4096
}

// initFresh lays out a brand-new, empty database in the just-created
// (and still zero-length) file.
func (h *Handle) initFresh(opts Options, _ int64) error {
	pageSize := defaultPageSizeFor(opts)
	size := opts.InitialSize
	if size < int64(pageSize)*2 {
		size = int64(pageSize) * 4
	}
	// round up to a whole number of pages.
	if rem := size % int64(pageSize); rem != 0 {
		size += int64(pageSize) - rem
	}
	if err := h.shared.f.Truncate(size); err != nil {
		return kindErr("Open", IOError, err)
	}
	return h.initLayout(opts, size)
}

// initLayout writes the chunk-0 header, file header, and single
// initial free chunk covering the rest of the file, then establishes
// the handle's scalar config fields and initial mapping.
func (h *Handle) initLayout(opts Options, size int64) error {
	pageSize := defaultPageSizeFor(opts)
	if pageSize < minPageSize || pageSize > maxPageSize || pageSize&(pageSize-1) != 0 {
		return kindErr("Open", InvalidArg, fmt.Errorf("invalid page size %d", pageSize))
	}
	h.pageSize = pageSize
	h.alignMask = alignMask
	h.spillSize = opts.SpillSize
	h.cacheMode = opts.CacheMode
	h.hashFn = opts.HashFunc
	h.maxDirShift = opts.MaxDirShift
	if int(h.hashFn) >= len(hashFuncTable) {
		return kindErr("Open", InvalidArg, fmt.Errorf("unknown hash function id %d", h.hashFn))
	}

	var data []byte
	var err error
	if h.shared.memOnly {
		data, err = mmapAnon(size)
	} else {
		data, err = mmapFile(h.shared.f, size, true)
	}
	if err != nil {
		return kindErr("Open", IOError, err)
	}
	h.shared.setMapping(data, size)
	h.localMap = h.shared.m.Load()
	h.localGen = h.shared.gen.Load()

	numPages := uint32(size / int64(pageSize))
	dirChunkPages := uint32(1)
	for dirChunkBytes(0) > int(dirChunkPages)*int(pageSize) {
		dirChunkPages++
	}

	dirCh := chunkHeader{pType: ptypeDir, numPages: dirChunkPages}
	encodeChunkHeader(data, dirCh)

	var dbFlags uint16
	if h.flags.has(OLargeObjects) {
		dbFlags |= hflagLargeObj
	}

	hdr := header{
		dbFlags:     dbFlags,
		cacheMode:   h.cacheMode,
		dirShift:    0,
		hashFunc:    h.hashFn,
		maxDirShift: h.maxDirShift,
		pageSize:    pageSize,
		numPages:    numPages,
		spillSize:   h.spillSize,
		lastChunk:   0,
		firstFree:   0,
	}
	encodeHeader(data, hdr)

	if numPages > dirChunkPages {
		freeStart := dirChunkPages
		freePages := numPages - dirChunkPages
		freeCh := chunkHeader{pType: ptypeFree, numPages: freePages, prevNumPages: dirChunkPages}
		off := uint64(freeStart) * uint64(pageSize)
		encodeChunkHeader(data[off:], freeCh)
		hdr.firstFree = freeStart
		hdr.lastChunk = freeStart
		encodeHeader(data, hdr)
	}
	return nil
}

// openExisting maps an already-populated file and validates its
// header against opts.
func (h *Handle) openExisting(opts Options, size int64) error {
	var data []byte
	var err error
	writable := !opts.Flags.has(OReadOnly)
	data, err = mmapFile(h.shared.f, size, writable)
	if err != nil {
		return kindErr("Open", IOError, err)
	}
	h.shared.setMapping(data, size)
	h.localMap = h.shared.m.Load()
	h.localGen = h.shared.gen.Load()

	hdr, err := decodeHeader(data)
	if err != nil {
		munmap(data)
		return kindErr("Open", Corrupt, err)
	}
	if err := validateHeader(hdr, size); err != nil {
		munmap(data)
		return kindErr("Open", Corrupt, err)
	}

	h.pageSize = hdr.pageSize
	h.alignMask = alignMask
	h.spillSize = hdr.spillSize
	h.cacheMode = hdr.cacheMode
	h.hashFn = hdr.hashFunc
	h.maxDirShift = hdr.maxDirShift
	if hdr.dbFlags&hflagLargeObj != 0 {
		// large-object capability is a property of the file, not the
		// opener's request: restore it even if opts.Flags didn't ask
		// for it, so a reopened DB doesn't silently lose the ability
		// to fetch/delete entries an earlier OLargeObjects handle wrote.
		h.flags |= OLargeObjects
	}
	return nil
}

// Close releases this handle's reference to the shared mapping,
// unmapping and closing the underlying file once the last sibling
// handle has gone away.
func (h *Handle) Close() error {
	if h.flags.has(OFsyncOnClose) {
		if err := h.Sync(); err != nil {
			return err
		}
	}
	if left := h.shared.refs.Add(-1); left > 0 {
		return nil
	}
	if h.window != nil {
		h.window.release()
	}
	m := h.shared.m.Load()
	if m != nil {
		munmap(m.data)
	}
	if h.shared.f != nil {
		return h.shared.f.Close()
	}
	return nil
}

// Dup returns a new Handle sharing this one's underlying mapping and
// file descriptor, per spec.md §4.10.
func (h *Handle) Dup() (*Handle, error) {
	return h.dup(), nil
}

// Sync flushes the live mapping to the backing file. A no-op for a
// memory-only database.
func (h *Handle) Sync() error {
	if h.shared.memOnly {
		return nil
	}
	if h.window != nil {
		if err := h.window.sync(); err != nil {
			return kindErr("Sync", IOError, err)
		}
		return nil
	}
	d := h.data()
	if d == nil {
		return nil
	}
	if err := msync(d); err != nil {
		return kindErr("Sync", IOError, err)
	}
	return nil
}

// withLock runs fn while holding the handle's configured lock at the
// granularity appropriate for write, releasing it afterward
// regardless of fn's outcome.
func (h *Handle) withLock(write bool, partition int, fn func() error) error {
	fn = h.wrapProtect(write, fn)
	switch h.flags.lockMode() {
	case LockNone:
		return fn()
	case LockPartitioned:
		if err := h.locker.PLock(partition); err != nil {
			return kindErr("lock", LockDeadOwner, err)
		}
		defer h.locker.PUnlock(partition)
		return fn()
	case LockShared:
		if write {
			if err := h.locker.Lock(); err != nil {
				return kindErr("lock", LockDeadOwner, err)
			}
			defer h.locker.Unlock()
		} else {
			if err := h.locker.LockShared(); err != nil {
				return kindErr("lock", LockDeadOwner, err)
			}
			defer h.locker.UnlockShared()
		}
		return fn()
	default: // LockExclusive
		if err := h.locker.Lock(); err != nil {
			return kindErr("lock", LockDeadOwner, err)
		}
		defer h.locker.Unlock()
		return fn()
	}
}

// wrapProtect implements OProtect: the directory chunk's pages are
// kept mprotect'd PROT_READ except while a write-locked operation is
// actually in progress, so a stray write outside the locking protocol
// faults instead of silently corrupting the trie. Windowed handles and
// memory-only databases aren't covered (the window subsystem already
// maps the directory narrowly, and there's no fd-backed protection
// semantics for an anonymous mapping here).
func (h *Handle) wrapProtect(write bool, fn func() error) func() error {
	if !h.flags.has(OProtect) || h.shared.memOnly || h.window != nil || h.flags.has(OReadOnly) {
		return fn
	}
	return func() error {
		b := h.dirBytes()
		if write && b != nil {
			mprotectReadWrite(b)
		}
		err := fn()
		if b != nil {
			mprotectRead(b)
		}
		return err
	}
}

func (h *Handle) partitionFor(hv uint32) int {
	n := h.locker.Partitions()
	if n <= 0 {
		n = 1
	}
	return int(hv) % n
}

// Fetch looks up key and returns a copy of its value.
func (h *Handle) Fetch(key []byte) ([]byte, error) {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return nil, kindErr("Fetch", InvalidArg, nil)
	}
	start := statsStart()
	hv := hashByID(h.hashFn, key)
	var out []byte
	err := h.withLock(false, h.partitionFor(hv), func() error {
		h.syncDir()
		pnum := h.hashToLogicalPage(hv)
		p, err := h.pagenumToPage(pnum, false)
		if err != nil {
			return err
		}
		if p == 0 {
			return kindErr("Fetch", NotFound, nil)
		}
		val, ok, err := h.fetchFromPage(p, key, hv)
		if err != nil {
			return err
		}
		if !ok {
			return kindErr("Fetch", NotFound, nil)
		}
		out = val
		return nil
	})
	h.recordOp(OpFetch, key, start)
	return out, err
}

// Store inserts, replaces, or reserves key/val according to mode and
// flags.
func (h *Handle) Store(key, val []byte, mode StoreMode, flags StoreFlag) error {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return kindErr("Store", InvalidArg, nil)
	}
	if h.flags.has(OReadOnly) {
		return kindErr("Store", InvalidArg, fmt.Errorf("database opened read-only"))
	}
	start := statsStart()
	hv := hashByID(h.hashFn, key)
	err := h.withLock(true, h.partitionFor(hv), func() error {
		h.shared.allocMu.Lock()
		defer h.shared.allocMu.Unlock()
		h.syncDir()
		return h.storeLocked(key, val, hv, mode, flags)
	})
	h.recordOp(OpStore, key, start)
	return err
}

// Delete removes key, if present.
func (h *Handle) Delete(key []byte) error {
	if len(key) == 0 || len(key) > MaxKeyLen {
		return kindErr("Delete", InvalidArg, nil)
	}
	if h.flags.has(OReadOnly) {
		return kindErr("Delete", InvalidArg, fmt.Errorf("database opened read-only"))
	}
	start := statsStart()
	hv := hashByID(h.hashFn, key)
	err := h.withLock(true, h.partitionFor(hv), func() error {
		h.shared.allocMu.Lock()
		defer h.shared.allocMu.Unlock()
		h.syncDir()
		pnum := h.hashToLogicalPage(hv)
		p, err := h.pagenumToPage(pnum, false)
		if err != nil {
			return err
		}
		if p == 0 {
			return kindErr("Delete", NotFound, nil)
		}
		return h.deleteFromPage(p, key, hv)
	})
	h.recordOp(OpDelete, key, start)
	return err
}
