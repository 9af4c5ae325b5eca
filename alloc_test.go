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

import "testing"

func openMemHandle(t *testing.T, opts Options) *Handle {
	t.Helper()
	if opts.PageSize == 0 {
		opts.PageSize = 512
	}
	opts.Flags |= OMemoryOnly
	h, err := Open("", opts)
	if err != nil {
		t.Fatalf("Open memory-only: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestAllocChunkExactFit(t *testing.T) {
	h := openMemHandle(t, Options{InitialSize: 512 * 8})
	hdr := h.readHeader()
	if hdr.firstFree == 0 {
		t.Fatal("expected an initial free chunk past the directory")
	}
	freeStart := hdr.firstFree
	freePages := h.peekChunkHeader(freeStart).numPages

	p, err := h.allocChunk(ptypeData, freePages, 0, 0)
	if err != nil {
		t.Fatalf("allocChunk: %v", err)
	}
	if p != freeStart {
		t.Fatalf("allocChunk: got chunk %d, want the whole free run at %d", p, freeStart)
	}
	ch := h.peekChunkHeader(p)
	if ch.pType != ptypeData || ch.numPages != freePages {
		t.Fatalf("allocated chunk header mismatch: %+v", ch)
	}
	hdr = h.readHeader()
	if hdr.firstFree != 0 {
		t.Fatalf("free list should be empty after consuming the only free chunk, got firstFree=%d", hdr.firstFree)
	}
}

func TestAllocChunkBestFitLeavesLeftover(t *testing.T) {
	h := openMemHandle(t, Options{InitialSize: 512 * 8})
	hdr := h.readHeader()
	freeStart := hdr.firstFree
	freePages := h.peekChunkHeader(freeStart).numPages
	if freePages < 2 {
		t.Fatalf("need at least 2 free pages for this test, got %d", freePages)
	}

	p, err := h.allocChunk(ptypeData, 1, 0, 0)
	if err != nil {
		t.Fatalf("allocChunk: %v", err)
	}
	if p != freeStart {
		t.Fatalf("allocChunk: got %d, want %d", p, freeStart)
	}
	leftover := p + 1
	lh := h.peekChunkHeader(leftover)
	if lh.pType != ptypeFree || lh.numPages != freePages-1 {
		t.Fatalf("leftover chunk mismatch: %+v", lh)
	}
	hdr = h.readHeader()
	if hdr.firstFree != leftover {
		t.Fatalf("firstFree: got %d, want leftover at %d", hdr.firstFree, leftover)
	}
}

func TestFreeChunkCoalescesNeighbors(t *testing.T) {
	h := openMemHandle(t, Options{InitialSize: 512 * 8})
	hdr := h.readHeader()
	freeStart := hdr.firstFree
	total := h.peekChunkHeader(freeStart).numPages

	a, err := h.allocChunk(ptypeData, 1, 0, 0)
	if err != nil {
		t.Fatalf("allocChunk a: %v", err)
	}
	b, err := h.allocChunk(ptypeData, 1, 0, 0)
	if err != nil {
		t.Fatalf("allocChunk b: %v", err)
	}
	if b != a+1 {
		t.Fatalf("expected b to directly follow a: a=%d b=%d", a, b)
	}

	h.freeChunk(a)
	h.freeChunk(b)

	hdr = h.readHeader()
	fh := h.peekChunkHeader(hdr.firstFree)
	if hdr.firstFree != freeStart {
		t.Fatalf("firstFree: got %d, want %d (coalesced back to original start)", hdr.firstFree, freeStart)
	}
	if fh.numPages != total {
		t.Fatalf("coalesced free run: got %d pages, want %d", fh.numPages, total)
	}
}

func TestGrowFileRespectsMaxPages(t *testing.T) {
	h := openMemHandle(t, Options{InitialSize: 512 * 2})
	hdr := h.readHeader()
	hdr.maxPages = hdr.numPages
	h.writeHeader(hdr)

	if _, err := h.allocChunk(ptypeData, 1000, 0, 0); err == nil {
		t.Fatal("allocChunk: expected NoMemory once maxPages blocks growth")
	}
}
