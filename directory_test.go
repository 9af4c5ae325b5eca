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

func TestHashToLogicalPageEmptyDirectory(t *testing.T) {
	bits := make([]byte, 1)
	for _, hv := range []uint32{0, 1, 0xdeadbeef} {
		if got := hashToLogicalPage(bits, 3, hv); got != 0 {
			t.Fatalf("hashToLogicalPage(%#x): got %d, want 0 with no bits set", hv, got)
		}
	}
}

func TestHashToLogicalPageOneLevelSplit(t *testing.T) {
	bits := make([]byte, 1)
	setBit(bits, 0, true) // root split: one hash bit consumed, none beyond

	// bit 0 of the hash picks which of the two leaves is walked to,
	// and as the only consumed bit it is also the resolved logical
	// page; bit 1 plays no part at this depth.
	cases := []struct {
		hv   uint32
		want uint32
	}{
		{0, 0}, // bit0=0 -> page 0
		{1, 1}, // bit0=1 -> page 1
		{2, 0}, // bit0=0 -> page 0, bit1 ignored
		{3, 1}, // bit0=1 -> page 1, bit1 ignored
	}
	for _, c := range cases {
		if got := hashToLogicalPage(bits, 3, c.hv); got != c.want {
			t.Errorf("hash %#x: got logical page %d, want %d", c.hv, got, c.want)
		}
	}
}

func TestGetSetBitRoundTrip(t *testing.T) {
	bits := make([]byte, 4)
	for _, i := range []uint32{0, 1, 7, 8, 15, 31} {
		setBit(bits, i, true)
		if !getBit(bits, i) {
			t.Fatalf("bit %d: expected set after setBit(true)", i)
		}
		setBit(bits, i, false)
		if getBit(bits, i) {
			t.Fatalf("bit %d: expected clear after setBit(false)", i)
		}
	}
}

func TestPagenumToPageAllocatesOnce(t *testing.T) {
	h := openMemHandle(t, Options{InitialSize: 512 * 8})

	p1, err := h.pagenumToPage(0, true)
	if err != nil {
		t.Fatalf("pagenumToPage alloc: %v", err)
	}
	if p1 == 0 {
		t.Fatal("pagenumToPage: expected a non-zero chunk for logical page 0")
	}

	p2, err := h.pagenumToPage(0, false)
	if err != nil {
		t.Fatalf("pagenumToPage lookup: %v", err)
	}
	if p2 != p1 {
		t.Fatalf("pagenumToPage: lookup returned %d, want the allocated chunk %d", p2, p1)
	}

	p3, err := h.pagenumToPage(1, false)
	if err != nil {
		t.Fatalf("pagenumToPage unallocated lookup: %v", err)
	}
	if p3 != 0 {
		t.Fatalf("pagenumToPage: expected 0 for an unallocated logical page without alloc, got %d", p3)
	}
}

func TestGrowDirectoryWidensAndBumpsGeneration(t *testing.T) {
	h := openMemHandle(t, Options{InitialSize: 512 * 64})
	hdr := h.readHeader()
	beforeShift := hdr.dirShift
	beforeGen := hdr.dirGen

	if err := h.growDirectory(); err != nil {
		t.Fatalf("growDirectory: %v", err)
	}

	hdr = h.readHeader()
	if hdr.dirShift != beforeShift+1 {
		t.Fatalf("dirShift: got %d, want %d", hdr.dirShift, beforeShift+1)
	}
	if hdr.dirGen != beforeGen+1 {
		t.Fatalf("dirGen: got %d, want %d", hdr.dirGen, beforeGen+1)
	}
	if hdr.dbFlags&hflagPerfect != 0 {
		t.Fatal("growDirectory: hflagPerfect should be cleared once the directory is unbalanced")
	}

	// the page table for logical page 0 must survive the widening
	// untouched, since growDirectory only relocates bytes, not
	// entries.
	if _, err := h.pagenumToPage(0, true); err != nil {
		t.Fatalf("pagenumToPage after growDirectory: %v", err)
	}
}

func TestGrowDirectoryRejectsMaxDirShift(t *testing.T) {
	h := openMemHandle(t, Options{InitialSize: 512 * 64})
	if err := h.growDirectory(); err != nil {
		t.Fatalf("growDirectory: unexpected error priming the shift: %v", err)
	}

	hdr := h.readHeader()
	hdr.maxDirShift = hdr.dirShift // cap it at the width we just reached
	h.writeHeader(hdr)

	if err := h.growDirectory(); err == nil {
		t.Fatal("growDirectory: expected error once maxDirShift is reached")
	}
}
