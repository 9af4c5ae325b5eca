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

func TestAlignUp(t *testing.T) {
	cases := map[uint32]uint32{0: 0, 1: 8, 7: 8, 8: 8, 9: 16, 15: 16, 16: 16}
	for in, want := range cases {
		if got := alignUp(in); got != want {
			t.Errorf("alignUp(%d): got %d, want %d", in, got, want)
		}
	}
}

func TestDescAtRoundTrip(t *testing.T) {
	b := make([]byte, chunkHeaderSize+4*entryDescSize)
	want := entryDesc{keyLen: 12, hashHi: 0xbeef, endOffset: 0x00aabbcc, flags: descFlagLOB | descFlagDirty}
	putDescAt(b, 2, want)
	got := descAt(b, 2)
	if got != want {
		t.Fatalf("descAt round trip: got %+v, want %+v", got, want)
	}
	// neighboring slots must stay untouched.
	if got := descAt(b, 1); got != (entryDesc{}) {
		t.Fatalf("slot 1 disturbed: %+v", got)
	}
}

func TestEntryRunAndFreeGap(t *testing.T) {
	pageSize := uint32(256)
	b := make([]byte, pageSize)
	initPageSentinel(b, pageSize)

	// manually append one entry's descriptor the way writeEntryInto
	// does: new slot at index 1, end_offset marking where its bytes
	// stop (growing upward from the bottom).
	const entrySize = 16
	putDescAt(b, 1, entryDesc{keyLen: 4, endOffset: pageSize - entrySize})
	ch := decodeChunkHeader(b)
	ch.union = 1
	encodeChunkHeader(b, ch)

	start, end := entryRun(b, 0)
	if start != pageSize-entrySize || end != pageSize {
		t.Fatalf("entryRun(0): got [%d,%d), want [%d,%d)", start, end, pageSize-entrySize, pageSize)
	}

	descEnd, bottom := freeGap(b, 1)
	wantDescEnd := uint32(chunkHeaderSize + 2*entryDescSize)
	if descEnd != wantDescEnd {
		t.Fatalf("freeGap descEnd: got %d, want %d", descEnd, wantDescEnd)
	}
	if bottom != pageSize-entrySize {
		t.Fatalf("freeGap dataBottom: got %d, want %d", bottom, pageSize-entrySize)
	}
}

func TestFindExactTombstone(t *testing.T) {
	pageSize := uint32(256)
	b := make([]byte, pageSize)
	initPageSentinel(b, pageSize)

	// two live-looking slots: a tombstone (keyLen=0) of size 16 at
	// index 0, and a live entry of size 24 at index 1.
	putDescAt(b, 0, entryDesc{keyLen: 0, endOffset: pageSize - 16})
	putDescAt(b, 1, entryDesc{keyLen: 4, endOffset: pageSize - 16 - 24})
	putDescAt(b, 2, entryDesc{endOffset: pageSize - 16 - 24})

	if i, ok := h0FindExactTombstone(b, 2, 16); !ok || i != 0 {
		t.Fatalf("findExactTombstone(16): got (%d,%v), want (0,true)", i, ok)
	}
	if _, ok := h0FindExactTombstone(b, 2, 8); ok {
		t.Fatal("findExactTombstone(8): expected no match for a size no tombstone has")
	}
}

// h0FindExactTombstone exercises the package-level helper without
// needing a live Handle, since findExactTombstone only touches the
// buffer it is given.
func h0FindExactTombstone(b []byte, n, need uint32) (uint32, bool) {
	var h Handle
	return h.findExactTombstone(b, n, need)
}

func TestWringPageCompactsTombstones(t *testing.T) {
	h := openMemHandle(t, Options{InitialSize: 512 * 8})
	p, err := h.pagenumToPage(0, true)
	if err != nil {
		t.Fatalf("pagenumToPage: %v", err)
	}

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	must(h.storeLocked([]byte("a"), []byte("1111"), hashByID(h.hashFn, []byte("a")), Insert, 0))
	must(h.storeLocked([]byte("b"), []byte("2222"), hashByID(h.hashFn, []byte("b")), Insert, 0))
	must(h.storeLocked([]byte("c"), []byte("3333"), hashByID(h.hashFn, []byte("c")), Insert, 0))
	must(h.deleteFromPage(p, []byte("b"), hashByID(h.hashFn, []byte("b"))))

	b, ch := h.pageBytes(p)
	before := ch.union
	wasTombstoned := false
	for i := uint32(0); i < before; i++ {
		if descAt(b, i).keyLen == 0 {
			wasTombstoned = true
		}
	}
	if !wasTombstoned {
		t.Fatal("expected a tombstone slot before wringPage")
	}

	if !h.wringPage(p) {
		t.Fatal("wringPage: expected it to report freed bytes")
	}
	b, ch = h.pageBytes(p)
	for i := uint32(0); i < ch.union; i++ {
		if descAt(b, i).keyLen == 0 {
			t.Fatalf("slot %d still tombstoned after wringPage", i)
		}
	}

	// both surviving keys must still resolve correctly after the
	// compaction renumbered their descriptor slots.
	val, found, err := h.fetchFromPage(p, []byte("a"), hashByID(h.hashFn, []byte("a")))
	if err != nil || !found || string(val) != "1111" {
		t.Fatalf("fetch a after wring: val=%q found=%v err=%v", val, found, err)
	}
	val, found, err = h.fetchFromPage(p, []byte("c"), hashByID(h.hashFn, []byte("c")))
	if err != nil || !found || string(val) != "3333" {
		t.Fatalf("fetch c after wring: val=%q found=%v err=%v", val, found, err)
	}
}
