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
	"bytes"
	"testing"
)

func TestLOBRecordRoundTrip(t *testing.T) {
	b := make([]byte, lobRecordSize)
	want := lobRecord{pagenum: 0x00abcdef, flags: 0x7, vallen: 123456}
	encodeLOBRecord(b, want)
	got := decodeLOBRecord(b)
	if got != want {
		t.Fatalf("lobRecord round trip: got %+v, want %+v", got, want)
	}
}

func openLOBHandle(t *testing.T) *Handle {
	t.Helper()
	return openMemHandle(t, Options{
		InitialSize: 512 * 64,
		Flags:       OLargeObjects,
		SpillSize:   32,
	})
}

func TestLargeObjectStoreFetchOverwriteDelete(t *testing.T) {
	h := openLOBHandle(t)
	key := []byte("big-value")
	val := bytes.Repeat([]byte("x"), 200) // well past the 32-byte spill threshold

	if err := h.Store(key, val, Insert, 0); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := h.Fetch(key)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, val) {
		t.Fatalf("Fetch: got %d bytes, want %d bytes matching original", len(got), len(val))
	}

	// same-length overwrite should take the in-place LOB path.
	val2 := bytes.Repeat([]byte("y"), 200)
	if err := h.Store(key, val2, Replace, 0); err != nil {
		t.Fatalf("Store replace: %v", err)
	}
	got, err = h.Fetch(key)
	if err != nil || !bytes.Equal(got, val2) {
		t.Fatalf("Fetch after replace: got %q, err %v", got, err)
	}

	// a replace that changes page count must still work via delete+insert.
	val3 := bytes.Repeat([]byte("z"), 5000)
	if err := h.Store(key, val3, Replace, 0); err != nil {
		t.Fatalf("Store replace (resized): %v", err)
	}
	got, err = h.Fetch(key)
	if err != nil || !bytes.Equal(got, val3) {
		t.Fatalf("Fetch after resized replace: len(got)=%d err=%v", len(got), err)
	}

	if err := h.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := h.Fetch(key); err == nil {
		t.Fatal("Fetch after Delete: expected an error")
	}
}

func TestSmallValuesStayInline(t *testing.T) {
	h := openLOBHandle(t)
	key := []byte("small")
	val := []byte("tiny")
	if err := h.Store(key, val, Insert, 0); err != nil {
		t.Fatalf("Store: %v", err)
	}
	p, err := h.pagenumToPage(h.hashToLogicalPage(hashByID(h.hashFn, key)), false)
	if err != nil || p == 0 {
		t.Fatalf("pagenumToPage: p=%d err=%v", p, err)
	}
	idx, found := h.findEntry(p, key, hashByID(h.hashFn, key))
	if !found {
		t.Fatal("findEntry: key not found")
	}
	b, _ := h.pageBytes(p)
	d := descAt(b, idx)
	if d.flags&descFlagLOB != 0 {
		t.Fatal("small value should not have been spilled to a LOB chunk")
	}
}
