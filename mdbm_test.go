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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// openTemp opens a fresh file-backed database in t.TempDir(), filling
// in a small page size by default so tests can force splits/growth
// without needing thousands of entries.
func openTemp(t *testing.T, opts Options) *Handle {
	t.Helper()
	if opts.PageSize == 0 {
		opts.PageSize = 512
	}
	opts.Flags |= OCreate
	path := filepath.Join(t.TempDir(), "test.mdbm")
	h, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestStoreFetchDelete(t *testing.T) {
	h := openTemp(t, Options{})
	if err := h.Store([]byte("k1"), []byte("v1"), Insert, FlagNone); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := h.Fetch([]byte("k1"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("Fetch: got %q, want %q", got, "v1")
	}
	if err := h.Delete([]byte("k1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := h.Fetch([]byte("k1")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch after delete: got %v, want ErrNotFound", err)
	}
}

func TestStoreModes(t *testing.T) {
	h := openTemp(t, Options{})
	key := []byte("dup")

	if err := h.Store(key, []byte("first"), Insert, FlagNone); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := h.Store(key, []byte("again"), Insert, FlagNone); !errors.Is(err, ErrExists) {
		t.Fatalf("second Insert: got %v, want ErrExists", err)
	}
	if err := h.Store([]byte("missing"), []byte("x"), Modify, FlagNone); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Modify on missing key: got %v, want ErrNotFound", err)
	}
	if err := h.Store(key, []byte("replaced"), Replace, FlagNone); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	got, err := h.Fetch(key)
	if err != nil || string(got) != "replaced" {
		t.Fatalf("Fetch after Replace: got (%q, %v)", got, err)
	}
	if err := h.Store(key, []byte("dup-value"), InsertDup, FlagNone); err != nil {
		t.Fatalf("InsertDup: %v", err)
	}
}

func TestStoreRejectsInvalidKeys(t *testing.T) {
	h := openTemp(t, Options{})
	if err := h.Store(nil, []byte("v"), Insert, FlagNone); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("empty key: got %v, want ErrInvalidArg", err)
	}
	big := make([]byte, MaxKeyLen+1)
	if err := h.Store(big, []byte("v"), Insert, FlagNone); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("oversized key: got %v, want ErrInvalidArg", err)
	}
}

func TestOpenRejectsEmptyFileWithoutCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.mdbm")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	if _, err := Open(path, Options{}); err == nil {
		t.Fatal("Open: expected error opening empty file without OCreate")
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.mdbm")
	h, err := Open(path, Options{Flags: OCreate, PageSize: 512})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Store([]byte("k"), []byte("v"), Insert, FlagNone); err != nil {
		t.Fatal(err)
	}
	h.Close()

	ro, err := Open(path, Options{Flags: OReadOnly})
	if err != nil {
		t.Fatalf("Open read-only: %v", err)
	}
	defer ro.Close()
	got, err := ro.Fetch([]byte("k"))
	if err != nil || string(got) != "v" {
		t.Fatalf("Fetch on read-only handle: got (%q, %v)", got, err)
	}
	if err := ro.Store([]byte("k2"), []byte("v2"), Insert, FlagNone); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("Store on read-only handle: got %v, want ErrInvalidArg", err)
	}
}

func TestDupSharesData(t *testing.T) {
	h := openTemp(t, Options{})
	if err := h.Store([]byte("k"), []byte("v"), Insert, FlagNone); err != nil {
		t.Fatal(err)
	}
	d, err := h.Dup()
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	defer d.Close()
	got, err := d.Fetch([]byte("k"))
	if err != nil || string(got) != "v" {
		t.Fatalf("Fetch on dup: got (%q, %v)", got, err)
	}
	if err := d.Store([]byte("k2"), []byte("v2"), Insert, FlagNone); err != nil {
		t.Fatalf("Store on dup: %v", err)
	}
	got, err = h.Fetch([]byte("k2"))
	if err != nil || string(got) != "v2" {
		t.Fatalf("original handle should see dup's store: got (%q, %v)", got, err)
	}
}

func TestMemoryOnly(t *testing.T) {
	h, err := Open("", Options{Flags: OMemoryOnly, PageSize: 512})
	if err != nil {
		t.Fatalf("Open memory-only: %v", err)
	}
	defer h.Close()
	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		if err := h.Store(k, k, Insert, FlagNone); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
	}
	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		got, err := h.Fetch(k)
		if err != nil || string(got) != string(k) {
			t.Fatalf("Fetch %d: got (%q, %v)", i, got, err)
		}
	}
	if err := h.Sync(); err != nil {
		t.Fatalf("Sync on memory-only: %v", err)
	}
}

func TestStatsCountOperations(t *testing.T) {
	h := openTemp(t, Options{})
	h.Store([]byte("a"), []byte("1"), Insert, FlagNone)
	h.Fetch([]byte("a"))
	h.Delete([]byte("a"))
	st := h.Stats()
	if st.Stores != 1 || st.Fetches != 1 || st.Deletes != 1 {
		t.Fatalf("Stats: got %+v, want one each of stores/fetches/deletes", st)
	}
	if _, err := h.DescribeYAML(); err != nil {
		t.Fatalf("DescribeYAML: %v", err)
	}
}
