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
	"testing"
)

func TestIteratorVisitsEveryEntryExactlyOnce(t *testing.T) {
	h := openMemHandle(t, Options{PageSize: 128, InitialSize: 128 * 4})

	const n = 60
	want := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%03d", i)
		v := fmt.Sprintf("val-%03d", i)
		if err := h.Store([]byte(k), []byte(v), Insert, 0); err != nil {
			t.Fatalf("Store: %v", err)
		}
		want[k] = v
	}

	seen := make(map[string]string, n)
	it, key, val, err := h.First()
	for {
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				break
			}
			t.Fatalf("iteration: %v", err)
		}
		if _, dup := seen[string(key)]; dup {
			t.Fatalf("key %q visited twice", key)
		}
		seen[string(key)] = string(val)
		key, val, err = h.Next(it)
	}

	if len(seen) != len(want) {
		t.Fatalf("visited %d entries, want %d", len(seen), len(want))
	}
	for k, v := range want {
		if seen[k] != v {
			t.Errorf("key %q: got %q, want %q", k, seen[k], v)
		}
	}
}

func TestIteratorOnEmptyDatabase(t *testing.T) {
	h := openMemHandle(t, Options{InitialSize: 512 * 4})
	_, _, _, err := h.First()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("First on empty db: got %v, want ErrNotFound", err)
	}
}

func TestDeleteAtRemovesCurrentEntry(t *testing.T) {
	h := openMemHandle(t, Options{InitialSize: 512 * 4})
	for _, k := range []string{"a", "b", "c"} {
		if err := h.Store([]byte(k), []byte("v-"+k), Insert, 0); err != nil {
			t.Fatalf("Store(%s): %v", k, err)
		}
	}

	it, key, _, err := h.First()
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	deleted := string(key)
	if err := h.DeleteAt(it); err != nil {
		t.Fatalf("DeleteAt: %v", err)
	}

	if _, err := h.Fetch([]byte(deleted)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch(%s) after DeleteAt: got %v, want ErrNotFound", deleted, err)
	}

	// the remaining two keys must still be reachable by continuing
	// iteration from where DeleteAt left it, and by direct Fetch.
	remaining := 0
	for {
		_, _, err := h.Next(it)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				break
			}
			t.Fatalf("Next after DeleteAt: %v", err)
		}
		remaining++
	}
	if remaining != 2 {
		t.Fatalf("Next after DeleteAt: visited %d more entries, want 2", remaining)
	}
}

func TestDeleteAtWithoutAdvanceIsInvalid(t *testing.T) {
	h := openMemHandle(t, Options{InitialSize: 512 * 4})
	it := &Iterator{next: -1}
	if err := h.DeleteAt(it); err == nil {
		t.Fatal("DeleteAt: expected InvalidArg before any First/Next call")
	}
}
