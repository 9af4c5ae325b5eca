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
	"fmt"
	"testing"
)

// TestStoreTriggersSplitAsPagesFill drives enough distinct keys
// through Store on a small-page database that the root page must
// split at least once, and checks every key remains reachable
// afterward, across however many logical pages its sibling landed on.
func TestStoreTriggersSplitAsPagesFill(t *testing.T) {
	h := openMemHandle(t, Options{PageSize: 128, InitialSize: 128 * 4})

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("val-%04d", i))
		if err := h.Store(key, val, Insert, 0); err != nil {
			t.Fatalf("Store(%s): %v", key, err)
		}
	}

	hdr := h.readHeader()
	if hdr.dirShift == 0 {
		t.Fatal("expected the directory to have widened after enough inserts to force a split")
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := fmt.Sprintf("val-%04d", i)
		got, err := h.Fetch(key)
		if err != nil {
			t.Fatalf("Fetch(%s): %v", key, err)
		}
		if string(got) != want {
			t.Fatalf("Fetch(%s): got %q, want %q", key, got, want)
		}
	}
}

func TestSplitWalkConsumesDirectoryBits(t *testing.T) {
	h := openMemHandle(t, Options{InitialSize: 512 * 8})
	// empty directory: every hash walks straight to node 0 with no
	// bits consumed.
	page, node, cursor := h.splitWalk(0xabc)
	if page != 0 || node != 0 || cursor != 0 {
		t.Fatalf("splitWalk on empty directory: got (page=%d,node=%d,cursor=%d), want all zero", page, node, cursor)
	}
}
