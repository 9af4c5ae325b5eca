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

func TestOpenFlagHas(t *testing.T) {
	f := OCreate | OWindowed
	if !f.has(OCreate) || !f.has(OWindowed) {
		t.Fatal("has: expected both OCreate and OWindowed set")
	}
	if f.has(OReadOnly) {
		t.Fatal("has: OReadOnly was never set")
	}
}

func TestLockModeResolution(t *testing.T) {
	cases := []struct {
		flags OpenFlag
		want  LockMode
	}{
		{0, LockExclusive},
		{ONoLock, LockNone},
		{OLockPartitioned, LockPartitioned},
		{OLockShared, LockShared},
		// ONoLock takes priority when multiple lock-mode bits are set.
		{ONoLock | OLockShared, LockNone},
	}
	for _, c := range cases {
		if got := c.flags.lockMode(); got != c.want {
			t.Errorf("lockMode(%#x): got %v, want %v", c.flags, got, c.want)
		}
	}
}
