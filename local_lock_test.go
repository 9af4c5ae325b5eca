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

func TestLocalLockerExclusive(t *testing.T) {
	l := newLocalLocker(1)
	if err := l.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !l.IsOwned() {
		t.Fatal("IsOwned: expected true after Lock")
	}
	if ok, err := l.TryLock(); ok || err != nil {
		t.Fatalf("TryLock while held: ok=%v err=%v, want false/nil", ok, err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if l.IsOwned() {
		t.Fatal("IsOwned: expected false after Unlock")
	}
	if ok, err := l.TryLock(); !ok || err != nil {
		t.Fatalf("TryLock after Unlock: ok=%v err=%v, want true/nil", ok, err)
	}
	l.Unlock()
}

func TestLocalLockerPartitionsAreIndependent(t *testing.T) {
	l := newLocalLocker(4)
	if l.Partitions() != 4 {
		t.Fatalf("Partitions: got %d, want 4", l.Partitions())
	}
	if err := l.PLock(0); err != nil {
		t.Fatalf("PLock(0): %v", err)
	}
	// a different partition must not be blocked by partition 0's lock.
	if ok, err := l.TryPLock(1); !ok || err != nil {
		t.Fatalf("TryPLock(1) while partition 0 held: ok=%v err=%v, want true/nil", ok, err)
	}
	if ok, _ := l.TryPLock(0); ok {
		t.Fatal("TryPLock(0): expected false while partition 0 is already held")
	}
	l.PUnlock(0)
	l.PUnlock(1)
}

func TestLocalLockerSharedAllowsConcurrentReaders(t *testing.T) {
	l := newLocalLocker(1)
	if err := l.LockShared(); err != nil {
		t.Fatalf("LockShared: %v", err)
	}
	if ok, err := l.TryLockShared(); !ok || err != nil {
		t.Fatalf("TryLockShared while another shared lock is held: ok=%v err=%v, want true/nil", ok, err)
	}
	l.UnlockShared()
	l.UnlockShared()
}

func TestLocalLockerZeroPartitionsDefaultsToOne(t *testing.T) {
	l := newLocalLocker(0)
	if l.Partitions() != 1 {
		t.Fatalf("Partitions with 0 requested: got %d, want 1", l.Partitions())
	}
}
