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

// LockMode selects the granularity a handle was opened with. A
// handle is opened in exactly one mode; modes cannot be mixed
// between handles sharing a file (spec.md §5).
type LockMode int

const (
	LockExclusive LockMode = iota
	LockShared
	LockPartitioned
	LockNone
)

// Locker is the external collaborator the engine requires for all
// cross-process/cross-thread synchronization. The platform lock
// primitive itself is explicitly out of scope (spec.md §1); this
// interface is the contract spec.md §6 asks a collaborator to meet.
// The engine never implements process-crash detection itself: that
// is NeedsIntegrityCheck's job, reported by the collaborator.
type Locker interface {
	// Lock acquires the whole-DB exclusive lock, blocking.
	Lock() error
	// TryLock attempts the whole-DB exclusive lock without blocking;
	// ok is false if it would have blocked.
	TryLock() (ok bool, err error)
	Unlock() error

	// LockShared/TryLockShared/UnlockShared are the multiple-reader
	// grant used by handles opened in LockShared mode.
	LockShared() error
	TryLockShared() (ok bool, err error)
	UnlockShared() error

	// PLock/TryPLock/PUnlock take one of N partition locks, keyed
	// by logical page modulo the partition count (spec.md §5).
	PLock(partition int) error
	TryPLock(partition int) (ok bool, err error)
	PUnlock(partition int) error

	// IsOwned reports whether the calling handle currently holds
	// the whole-DB exclusive lock (used by internal assertions that
	// must run only while already holding it).
	IsOwned() bool

	// NeedsIntegrityCheck reports whether a prior lock owner died
	// while holding the lock; the engine's caller is expected to
	// run a check pass or demand operator intervention in response.
	NeedsIntegrityCheck() bool

	// Reset clears any stale lock state left by a dead owner.
	Reset() error

	// Partitions returns the number of partitions this Locker was
	// constructed with (meaningful only in LockPartitioned mode).
	Partitions() int
}
