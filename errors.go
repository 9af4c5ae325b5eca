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

import "fmt"

// Kind classifies the errors the engine can return, per the
// error-handling design: local-only recovery escalates through
// allocator/compaction/split/eviction stages before ever reaching
// the caller, so whatever does reach the caller is one of these.
type Kind int

const (
	InvalidArg Kind = iota
	NotFound
	Exists
	WouldBlock
	NoMemory
	IOError
	Corrupt
	LockDeadOwner
	ReplacedKind
)

func (k Kind) String() string {
	switch k {
	case InvalidArg:
		return "invalid argument"
	case NotFound:
		return "not found"
	case Exists:
		return "exists"
	case WouldBlock:
		return "would block"
	case NoMemory:
		return "no memory"
	case IOError:
		return "io error"
	case Corrupt:
		return "corrupt"
	case LockDeadOwner:
		return "lock owner died"
	case ReplacedKind:
		return "db replaced"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the operation that
// failed and the Kind a caller should branch on via errors.As.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mdbm: %s: %s: %s", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("mdbm: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) work by comparing Kind
// against the sentinels below.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*Error)
	if !ok {
		return false
	}
	return sentinel.Kind == e.Kind && sentinel.Op == ""
}

func kindErr(op string, kind Kind, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinels for errors.Is comparisons; Op is intentionally left
// empty so Error.Is matches on Kind alone.
var (
	ErrInvalidArg     = &Error{Kind: InvalidArg}
	ErrNotFound       = &Error{Kind: NotFound}
	ErrExists         = &Error{Kind: Exists}
	ErrWouldBlock     = &Error{Kind: WouldBlock}
	ErrNoMemory       = &Error{Kind: NoMemory}
	ErrIO             = &Error{Kind: IOError}
	ErrCorrupt        = &Error{Kind: Corrupt}
	ErrLockDeadOwner  = &Error{Kind: LockDeadOwner}
	ErrReplaced       = &Error{Kind: ReplacedKind}
)
