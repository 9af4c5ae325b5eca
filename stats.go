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
	"time"

	"sigs.k8s.io/yaml"
)

// Op identifies which measured operation a StatsCallback observed.
type Op int

const (
	OpFetch Op = iota
	OpStore
	OpDelete
	OpIterate
	OpSync
)

func (o Op) String() string {
	switch o {
	case OpFetch:
		return "fetch"
	case OpStore:
		return "store"
	case OpDelete:
		return "delete"
	case OpIterate:
		return "iterate"
	case OpSync:
		return "sync"
	default:
		return "?"
	}
}

// StatsCallback is the "stats" callback surface from Design Notes
// §9: invoked on every measured operation with its key and the
// time it took. A nil callback is simply never invoked.
type StatsCallback func(op Op, key []byte, elapsed time.Duration)

// Logger is the minimal one-method logging surface the engine
// expects; mirrors tenant/dcache.Logger in the teacher repo.
type Logger interface {
	Printf(format string, args ...any)
}

func statsStart() time.Time { return time.Now() }

func (h *Handle) recordOp(op Op, key []byte, start time.Time) {
	elapsed := time.Since(start)
	now := uint64(time.Now().UnixNano())
	hdr := h.readHeader()
	switch op {
	case OpFetch:
		hdr.fetches++
		hdr.lastFetch = now
	case OpStore:
		hdr.stores++
		hdr.lastStore = now
	case OpDelete:
		hdr.deletes++
		hdr.lastDelete = now
	}
	// a read-only handle's mapping cannot take the counter update.
	if !h.flags.has(OReadOnly) {
		h.writeHeader(hdr)
	}
	if h.statsCB != nil {
		h.statsCB(op, key, elapsed)
	}
}

// StatsSnapshot is a point-in-time, human-readable copy of the
// header's counters, suitable for admin dumps.
type StatsSnapshot struct {
	Fetches    uint64 `json:"fetches"`
	LastFetch  int64  `json:"lastFetch"`
	Stores     uint64 `json:"stores"`
	LastStore  int64  `json:"lastStore"`
	Deletes    uint64 `json:"deletes"`
	LastDelete int64  `json:"lastDelete"`
	DirShift   uint8  `json:"dirShift"`
	NumPages   uint32 `json:"numPages"`
	PageSize   uint32 `json:"pageSize"`
}

// Stats returns a snapshot of the running counters.
func (h *Handle) Stats() StatsSnapshot {
	hdr := h.readHeader()
	return StatsSnapshot{
		Fetches:    hdr.fetches,
		LastFetch:  int64(hdr.lastFetch),
		Stores:     hdr.stores,
		LastStore:  int64(hdr.lastStore),
		Deletes:    hdr.deletes,
		LastDelete: int64(hdr.lastDelete),
		DirShift:   hdr.dirShift,
		NumPages:   hdr.numPages,
		PageSize:   hdr.pageSize,
	}
}

// DescribeYAML renders Stats as YAML, the same way the teacher's
// config-shaped structures round-trip through sigs.k8s.io/yaml for
// human consumption (db/def.go and friends).
func (h *Handle) DescribeYAML() (string, error) {
	b, err := yaml.Marshal(h.Stats())
	if err != nil {
		return "", err
	}
	return string(b), nil
}
