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

//go:build unix

package mdbm

import (
	"os"

	"golang.org/x/sys/unix"
)

func mmapFile(f *os.File, length int64, writable bool) ([]byte, error) {
	return mmapFileAt(f, 0, length, writable)
}

// mmapFileAt maps length bytes of f starting at offset, used by the
// windowed-mapping subsystem to pin individual chunk-sized regions
// instead of the whole file.
func mmapFileAt(f *os.File, offset, length int64, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(f.Fd()), offset, int(length), prot, unix.MAP_SHARED)
}

func mmapAnon(length int64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
}

func munmap(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}

func mprotectRead(b []byte) error {
	return unix.Mprotect(b, unix.PROT_READ)
}

func mprotectReadWrite(b []byte) error {
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}

func msync(b []byte) error {
	return unix.Msync(b, unix.MS_ASYNC)
}

func mlockPages(b []byte) error {
	return unix.Mlock(b)
}
