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
	"crypto/md5"
	"crypto/sha1"
	"hash/crc32"
	"hash/fnv"

	"github.com/dchest/siphash"
	"golang.org/x/crypto/blake2b"
)

// hashFunc computes a 32-bit digest of key. The identifier stored
// in the header's h_hash_func byte picks one of these once and for
// all: it must never change for a file that already has entries.
type hashFunc func(key []byte) uint32

// hashFuncTable mirrors original_source/src/lib/mdbm.c's
// MDBM_HASH_FUNCNAMES table for ids 0-10 (so the on-disk id stays
// meaningful), extended with two pack-grounded additions at 11-12.
var hashFuncTable = []struct {
	name string
	fn   hashFunc
}{
	{"CRC-32", hashCRC32},
	{"EJB", hashEJB},
	{"Phong", hashPhong},
	{"OZ", hashOZ},
	{"Torek", hashTorek},
	{"FNV", hashFNV},
	{"STL", hashSTL},
	{"MD5", hashMD5},
	{"SHA-1", hashSHA1},
	{"Jenkins", hashJenkins},
	{"Hsieh", hashHsieh},
	{"SipHash", hashSipHash},
	{"BLAKE2b", hashBlake2b},
}

// DefaultHashFunc is the id used by Open when Options.HashFunc is
// left at zero and the caller didn't otherwise request one; CRC-32
// matches MDBM_DEFAULT_HASH in the original source.
const DefaultHashFunc = 0

func hashByID(id uint8, key []byte) uint32 {
	return hashFuncTable[id].fn(key)
}

func hashCRC32(key []byte) uint32 {
	return crc32.ChecksumIEEE(key)
}

func hashFNV(key []byte) uint32 {
	h := fnv.New32a()
	h.Write(key)
	return h.Sum32()
}

func hashMD5(key []byte) uint32 {
	sum := md5.Sum(key)
	return uint32(sum[0]) | uint32(sum[1])<<8 | uint32(sum[2])<<16 | uint32(sum[3])<<24
}

func hashSHA1(key []byte) uint32 {
	sum := sha1.Sum(key)
	return uint32(sum[0]) | uint32(sum[1])<<8 | uint32(sum[2])<<16 | uint32(sum[3])<<24
}

func hashSipHash(key []byte) uint32 {
	v := siphash.Hash(0, 0, key)
	return uint32(v) ^ uint32(v>>32)
}

func hashBlake2b(key []byte) uint32 {
	sum := blake2b.Sum256(key)
	return uint32(sum[0]) | uint32(sum[1])<<8 | uint32(sum[2])<<16 | uint32(sum[3])<<24
}

// hashEJB is the classic ELF/Bina string hash used by early Unix
// linkers and several ndbm-derived hash tables.
func hashEJB(key []byte) uint32 {
	var h uint32
	for _, c := range key {
		h = (h << 4) + uint32(c)
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
			h &^= g
		}
	}
	return h
}

// hashPhong is Phong Vo's sdbm-style multiplicative hash.
func hashPhong(key []byte) uint32 {
	var h uint32
	for _, c := range key {
		h = uint32(c) + (h << 6) + (h << 16) - h
	}
	return h
}

// hashOZ is a plain multiplicative hash with a different constant
// than hashPhong, as tabulated separately in the original source.
func hashOZ(key []byte) uint32 {
	var h uint32 = 1000003
	for _, c := range key {
		h = (h * 33) ^ uint32(c)
	}
	return h
}

// hashTorek is Chris Torek's hash, as used in several BSD dbm
// implementations.
func hashTorek(key []byte) uint32 {
	var h uint32
	for _, c := range key {
		h = (h * 33) + uint32(c)
	}
	return h
}

// hashSTL is a simple polynomial string hash in the shape libstdc++
// historically used for std::hash<string> on small strings.
func hashSTL(key []byte) uint32 {
	var h uint32 = 5381
	for _, c := range key {
		h = h*131 + uint32(c)
	}
	return h
}

// hashJenkins is Bob Jenkins' "one-at-a-time" hash.
func hashJenkins(key []byte) uint32 {
	var h uint32
	for _, c := range key {
		h += uint32(c)
		h += h << 10
		h ^= h >> 6
	}
	h += h << 3
	h ^= h >> 11
	h += h << 15
	return h
}

// hashHsieh is Paul Hsieh's SuperFastHash.
func hashHsieh(key []byte) uint32 {
	n := len(key)
	if n == 0 {
		return 0
	}
	hash := uint32(n)
	rem := n & 3
	n -= rem
	i := 0
	get16 := func(off int) uint32 {
		return uint32(key[off]) | uint32(key[off+1])<<8
	}
	for ; n > 0; n -= 4 {
		hash += get16(i)
		tmp := (get16(i+2) << 11) ^ hash
		hash = (hash << 16) ^ tmp
		hash += hash >> 11
		i += 4
	}
	switch rem {
	case 3:
		hash += get16(i)
		hash ^= hash << 16
		hash ^= uint32(key[i+2]) << 18
		hash += hash >> 11
	case 2:
		hash += get16(i)
		hash ^= hash << 11
		hash += hash >> 17
	case 1:
		hash += uint32(key[i])
		hash ^= hash << 10
		hash += hash >> 1
	}
	hash ^= hash << 3
	hash += hash >> 5
	hash ^= hash << 4
	hash += hash >> 17
	hash ^= hash << 25
	hash += hash >> 6
	return hash
}
