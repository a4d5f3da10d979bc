package arc

import (
	"fmt"

	"github.com/arcfs/arc/lib/blockaddr"
)

// BlockType distinguishes the two independently-tracked block
// categories the cache sizes and evicts separately.
type BlockType int

const (
	BlockTypeData BlockType = iota
	BlockTypeMetadata
)

func (t BlockType) String() string {
	if t == BlockTypeMetadata {
		return "metadata"
	}
	return "data"
}

// Identity names a single cacheable block: the pool it belongs to, its
// disk-virtual-address, and the transaction group it was born in. Two
// blocks with the same DVA but different birth transaction groups are
// unrelated blocks that happen to share storage, not the same block
// written twice (spec §3.1).
type Identity struct {
	Guid  blockaddr.GUID
	DVA   blockaddr.DVA
	Birth blockaddr.Txg
}

func (id Identity) String() string {
	return fmt.Sprintf("%v/%v@%d", id.Guid, id.DVA, id.Birth)
}

func (a Identity) Cmp(b Identity) int {
	if a.Guid != b.Guid {
		if a.Guid < b.Guid {
			return -1
		}
		return 1
	}
	if d := a.DVA.Cmp(b.DVA); d != 0 {
		return d
	}
	if a.Birth != b.Birth {
		if a.Birth < b.Birth {
			return -1
		}
		return 1
	}
	return 0
}

// cityhash64 is a direct Go port of the public-domain CityHash64
// algorithm (Google, CityHash v1.0.3, for seedless 64-bit hashing of
// short keys), the hash ZFS uses for its buffer hash table (spec
// §3.1/§4.1). It is hand-written rather than pulled from a dependency
// because the spec pins this exact algorithm, and matching its output
// is part of the spec, not an implementation detail we're free to
// swap for any general-purpose hash.
func cityhash64(b []byte) uint64 {
	const (
		k0 = 0xc3a5c85c97cb3127
		k1 = 0xb492b66fbe98f273
		k2 = 0x9ae16a3b2f90404f
	)
	rotate := func(val uint64, shift uint) uint64 {
		if shift == 0 {
			return val
		}
		return (val >> shift) | (val << (64 - shift))
	}
	fetch64 := func(p []byte) uint64 {
		return uint64(p[0]) | uint64(p[1])<<8 | uint64(p[2])<<16 | uint64(p[3])<<24 |
			uint64(p[4])<<32 | uint64(p[5])<<40 | uint64(p[6])<<48 | uint64(p[7])<<56
	}
	fetch32 := func(p []byte) uint64 {
		return uint64(p[0]) | uint64(p[1])<<8 | uint64(p[2])<<16 | uint64(p[3])<<24
	}
	shiftMix := func(val uint64) uint64 {
		return val ^ (val >> 47)
	}
	hashLen16 := func(u, v uint64) uint64 {
		const mul = 0x9ddfea08eb382d69
		a := (u ^ v) * mul
		a ^= a >> 47
		b := (v ^ a) * mul
		b ^= b >> 47
		b *= mul
		return b
	}
	hashLen0to16 := func(s []byte) uint64 {
		slen := uint64(len(s))
		if slen >= 8 {
			mul := k2 + slen*2
			a := fetch64(s) + k2
			b := fetch64(s[len(s)-8:])
			c := rotate(b, 37)*mul + a
			d := (rotate(a, 25) + b) * mul
			return hashLen16(c, d) * mul
		}
		if slen >= 4 {
			mul := k2 + slen*2
			a := fetch32(s)
			return hashLen16(slen+(a<<3), fetch32(s[len(s)-4:])) * mul
		}
		if slen > 0 {
			a := s[0]
			b := s[slen>>1]
			c := s[slen-1]
			y := uint64(a) + uint64(b)<<8
			z := slen + uint64(c)<<2
			return shiftMix(y*k2^z*k0) * k2
		}
		return k2
	}
	weakHashLen32WithSeeds := func(w, x, y, z, a, b uint64) (uint64, uint64) {
		a += w
		b = rotate(b+a+z, 21)
		c := a
		a += x
		a += y
		b += rotate(a, 44)
		return a + z, b + c
	}
	weakHashLen32WithSeedsBytes := func(s []byte, a, b uint64) (uint64, uint64) {
		return weakHashLen32WithSeeds(fetch64(s), fetch64(s[8:]), fetch64(s[16:]), fetch64(s[24:]), a, b)
	}
	hashLen17to32 := func(s []byte) uint64 {
		slen := uint64(len(s))
		mul := k2 + slen*2
		a := fetch64(s) * k1
		b := fetch64(s[8:])
		c := fetch64(s[len(s)-8:]) * mul
		d := fetch64(s[len(s)-16:]) * k2
		return hashLen16(rotate(a+b, 43)+rotate(c, 30)+d, a+rotate(b+k2, 18)+c*mul)
	}
	hashLen33to64 := func(s []byte) uint64 {
		slen := uint64(len(s))
		mul := k2 + slen*2
		a := fetch64(s) * k2
		b := fetch64(s[8:])
		c := fetch64(s[len(s)-8:]) * mul
		d := fetch64(s[len(s)-16:]) * k2
		y := rotate(a+b, 43) + rotate(c, 30) + d
		z := hashLen16(y, a+rotate(b+k2, 18)+c*mul)
		e := fetch64(s[16:]) * mul
		f := fetch64(s[24:])
		g := (y + fetch64(s[len(s)-32:])) * mul
		h := (z + fetch64(s[len(s)-24:])) * mul
		return hashLen16(rotate(e+f, 43)+rotate(g, 30)+h, e+rotate(f+a, 18)+g*mul)
	}

	if len(b) <= 32 {
		if len(b) <= 16 {
			return hashLen0to16(b)
		}
		return hashLen17to32(b)
	}
	if len(b) <= 64 {
		return hashLen33to64(b)
	}

	x := fetch64(b)
	y := fetch64(b[len(b)-16:]) ^ k1
	z := fetch64(b[len(b)-56:]) ^ k0
	v1, v2 := weakHashLen32WithSeedsBytes(b[len(b)-64:], uint64(len(b)), y)
	w1, w2 := weakHashLen32WithSeedsBytes(b[len(b)-32:], uint64(len(b))*k1, k0)
	z += shiftMix(v2) * k1
	x = rotate(x+z, 39) * k1
	y = rotate(y, 33) * k1

	s := b
	slen := uint64(len(s))
	slen = (slen - 1) &^ 63
	for {
		x = rotate(x+y+v1+fetch64(s[16:]), 37) * k1
		y = rotate(y+v2+fetch64(s[48:]), 42) * k1
		x ^= w2
		y ^= v1
		z = rotate(z^w1, 33)
		v1, v2 = weakHashLen32WithSeedsBytes(s, v2*k1, x+w1)
		w1, w2 = weakHashLen32WithSeedsBytes(s[32:], z+w2, y)
		x, z = z, x
		s = s[64:]
		slen -= 64
		if slen == 0 {
			break
		}
	}
	return hashLen16(hashLen16(v1, w1)+shiftMix(y)*k1+z, hashLen16(v2, w2)+x)
}

// hashIdentity maps an Identity to a bucket hash, matching the ZFS
// buf_hash() approach of hashing the fixed-size identity fields
// directly rather than a serialization of them.
func hashIdentity(id Identity) uint64 {
	var buf [32]byte
	put64 := func(off int, v uint64) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
		buf[off+2] = byte(v >> 16)
		buf[off+3] = byte(v >> 24)
		buf[off+4] = byte(v >> 32)
		buf[off+5] = byte(v >> 40)
		buf[off+6] = byte(v >> 48)
		buf[off+7] = byte(v >> 56)
	}
	put64(0, uint64(id.Guid))
	put64(8, uint64(id.DVA.Vdev))
	put64(16, uint64(id.DVA.Offset))
	put64(24, uint64(id.Birth))
	return cityhash64(buf[:])
}
