// Copyright 2024 The recordlayer Authors
// This file is part of recordlayer.
//
// recordlayer is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// recordlayer is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with recordlayer. If not, see <http://www.gnu.org/licenses/>.

// Package tuple implements order-preserving packing of typed tuples: for
// any two tuples a, b, Pack(a) < Pack(b) (byte-lexicographic) iff a < b
// under the ordering declared below. Elements are packed back to back and
// nested tuples are framed by start and end marker bytes, so a prefix of a
// tuple packs as a prefix of its bytes, which is what makes range scans
// over "the first k fields" work (spec §4.1).
package tuple

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Element is one item of a Tuple. Only the concrete types documented below
// are accepted by Pack; anything else is UnsupportedElement.
//
//   - nil              -> Null, sorts before every other value
//   - bool
//   - int64
//   - int               -> packed as int64, unpacks as int64
//   - float32, float64
//   - []byte
//   - string            -> compared as UTF-8 bytes
//   - uuid.UUID
//   - Tuple             -> nested tuple
//   - Incomplete        -> versionstamp placeholder, filled in at commit
type Element = any

// Tuple is an ordered sequence of typed elements.
type Tuple []Element

// Incomplete marks the position of a commit-time version-stamp inside a
// Tuple. UserVersion lets one transaction mint several distinct
// version-ordered keys (spec §4.1, §6).
type Incomplete struct {
	UserVersion uint16
}

// UnsupportedElement is returned by Pack when a Tuple contains a value of
// a type the codec does not know how to encode.
type UnsupportedElement struct {
	Value any
}

func (e *UnsupportedElement) Error() string {
	return fmt.Sprintf("tuple: unsupported element of type %T", e.Value)
}

// MalformedTuple is returned by Unpack when the input bytes are truncated
// or otherwise do not form a valid packed tuple.
type MalformedTuple struct {
	Reason string
}

func (e *MalformedTuple) Error() string { return "tuple: malformed tuple: " + e.Reason }

func malformed(reason string) error {
	return errors.WithStack(&MalformedTuple{Reason: reason})
}

// Type tags. Ordering across tags matches the declared element ordering:
// Null < Bytes < String < Nested < Int < Float32 < Float64 < False < True < UUID < Versionstamp.
const (
	tagNull         byte = 0x00
	tagBytes        byte = 0x01
	tagString       byte = 0x02
	tagInt          byte = 0x0c
	tagFloat32      byte = 0x20
	tagFloat64      byte = 0x21
	tagFalse        byte = 0x26
	tagTrue         byte = 0x27
	tagUUID         byte = 0x30
	tagVersionstamp byte = 0x33
	tagNestedStart  byte = 0x05
	tagNestedEnd    byte = 0x04
	escapeByte      byte = 0x00
	escapeFollower  byte = 0xff
)

// VersionstampTag is the type tag a packed version-stamp element begins
// with. The version index addresses its history keys at this byte level
// (the stamp is filled post-commit, so the packed key cannot be rebuilt
// by Pack).
const VersionstampTag = tagVersionstamp

// Pack encodes t to its order-preserving byte form. It returns an error if
// t contains an Incomplete placeholder (use PackVersionstamped for that),
// and UnsupportedElement for any other unrecognized element type.
func Pack(t Tuple) ([]byte, error) {
	data, pos, err := packInto(nil, t)
	if err != nil {
		return nil, err
	}
	if pos >= 0 {
		return nil, errors.Errorf("tuple: contains a versionstamp placeholder; use PackVersionstamped")
	}
	return data, nil
}

// PackVersionstamped encodes t, which must contain exactly one Incomplete
// element, returning the packed bytes and the byte offset within them
// where the 12-byte commit version-stamp must be spliced in.
func PackVersionstamped(t Tuple) (data []byte, versionstampOffset int, err error) {
	data, pos, err := packInto(nil, t)
	if err != nil {
		return nil, -1, err
	}
	if pos < 0 {
		return nil, -1, errors.New("tuple: PackVersionstamped requires exactly one Incomplete element")
	}
	return data, pos, nil
}

// packInto appends t's packed form to buf, returning the resulting slice
// and the offset of an Incomplete element's 12-byte stamp region, or -1 if
// none was present. It errors if more than one Incomplete element appears.
func packInto(buf []byte, t Tuple) ([]byte, int, error) {
	versionstampPos := -1
	for _, el := range t {
		var err error
		var elemPos int
		buf, elemPos, err = packElement(buf, el)
		if err != nil {
			return nil, -1, err
		}
		if elemPos >= 0 {
			if versionstampPos >= 0 {
				return nil, -1, errors.New("tuple: at most one Incomplete versionstamp element is allowed")
			}
			versionstampPos = elemPos
		}
	}
	return buf, versionstampPos, nil
}

func packElement(buf []byte, el Element) ([]byte, int, error) {
	switch v := el.(type) {
	case nil:
		return append(buf, tagNull), -1, nil
	case bool:
		if v {
			return append(buf, tagTrue), -1, nil
		}
		return append(buf, tagFalse), -1, nil
	case int64:
		return packInt64(buf, v), -1, nil
	case int:
		return packInt64(buf, int64(v)), -1, nil
	case float32:
		return packFloat32(buf, v), -1, nil
	case float64:
		return packFloat64(buf, v), -1, nil
	case []byte:
		return packEscaped(buf, tagBytes, v), -1, nil
	case string:
		return packEscaped(buf, tagString, []byte(v)), -1, nil
	case uuid.UUID:
		buf = append(buf, tagUUID)
		buf = append(buf, v[:]...)
		return buf, -1, nil
	case Tuple:
		buf = append(buf, tagNestedStart)
		var innerPos int
		var err error
		buf, innerPos, err = packInto(buf, v)
		if err != nil {
			return nil, -1, err
		}
		buf = append(buf, tagNestedEnd)
		return buf, innerPos, nil
	case Incomplete:
		pos := len(buf) + 1 // +1 to skip the tag byte
		buf = append(buf, tagVersionstamp)
		buf = append(buf, make([]byte, 12)...) // filled in at commit
		var uv [2]byte
		binary.BigEndian.PutUint16(uv[:], v.UserVersion)
		buf = append(buf, uv[:]...)
		return buf, pos, nil
	default:
		return nil, -1, errors.WithStack(&UnsupportedElement{Value: el})
	}
}

func packInt64(buf []byte, v int64) []byte {
	buf = append(buf, tagInt)
	var b [8]byte
	// flip the sign bit so two's-complement ordering becomes unsigned
	// byte-lexicographic ordering.
	binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
	return append(buf, b[:]...)
}

func unpackInt64(b []byte) int64 {
	u := binary.BigEndian.Uint64(b) ^ (1 << 63)
	return int64(u)
}

func packFloat32(buf []byte, v float32) []byte {
	buf = append(buf, tagFloat32)
	bits := math.Float32bits(v)
	bits = orderPreservingFloatBits32(bits)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], bits)
	return append(buf, b[:]...)
}

func orderPreservingFloatBits32(bits uint32) uint32 {
	if bits&0x80000000 != 0 {
		return ^bits
	}
	return bits | 0x80000000
}

func unpackFloat32(b []byte) float32 {
	bits := binary.BigEndian.Uint32(b)
	if bits&0x80000000 != 0 {
		bits &^= 0x80000000
	} else {
		bits = ^bits
	}
	return math.Float32frombits(bits)
}

func packFloat64(buf []byte, v float64) []byte {
	buf = append(buf, tagFloat64)
	bits := math.Float64bits(v)
	bits = orderPreservingFloatBits64(bits)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	return append(buf, b[:]...)
}

func orderPreservingFloatBits64(bits uint64) uint64 {
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func unpackFloat64(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// packEscaped writes tag followed by data with every 0x00 byte escaped to
// 0x00 0xFF and a trailing 0x00 terminator. The escape keeps the bare
// terminator unambiguous, so a run's end is found without a length prefix
// and a value sorts before every value that extends it.
func packEscaped(buf []byte, tag byte, data []byte) []byte {
	buf = append(buf, tag)
	buf = appendEscaped(buf, data)
	buf = append(buf, escapeByte)
	return buf
}

func appendEscaped(buf, data []byte) []byte {
	for _, b := range data {
		buf = append(buf, b)
		if b == escapeByte {
			buf = append(buf, escapeFollower)
		}
	}
	return buf
}

// readEscaped scans an escaped-and-terminated run starting at b, returning
// the decoded bytes and the number of input bytes consumed (including the
// terminator).
func readEscaped(b []byte) ([]byte, int, error) {
	var out []byte
	i := 0
	for {
		if i >= len(b) {
			return nil, 0, malformed("unterminated escaped run")
		}
		c := b[i]
		if c == escapeByte {
			if i+1 < len(b) && b[i+1] == escapeFollower {
				out = append(out, escapeByte)
				i += 2
				continue
			}
			// bare 0x00 is the terminator
			i++
			return out, i, nil
		}
		out = append(out, c)
		i++
	}
}

// Unpack decodes b into a Tuple. It fails with MalformedTuple on
// truncated or invalid input.
func Unpack(b []byte) (Tuple, error) {
	t, rest, err := unpackSeq(b, false)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, malformed("trailing bytes after tuple")
	}
	return t, nil
}

// unpackSeq decodes elements until input is exhausted (nested=false) or a
// tagNestedEnd is seen (nested=true), returning the remaining unconsumed
// bytes (the byte after a consumed tagNestedEnd, or empty at top level).
func unpackSeq(b []byte, nested bool) (Tuple, []byte, error) {
	var out Tuple
	for len(b) > 0 {
		tag := b[0]
		if nested && tag == tagNestedEnd {
			return out, b[1:], nil
		}
		el, rest, err := unpackOne(b)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, el)
		b = rest
	}
	if nested {
		return nil, nil, malformed("unterminated nested tuple")
	}
	return out, b, nil
}

func unpackOne(b []byte) (Element, []byte, error) {
	tag := b[0]
	b = b[1:]
	switch tag {
	case tagNull:
		return nil, b, nil
	case tagFalse:
		return false, b, nil
	case tagTrue:
		return true, b, nil
	case tagInt:
		if len(b) < 8 {
			return nil, nil, malformed("truncated int")
		}
		return unpackInt64(b[:8]), b[8:], nil
	case tagFloat32:
		if len(b) < 4 {
			return nil, nil, malformed("truncated float32")
		}
		return unpackFloat32(b[:4]), b[4:], nil
	case tagFloat64:
		if len(b) < 8 {
			return nil, nil, malformed("truncated float64")
		}
		return unpackFloat64(b[:8]), b[8:], nil
	case tagUUID:
		if len(b) < 16 {
			return nil, nil, malformed("truncated uuid")
		}
		var u uuid.UUID
		copy(u[:], b[:16])
		return u, b[16:], nil
	case tagBytes:
		data, n, err := readEscaped(b)
		if err != nil {
			return nil, nil, err
		}
		return data, b[n:], nil
	case tagString:
		data, n, err := readEscaped(b)
		if err != nil {
			return nil, nil, err
		}
		return string(data), b[n:], nil
	case tagVersionstamp:
		if len(b) < 14 {
			return nil, nil, malformed("truncated versionstamp")
		}
		uv := binary.BigEndian.Uint16(b[12:14])
		return Incomplete{UserVersion: uv}, b[14:], nil
	case tagNestedStart:
		inner, rest, err := unpackSeq(b, true)
		if err != nil {
			return nil, nil, err
		}
		return inner, rest, nil
	default:
		return nil, nil, malformed(fmt.Sprintf("unknown type tag 0x%02x", tag))
	}
}
