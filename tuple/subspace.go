package tuple

import "bytes"

// Subspace is an immutable byte-prefix container. Concatenating prefixes
// gives the standard subspace-composition semantics: every key produced
// by a child subspace lies within its parent's Range().
type Subspace struct {
	prefix []byte
}

// NewSubspace wraps a raw byte prefix (typically allocated by an external
// directory layer - out of scope here per spec §1).
func NewSubspace(prefix []byte) Subspace {
	return Subspace{prefix: append([]byte{}, prefix...)}
}

// Bytes returns the subspace's raw prefix.
func (s Subspace) Bytes() []byte { return append([]byte{}, s.prefix...) }

// Pack packs t and prefixes it with the subspace's bytes.
func (s Subspace) Pack(t Tuple) ([]byte, error) {
	data, err := Pack(t)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, s.prefix...), data...), nil
}

// PackVersionstamped is the versionstamp-aware counterpart of Pack.
func (s Subspace) PackVersionstamped(t Tuple) (data []byte, versionstampOffset int, err error) {
	d, pos, err := PackVersionstamped(t)
	if err != nil {
		return nil, -1, err
	}
	out := append(append([]byte{}, s.prefix...), d...)
	return out, pos + len(s.prefix), nil
}

// Unpack strips the subspace's prefix from key and unpacks the remainder.
// It fails with MalformedTuple if key does not begin with the subspace's
// prefix.
func (s Subspace) Unpack(key []byte) (Tuple, error) {
	if !bytes.HasPrefix(key, s.prefix) {
		return nil, malformed("key does not belong to subspace")
	}
	return Unpack(key[len(s.prefix):])
}

// Range returns the half-open byte range [begin, end) covering every key
// that belongs to this subspace or any of its descendants.
func (s Subspace) Range() (begin, end []byte) {
	begin = append(append([]byte{}, s.prefix...), 0x00)
	end = append(append([]byte{}, s.prefix...), 0xff)
	return begin, end
}

// Child returns the subspace nested under this one at tuple path t.
func (s Subspace) Child(t Tuple) (Subspace, error) {
	packed, err := Pack(t)
	if err != nil {
		return Subspace{}, err
	}
	return Subspace{prefix: append(append([]byte{}, s.prefix...), packed...)}, nil
}

// Contains reports whether key falls within s's prefix.
func (s Subspace) Contains(key []byte) bool {
	return bytes.HasPrefix(key, s.prefix)
}
