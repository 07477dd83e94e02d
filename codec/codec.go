// Package codec canonicalizes primary keys into map-friendly byte strings.
//
// A key is the ordered tuple of primary-key column values. The identity
// strategy keeps the full type-tagged serialization; the digest strategies
// hash that serialization down to 16 bytes. Digests make key lookup cheaper
// for wide keys at the cost of a theoretical collision risk.
package codec

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"

	"github.com/quartzdb/upsertmeta/model"
)

// Key is a canonical primary key, usable directly as a map key. For digest
// strategies the content is a fixed 16-byte digest; for the identity strategy
// it is the full serialized tuple.
type Key = string

// HashFunction selects the canonicalization strategy. The choice is fixed per
// table: keys produced by different strategies never compare equal.
type HashFunction int

const (
	// Identity keeps the serialized tuple as the key. Collision-free.
	Identity HashFunction = iota

	// MD5 hashes the serialized tuple with MD5 (16 bytes).
	MD5

	// Murmur3 hashes the serialized tuple with Murmur3 x64-128 (16 bytes).
	Murmur3
)

// String returns the canonical name of the hash function.
func (h HashFunction) String() string {
	switch h {
	case Identity:
		return "identity"
	case MD5:
		return "md5"
	case Murmur3:
		return "murmur3"
	default:
		return fmt.Sprintf("hashfunction(%d)", int(h))
	}
}

// Codec canonicalizes primary keys with a fixed strategy. The zero value uses
// the identity strategy.
type Codec struct {
	hash HashFunction
}

// New creates a Codec with the given strategy.
func New(hash HashFunction) *Codec {
	return &Codec{hash: hash}
}

// HashFunction returns the configured strategy.
func (c *Codec) HashFunction() HashFunction {
	return c.hash
}

// Encode canonicalizes pk. The same tuple always yields the same key, and the
// identity strategy guarantees distinct tuples yield distinct keys. Component
// order matters: [a b] and [b a] produce different keys.
func (c *Codec) Encode(pk model.PrimaryKey) (Key, error) {
	raw, err := serialize(pk)
	if err != nil {
		return "", err
	}
	switch c.hash {
	case Identity:
		return Key(raw), nil
	case MD5:
		sum := md5.Sum(raw)
		return Key(sum[:]), nil
	case Murmur3:
		h1, h2 := murmur3.Sum128(raw)
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[:8], h1)
		binary.LittleEndian.PutUint64(buf[8:], h2)
		return Key(buf[:]), nil
	default:
		return "", fmt.Errorf("codec: unknown hash function %d", int(c.hash))
	}
}

// Type tags for the serialized form. Each component is tag + payload;
// variable-length payloads carry a little-endian uint32 length prefix.
const (
	tagInt64 byte = iota + 1
	tagFloat64
	tagString
	tagBytes
	tagBool
)

func serialize(pk model.PrimaryKey) ([]byte, error) {
	if len(pk) == 0 {
		return nil, fmt.Errorf("codec: empty primary key")
	}
	// Rough capacity: tag + 8 bytes per component covers the scalar cases.
	buf := make([]byte, 0, len(pk)*9)
	for i, v := range pk {
		var err error
		buf, err = appendValue(buf, v)
		if err != nil {
			return nil, fmt.Errorf("codec: component %d: %w", i, err)
		}
	}
	return buf, nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case int:
		return appendInt64(buf, int64(x)), nil
	case int32:
		return appendInt64(buf, int64(x)), nil
	case int64:
		return appendInt64(buf, x), nil
	case float32:
		return appendFloat64(buf, float64(x)), nil
	case float64:
		return appendFloat64(buf, x), nil
	case string:
		buf = append(buf, tagString)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(x)))
		return append(buf, x...), nil
	case []byte:
		buf = append(buf, tagBytes)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(x)))
		return append(buf, x...), nil
	case bool:
		buf = append(buf, tagBool)
		if x {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	default:
		return nil, fmt.Errorf("unsupported component type %T", v)
	}
}

func appendInt64(buf []byte, v int64) []byte {
	buf = append(buf, tagInt64)
	return binary.LittleEndian.AppendUint64(buf, uint64(v))
}

func appendFloat64(buf []byte, v float64) []byte {
	buf = append(buf, tagFloat64)
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
}
