// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ttl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

const (
	// MarkerPrefix is the common prefix of all marker row keys.
	MarkerPrefix = "ttl#"

	markerSep = "#"
)

// ErrMalformedMarker is returned when parsing marker row keys or columns
// that were not produced by this package.
var ErrMalformedMarker = errors.New("malformed ttl marker")

// HashFunc hashes the decimal form of an expiry timestamp with a seed.
// Every process sharing a store must use the same HashFunc and seed.
type HashFunc func(data []byte, seed uint32) uint32

// Murmur3 is the 32-bit x86 MurmurHash3, the default HashFunc.
func Murmur3(data []byte, seed uint32) uint32 {
	return murmur3.Sum32WithSeed(data, seed)
}

// XXHash is a HashFunc based on 64-bit xxHash, folded to 32 bits.
// The seed is mixed in as a little-endian prefix.
func XXHash(data []byte, seed uint32) uint32 {
	d := xxhash.New()
	d.Write([]byte{byte(seed), byte(seed >> 8), byte(seed >> 16), byte(seed >> 24)})
	d.Write(data)
	sum := d.Sum64()
	return uint32(sum) ^ uint32(sum>>32)
}

// HashFuncByName returns the HashFunc with the given configuration name.
func HashFuncByName(name string) (HashFunc, error) {
	switch name {
	case "", "murmur3":
		return Murmur3, nil
	case "xxhash":
		return XXHash, nil
	}
	return nil, fmt.Errorf("unknown hash function %q", name)
}

// Sharding maps expiry timestamps to shards.
type Sharding struct {
	Count int
	Seed  uint32
	Hash  HashFunc
}

// Shard returns the shard of expiryMs, in [0, Count).
func (s Sharding) Shard(expiryMs int64) int {
	hash := s.Hash
	if hash == nil {
		hash = Murmur3
	}
	count := s.Count
	if count <= 0 {
		count = 1
	}
	h := hash(strconv.AppendInt(nil, expiryMs, 10), s.Seed)
	return int(h % uint32(count))
}

// MarkerRowKey returns the key of the marker row holding cells that
// expire at expiryMs: "ttl#<shard>#<expiryMs>".
func (s Sharding) MarkerRowKey(expiryMs int64) string {
	return ShardPrefix(s.Shard(expiryMs)) + strconv.FormatInt(expiryMs, 10)
}

// ShardPrefix returns the row key prefix shared by all marker rows in shard.
func ShardPrefix(shard int) string {
	return MarkerPrefix + strconv.Itoa(shard) + markerSep
}

// ParseMarkerRowKey returns the shard and expiry timestamp encoded in a
// marker row key.
func ParseMarkerRowKey(key string) (shard int, expiryMs int64, err error) {
	rest, ok := strings.CutPrefix(key, MarkerPrefix)
	if !ok {
		return 0, 0, fmt.Errorf("%w: row key %q", ErrMalformedMarker, key)
	}
	shardStr, expiryStr, ok := strings.Cut(rest, markerSep)
	if !ok {
		return 0, 0, fmt.Errorf("%w: row key %q", ErrMalformedMarker, key)
	}
	if shard, err = strconv.Atoi(shardStr); err != nil || shard < 0 {
		return 0, 0, fmt.Errorf("%w: row key %q: invalid shard", ErrMalformedMarker, key)
	}
	if expiryMs, err = strconv.ParseInt(expiryStr, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("%w: row key %q: invalid expiry", ErrMalformedMarker, key)
	}
	return shard, expiryMs, nil
}

// Owner identifies the primary cell a marker column refers to.
type Owner struct {
	Family string
	Row    string
	Column string
}

var (
	escaper   = strings.NewReplacer("%", "%25", "#", "%23")
	unescaper = strings.NewReplacer("%23", "#", "%25", "%")
)

// MarkerColumn returns the marker column qualifier for a primary cell:
// "<family>#<row>#<column>", with '%' and '#' in each part escaped as
// "%25" and "%23".
func MarkerColumn(owner Owner) string {
	return escaper.Replace(owner.Family) + markerSep +
		escaper.Replace(owner.Row) + markerSep +
		escaper.Replace(owner.Column)
}

// ParseMarkerColumn is the inverse of MarkerColumn.
func ParseMarkerColumn(qualifier string) (Owner, error) {
	parts := strings.Split(qualifier, markerSep)
	if len(parts) != 3 || parts[1] == "" {
		return Owner{}, fmt.Errorf("%w: column %q", ErrMalformedMarker, qualifier)
	}
	return Owner{
		Family: unescaper.Replace(parts[0]),
		Row:    unescaper.Replace(parts[1]),
		Column: unescaper.Replace(parts[2]),
	}, nil
}
