// Package treehash implements the SHA-256 tree hash that AWS Glacier uses to
// verify archive content. A tree hash is built by hashing 1 MiB leaves of the
// payload and reducing adjacent pairs of digests with SHA-256 until a single
// root digest remains. An odd digest at any level is promoted to the next
// level unpaired.
package treehash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// LeafSize is the fixed leaf size of the Glacier tree hash algorithm.
const LeafSize = 1 << 20

// Digest is a single SHA-256 tree hash node.
type Digest [sha256.Size]byte

// String returns the lowercase hex form, which is what the Glacier API
// expects in checksum headers.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseHex parses a lowercase or uppercase hex digest as returned by the
// Glacier API.
func ParseHex(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("decode digest: %w", err)
	}
	if len(raw) != sha256.Size {
		return Digest{}, fmt.Errorf("digest is %d bytes, want %d", len(raw), sha256.Size)
	}
	copy(d[:], raw)
	return d, nil
}

// Compute returns the tree hash of data. An empty payload hashes to the
// SHA-256 of the empty string, matching the service behavior for zero-length
// bodies.
func Compute(data []byte) Digest {
	if len(data) == 0 {
		return sha256.Sum256(nil)
	}

	leaves := make([]Digest, 0, (len(data)+LeafSize-1)/LeafSize)
	for start := 0; start < len(data); start += LeafSize {
		end := start + LeafSize
		if end > len(data) {
			end = len(data)
		}
		leaves = append(leaves, sha256.Sum256(data[start:end]))
	}

	return Combine(leaves)
}

// ComputeReader streams r through the tree hash, never holding more than one
// leaf in memory. It returns the digest and the number of bytes read.
func ComputeReader(r io.Reader) (Digest, int64, error) {
	var (
		leaves []Digest
		total  int64
		buf    = make([]byte, LeafSize)
	)

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			leaves = append(leaves, sha256.Sum256(buf[:n]))
			total += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return Digest{}, total, fmt.Errorf("read leaf: %w", err)
		}
	}

	if len(leaves) == 0 {
		return sha256.Sum256(nil), 0, nil
	}
	return Combine(leaves), total, nil
}

// Combine reduces an ordered sequence of digests to the root digest. The
// result depends on the order of the input: digests must be supplied in
// ascending part order. A single digest combines to itself.
func Combine(digests []Digest) Digest {
	if len(digests) == 0 {
		return sha256.Sum256(nil)
	}

	level := make([]Digest, len(digests))
	copy(level, digests)

	for len(level) > 1 {
		next := make([]Digest, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				pair := make([]byte, 0, 2*sha256.Size)
				pair = append(pair, level[i][:]...)
				pair = append(pair, level[i+1][:]...)
				next = append(next, sha256.Sum256(pair))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}

	return level[0]
}
