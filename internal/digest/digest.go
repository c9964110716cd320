// Package digest provides the fixed set of supported content digest
// algorithms and single-pass streaming over several of them at once.
package digest

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm tags a supported digest algorithm. The string value is the name
// persisted in the store.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
	BLAKE3 Algorithm = "blake3"
)

// Default is the algorithm used when none is requested.
const Default = SHA256

// DefaultBufferSize is the chunk size used to stream file content.
const DefaultBufferSize = 64 * 1024

var all = []Algorithm{MD5, SHA1, SHA256, SHA512, BLAKE3}

// All returns every supported algorithm in a stable order.
func All() []Algorithm {
	out := make([]Algorithm, len(all))
	copy(out, all)
	return out
}

// New returns a fresh streaming hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %q", string(a))
	}
}

// Size returns the digest length in bytes.
func (a Algorithm) Size() int {
	switch a {
	case MD5:
		return md5.Size
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	case SHA512:
		return sha512.Size
	case BLAKE3:
		return 32
	default:
		return 0
	}
}

// Valid reports whether a is a supported algorithm.
func (a Algorithm) Valid() bool {
	return a.Size() > 0
}

func (a Algorithm) String() string { return string(a) }

// Parse returns the algorithm for a case-insensitive name.
func Parse(name string) (Algorithm, error) {
	alg := Algorithm(strings.ToLower(strings.TrimSpace(name)))
	if alg == "sha-256" {
		alg = SHA256
	}
	if !alg.Valid() {
		return "", fmt.Errorf("unsupported digest algorithm: %q", name)
	}
	return alg, nil
}

// ParseList parses a comma separated list of algorithm names, dropping
// duplicates. An empty list yields the default algorithm.
func ParseList(raw string) ([]Algorithm, error) {
	var names []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	if len(names) == 0 {
		return []Algorithm{Default}, nil
	}
	return Normalize(names...)
}

// Normalize parses names into a duplicate-free list, keeping the order in
// which they were first named. The first entry is the default for reads.
func Normalize(names ...string) ([]Algorithm, error) {
	seen := make(map[Algorithm]struct{}, len(names))
	out := make([]Algorithm, 0, len(names))
	for _, name := range names {
		alg, err := Parse(name)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[alg]; ok {
			continue
		}
		seen[alg] = struct{}{}
		out = append(out, alg)
	}
	return out, nil
}

// Set maps algorithms to lowercase hex digests.
type Set map[Algorithm]string

// ErrNoAlgorithms is returned when a digest is requested for an empty set.
var ErrNoAlgorithms = errors.New("no digest algorithms requested")

// Sum streams r once, in bufSize chunks, into every requested algorithm.
// The context is checked between chunks; a cancelled read returns ctx.Err().
func Sum(ctx context.Context, r io.Reader, algs []Algorithm, bufSize int) (Set, error) {
	if len(algs) == 0 {
		return nil, ErrNoAlgorithms
	}
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	hashes := make([]hash.Hash, len(algs))
	for i, alg := range algs {
		h, err := alg.New()
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}

	buf := make([]byte, bufSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for _, h := range hashes {
				h.Write(chunk)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	out := make(Set, len(algs))
	for i, alg := range algs {
		out[alg] = hex.EncodeToString(hashes[i].Sum(nil))
	}
	return out, nil
}

// Bytes is a convenience for hashing an in-memory value with one algorithm.
func Bytes(alg Algorithm, data []byte) (string, error) {
	h, err := alg.New()
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
