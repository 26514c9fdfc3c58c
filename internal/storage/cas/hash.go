// Package cas defines content hashes and the hashers that produce them.
//
// A [ContentHash] has the form "<algo>:<digest>" where digest is the 32-byte
// digest encoded with the base32 "Extended Hex" alphabet (0-9A-V) without
// padding. Every supported algorithm produces 32 bytes so hashes of a given
// algorithm are always the same length, ASCII-sortable and safe to use as path
// components on case-insensitive filesystems.
package cas

import (
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// base32Enc uses base32 "Extended Hex" alphabet (0-9A-V) which is ASCII-sorted
// and case-insensitive safe for filesystems.
var base32Enc = base32.HexEncoding.WithPadding(base32.NoPadding)

// digestLen is the encoded length of a 32-byte digest.
const digestLen = 52

// Supported algorithm names.
const (
	SHA256  = "sha256"
	BLAKE3  = "blake3"
	BLAKE2b = "blake2b"
)

var (
	errInvalidHash      = errors.New("invalid content hash")
	errUnknownAlgorithm = errors.New("unknown hash algorithm")
)

// ContentHash identifies content by its digest. Equal hashes imply equal
// bytes.
type ContentHash string

// IsZero returns true if the hash is unset.
func (h ContentHash) IsZero() bool {
	return h == ""
}

// Algorithm returns the algorithm prefix, e.g. "sha256".
func (h ContentHash) Algorithm() string {
	algo, _, _ := strings.Cut(string(h), ":")
	return algo
}

// Digest returns the encoded digest part after the algorithm prefix.
func (h ContentHash) Digest() string {
	_, digest, _ := strings.Cut(string(h), ":")
	return digest
}

// Validate checks the hash is "<known algo>:<52 base32hex chars>".
func (h ContentHash) Validate() error {
	algo, digest, ok := strings.Cut(string(h), ":")
	if !ok {
		return errInvalidHash
	}
	switch algo {
	case SHA256, BLAKE3, BLAKE2b:
	default:
		return fmt.Errorf("%w %q", errUnknownAlgorithm, algo)
	}
	if len(digest) != digestLen {
		return errInvalidHash
	}
	for i := range len(digest) {
		c := digest[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'V') {
			return errInvalidHash
		}
	}
	return nil
}

func (h ContentHash) String() string {
	return string(h)
}

// Hasher is a pure function from bytes to a ContentHash.
type Hasher interface {
	// Name returns the algorithm prefix used in produced hashes.
	Name() string
	// Sum returns the content hash of data.
	Sum(data []byte) ContentHash
}

// NewHasher returns the hasher for the named algorithm. An empty name selects
// SHA-256.
func NewHasher(name string) (Hasher, error) {
	switch name {
	case "", SHA256:
		return sha256Hasher{}, nil
	case BLAKE3:
		return blake3Hasher{}, nil
	case BLAKE2b:
		return blake2bHasher{}, nil
	default:
		return nil, fmt.Errorf("%w %q", errUnknownAlgorithm, name)
	}
}

// Default is the SHA-256 hasher.
var Default Hasher = sha256Hasher{}

type sha256Hasher struct{}

func (sha256Hasher) Name() string { return SHA256 }

func (sha256Hasher) Sum(data []byte) ContentHash {
	d := sha256.Sum256(data)
	return format(SHA256, d[:])
}

type blake3Hasher struct{}

func (blake3Hasher) Name() string { return BLAKE3 }

func (blake3Hasher) Sum(data []byte) ContentHash {
	d := blake3.Sum256(data)
	return format(BLAKE3, d[:])
}

type blake2bHasher struct{}

func (blake2bHasher) Name() string { return BLAKE2b }

func (blake2bHasher) Sum(data []byte) ContentHash {
	d := blake2b.Sum256(data)
	return format(BLAKE2b, d[:])
}

func format(algo string, digest []byte) ContentHash {
	return ContentHash(algo + ":" + base32Enc.EncodeToString(digest))
}
