// Package hashing computes content fingerprints for uploaded evidence.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Algorithm names a supported digest.
type Algorithm string

const (
	SHA256    Algorithm = "sha256"
	Keccak256 Algorithm = "keccak256"
)

// Default is the algorithm used for evidence fingerprints.
const Default = SHA256

var ErrUnknownAlgorithm = errors.New("unknown hash algorithm")

// Hasher produces lowercase hex digests.
type Hasher struct {
	alg     Algorithm
	newHash func() hash.Hash
}

// New returns a Hasher for alg. An empty alg selects Default.
func New(alg Algorithm) (*Hasher, error) {
	if alg == "" {
		alg = Default
	}
	switch Algorithm(strings.ToLower(string(alg))) {
	case SHA256:
		return &Hasher{alg: SHA256, newHash: sha256.New}, nil
	case Keccak256:
		return &Hasher{alg: Keccak256, newHash: sha3.NewLegacyKeccak256}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, alg)
	}
}

// Algorithm reports the digest this hasher computes.
func (h *Hasher) Algorithm() Algorithm { return h.alg }

// Sum hashes data.
func (h *Hasher) Sum(data []byte) string {
	d := h.newHash()
	d.Write(data)
	return hex.EncodeToString(d.Sum(nil))
}

// SumReader hashes everything read from r. Read errors are returned as-is.
func (h *Hasher) SumReader(r io.Reader) (string, error) {
	d := h.newHash()
	if _, err := io.Copy(d, r); err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}

// Sum returns the SHA-256 hex digest of data.
func Sum(data []byte) string {
	d := sha256.Sum256(data)
	return hex.EncodeToString(d[:])
}

// SumReader returns the SHA-256 hex digest of r's content.
func SumReader(r io.Reader) (string, error) {
	h, _ := New(SHA256)
	return h.SumReader(r)
}
