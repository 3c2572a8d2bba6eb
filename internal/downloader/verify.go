package downloader

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
)

var ErrDigestMismatch = errors.New("downloader: digest mismatch")

// Verifier checks downloaded bytes against the digest recorded at resolution.
// The body is fed through Hash while it is written; Verify runs before the
// artifact is committed, and an error discards it.
type Verifier interface {
	Hash() hash.Hash
	Verify(sum []byte, digest string) error
}

// SHA1Verifier matches the catalog's digest form: base64 of the SHA-1 sum.
type SHA1Verifier struct{}

func (SHA1Verifier) Hash() hash.Hash { return sha1.New() }

func (SHA1Verifier) Verify(sum []byte, digest string) error {
	if digest == "" {
		return nil
	}
	if got := base64.StdEncoding.EncodeToString(sum); got != digest {
		return fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, got, digest)
	}
	return nil
}
