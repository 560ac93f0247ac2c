// Package cidcache provides the core types shared across the CID cache:
// content references and storage-key hashing.
package cidcache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ErrInvalidRef is returned when a content reference cannot be parsed.
var ErrInvalidRef = errors.New("invalid content reference")

// Ref identifies cached content: a CID plus an optional path below it.
// The gateway serves whole-file payloads, so a path under a directory CID
// names distinct content and is cached under its own key.
type Ref struct {
	cid     cid.Cid
	subpath string
}

// ParseRef parses a content reference of the form "<cid>" or
// "<cid>/<path...>". A leading "ipfs://" or "/ipfs/" prefix is accepted
// and stripped. The CID component is validated; the subpath is opaque.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimPrefix(s, "ipfs://")
	s = strings.TrimPrefix(s, "/ipfs/")
	s = strings.Trim(s, "/")
	if s == "" {
		return Ref{}, fmt.Errorf("%w: empty", ErrInvalidRef)
	}

	cidPart, subpath, _ := strings.Cut(s, "/")
	c, err := cid.Decode(cidPart)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %q: %v", ErrInvalidRef, cidPart, err)
	}

	return Ref{cid: c, subpath: strings.Trim(subpath, "/")}, nil
}

// MustParseRef parses a reference or panics. Intended for tests.
func MustParseRef(s string) Ref {
	r, err := ParseRef(s)
	if err != nil {
		panic(err)
	}
	return r
}

// NewRef builds a Ref from an already-validated CID and subpath.
func NewRef(c cid.Cid, subpath string) Ref {
	return Ref{cid: c, subpath: strings.Trim(subpath, "/")}
}

// CID returns the CID component of the reference.
func (r Ref) CID() cid.Cid {
	return r.cid
}

// Subpath returns the path below the CID, without leading or trailing
// slashes. Empty for a bare CID.
func (r Ref) Subpath() string {
	return r.subpath
}

// IsBare reports whether the reference is a CID with no subpath.
func (r Ref) IsBare() bool {
	return r.subpath == ""
}

// Key returns the canonical cache key for the reference. The CID is
// re-encoded in its canonical string form so equivalent references
// always map to the same key.
func (r Ref) Key() string {
	if r.subpath == "" {
		return r.cid.String()
	}
	return r.cid.String() + "/" + r.subpath
}

// String implements fmt.Stringer.
func (r Ref) String() string {
	return "ipfs://" + r.Key()
}

// VerifiableDigest returns the expected SHA-256 digest of the content
// when the reference can be verified byte-for-byte: a bare CID with
// the raw codec and a sha2-256 multihash. Payloads served for dag-pb
// CIDs or subpaths are gateway-decoded files, not blocks, and cannot
// be re-hashed to the CID.
func (r Ref) VerifiableDigest() ([]byte, bool) {
	if !r.IsBare() {
		return nil, false
	}
	if r.cid.Prefix().Codec != cid.Raw {
		return nil, false
	}
	dec, err := multihash.Decode(r.cid.Hash())
	if err != nil || dec.Code != multihash.SHA2_256 {
		return nil, false
	}
	return dec.Digest, true
}
