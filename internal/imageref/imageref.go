// Package imageref extracts the content digest from the image reference
// a session container was spawned from, so it can be propagated to the
// session environment without any registry round-trip.
package imageref

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

type Identity struct {
	Spec            string
	DigestAlgorithm string
	DigestHex       string
}

// Pinned reports whether the reference carried a content digest.
func (i Identity) Pinned() bool {
	return i.DigestHex != ""
}

func (i Identity) Digest() string {
	if !i.Pinned() {
		return ""
	}
	return i.DigestAlgorithm + ":" + i.DigestHex
}

// Parse accepts tag references as well as digest-pinned ones; only the
// latter yield a digest. An empty spec is valid and yields the zero
// Identity, since spawners are not required to report an image.
func Parse(spec string) (Identity, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Identity{}, nil
	}

	ref, err := name.ParseReference(spec)
	if err != nil {
		return Identity{}, fmt.Errorf("parse image reference %q: %w", spec, err)
	}

	id := Identity{Spec: spec}
	if digestRef, ok := ref.(name.Digest); ok {
		algo, hex, ok := strings.Cut(digestRef.DigestStr(), ":")
		if !ok {
			return Identity{}, fmt.Errorf("image reference %q has malformed digest %q", spec, digestRef.DigestStr())
		}
		id.DigestAlgorithm = algo
		id.DigestHex = hex
	}
	return id, nil
}
