// Package canonical produces the deterministic serialization and
// content hash of execution manifests. The same functions are used to
// compute a hash at submission time and to re-verify a hash fetched back
// from storage; any divergence between the two is treated as corruption.
package canonical

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"

	"github.com/botmarket/settlement"
)

// Canonicalize returns the RFC 8785 canonical JSON form of v: object keys
// sorted at every nesting level, array order preserved, no HTML escaping.
// Two semantically identical values canonicalize to the same string
// regardless of field order.
func Canonicalize(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical: marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonical: transform failed: %w", err)
	}
	return string(out), nil
}

// HashBytes returns the 0x-prefixed keccak-256 hex digest of data.
func HashBytes(data []byte) string {
	sum := crypto.Keccak256(data)
	return fmt.Sprintf("0x%x", sum)
}

// HashValue canonicalizes v and hashes the UTF-8 bytes of the result.
func HashValue(v any) (string, error) {
	s, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes([]byte(s)), nil
}

// HashManifest returns the content hash of a manifest along with its
// canonical serialization. The hash is a pure function of manifest content;
// it is both the storage key and the value a controller signs.
func HashManifest(m *settlement.ExecutionManifest) (hash string, canonicalJSON []byte, err error) {
	s, err := Canonicalize(m)
	if err != nil {
		return "", nil, err
	}
	return HashBytes([]byte(s)), []byte(s), nil
}
