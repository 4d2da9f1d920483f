package orchestration

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/rendis/procman/pkg/schema"
)

// IdempotencyKey is a caller-supplied token and its SHA-256 digest.
// The digest is what storage treats as unique.
type IdempotencyKey struct {
	value  string
	digest [sha256.Size]byte
}

// NewIdempotencyKey hashes the UTF-8 bytes of value.
func NewIdempotencyKey(value string) (IdempotencyKey, error) {
	if value == "" {
		return IdempotencyKey{}, schema.NewError(schema.ErrCodeInvalidRequest, "idempotency key must not be empty")
	}
	return IdempotencyKey{value: value, digest: sha256.Sum256([]byte(value))}, nil
}

func (k IdempotencyKey) Value() string { return k.value }

// Digest returns a copy of the 32-byte hash.
func (k IdempotencyKey) Digest() []byte {
	d := k.digest
	return d[:]
}

func (k IdempotencyKey) Hex() string { return hex.EncodeToString(k.digest[:]) }

func (k IdempotencyKey) IsZero() bool { return k.value == "" }

func (k IdempotencyKey) String() string { return k.value }
