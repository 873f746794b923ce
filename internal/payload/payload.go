// Package payload implements the canonical encoding of the content signed on
// the hardware-key path. Signer and verifier must agree byte-for-byte, so the
// encoding is a pure function of the payload fields with a fixed key order.
package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/attestkit/attest-go/internal/model"
)

// Encode returns the canonical string form of p. Keys are emitted in fixed
// sorted order (bodyHash, method, nonce, path, timestamp); the nonce key is
// omitted when empty, so payloads that never carried one encode identically
// regardless of how the caller ordered its fields.
func Encode(p model.SignedPayload) string {
	// Struct field order locks the JSON key order; encoding/json never
	// reorders struct fields and compact output has no whitespace.
	out, err := json.Marshal(p)
	if err != nil {
		// SignedPayload contains only strings; Marshal cannot fail.
		panic(err)
	}
	return string(out)
}

// HashBody returns the hex SHA-256 digest of a request body, or the empty
// string for a bodiless request.
func HashBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
