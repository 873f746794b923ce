package verifier

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// keysEqual reports whether the stored and claimed key encodings match
// exactly, modulo surrounding whitespace. No parsing happens before a match.
func keysEqual(stored, claimed string) bool {
	return strings.TrimSpace(stored) == strings.TrimSpace(claimed)
}

// parsePublicKey accepts hardware-key material in the encodings signers
// produce in practice: PEM (SubjectPublicKeyInfo), base64 of PKIX DER, base64
// of a raw X9.62 uncompressed P-256 point, or base64 of a raw Ed25519 key.
func parsePublicKey(encoded string) (crypto.PublicKey, error) {
	trimmed := strings.TrimSpace(encoded)

	if strings.Contains(trimmed, "-----BEGIN") {
		block, _ := pem.Decode([]byte(trimmed))
		if block == nil {
			return nil, errors.New("invalid PEM block")
		}
		return parseDERPublicKey(block.Bytes)
	}

	raw, err := decodeBase64(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	return parseRawPublicKey(raw)
}

func parseRawPublicKey(raw []byte) (crypto.PublicKey, error) {
	// X9.62 uncompressed P-256 point
	if len(raw) == 65 && raw[0] == 0x04 {
		x := new(big.Int).SetBytes(raw[1:33])
		y := new(big.Int).SetBytes(raw[33:65])
		if !elliptic.P256().IsOnCurve(x, y) {
			return nil, errors.New("point not on P-256")
		}
		return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
	}
	if len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	return parseDERPublicKey(raw)
}

func parseDERPublicKey(der []byte) (crypto.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX key: %w", err)
	}
	switch pub.(type) {
	case *ecdsa.PublicKey, ed25519.PublicKey:
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", pub)
	}
}

// verifySignature checks sig over message. For ECDSA the signature is tried
// as DER first, then as raw fixed-width (IEEE P1363), accepting whichever
// succeeds; signer implementations disagree on the encoding.
func verifySignature(pub crypto.PublicKey, message, sig []byte) bool {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(message)
		if ecdsa.VerifyASN1(key, digest[:], sig) {
			return true
		}
		return verifyP1363(key, digest[:], sig)
	case ed25519.PublicKey:
		return ed25519.Verify(key, message, sig)
	default:
		return false
	}
}

func verifyP1363(key *ecdsa.PublicKey, digest, sig []byte) bool {
	size := (key.Curve.Params().BitSize + 7) / 8
	if len(sig) != 2*size {
		return false
	}
	r := new(big.Int).SetBytes(sig[:size])
	s := new(big.Int).SetBytes(sig[size:])
	return ecdsa.Verify(key, digest, r, s)
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	return nil, errors.New("not base64")
}
