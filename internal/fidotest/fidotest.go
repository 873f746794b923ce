// Package fidotest simulates a FIDO2 authenticator for ceremony tests. It
// fabricates registration and assertion responses that satisfy the relying
// party checks: correct RP id hash, matching challenge and origin, and real
// ES256 signatures from a generated credential key.
package fidotest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

// Authenticator is a fake device bound to one credential.
type Authenticator struct {
	RPID         string
	Origin       string
	CredentialID []byte
	Key          *ecdsa.PrivateKey
	Counter      uint32
}

// New creates an authenticator with a fresh P-256 credential.
func New(t *testing.T, rpID, origin string) *Authenticator {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate credential key: %v", err)
	}
	credID := make([]byte, 32)
	if _, err := rand.Read(credID); err != nil {
		t.Fatalf("generate credential id: %v", err)
	}
	return &Authenticator{
		RPID:         rpID,
		Origin:       origin,
		CredentialID: credID,
		Key:          key,
	}
}

const (
	flagUP = 0x01
	flagUV = 0x04
	flagAT = 0x40
)

// RegistrationResponse fabricates a credential creation response echoing the
// given challenge, with a "none" attestation statement.
func (a *Authenticator) RegistrationResponse(t *testing.T, challenge string) json.RawMessage {
	t.Helper()

	authData := a.authDataPrefix(flagUP|flagUV|flagAT, a.Counter)
	var aaguid [16]byte
	authData = append(authData, aaguid[:]...)
	authData = binary.BigEndian.AppendUint16(authData, uint16(len(a.CredentialID)))
	authData = append(authData, a.CredentialID...)
	authData = append(authData, a.coseKey(t)...)

	attObj, err := cbor.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData,
	})
	if err != nil {
		t.Fatalf("marshal attestation object: %v", err)
	}

	clientData := a.clientData(t, "webauthn.create", challenge)
	credID := base64.RawURLEncoding.EncodeToString(a.CredentialID)

	resp, err := json.Marshal(map[string]any{
		"id":    credID,
		"rawId": credID,
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    base64.RawURLEncoding.EncodeToString(clientData),
			"attestationObject": base64.RawURLEncoding.EncodeToString(attObj),
			"transports":        []string{"internal"},
		},
	})
	if err != nil {
		t.Fatalf("marshal registration response: %v", err)
	}
	return resp
}

// AssertionResponse fabricates an authentication assertion echoing the given
// challenge, signed with the credential key. The signature counter advances
// on every call.
func (a *Authenticator) AssertionResponse(t *testing.T, challenge, userHandle string) json.RawMessage {
	t.Helper()
	a.Counter++
	return a.assertionWithCounter(t, challenge, userHandle, a.Counter)
}

// ReplayedAssertion fabricates an assertion with an explicit counter value,
// for exercising clone detection.
func (a *Authenticator) ReplayedAssertion(t *testing.T, challenge, userHandle string, counter uint32) json.RawMessage {
	t.Helper()
	return a.assertionWithCounter(t, challenge, userHandle, counter)
}

func (a *Authenticator) assertionWithCounter(t *testing.T, challenge, userHandle string, counter uint32) json.RawMessage {
	t.Helper()

	authData := a.authDataPrefix(flagUP|flagUV, counter)
	clientData := a.clientData(t, "webauthn.get", challenge)

	clientHash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(append([]byte{}, authData...), clientHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, a.Key, digest[:])
	if err != nil {
		t.Fatalf("sign assertion: %v", err)
	}

	credID := base64.RawURLEncoding.EncodeToString(a.CredentialID)
	resp, err := json.Marshal(map[string]any{
		"id":    credID,
		"rawId": credID,
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    base64.RawURLEncoding.EncodeToString(clientData),
			"authenticatorData": base64.RawURLEncoding.EncodeToString(authData),
			"signature":         base64.RawURLEncoding.EncodeToString(sig),
			"userHandle":        base64.RawURLEncoding.EncodeToString([]byte(userHandle)),
		},
	})
	if err != nil {
		t.Fatalf("marshal assertion response: %v", err)
	}
	return resp
}

// authDataPrefix builds rpIdHash | flags | counter.
func (a *Authenticator) authDataPrefix(flags byte, counter uint32) []byte {
	rpHash := sha256.Sum256([]byte(a.RPID))
	out := make([]byte, 0, 37)
	out = append(out, rpHash[:]...)
	out = append(out, flags)
	out = binary.BigEndian.AppendUint32(out, counter)
	return out
}

// coseKey encodes the credential public key as a COSE EC2 key (ES256).
func (a *Authenticator) coseKey(t *testing.T) []byte {
	t.Helper()
	var x, y [32]byte
	a.Key.PublicKey.X.FillBytes(x[:])
	a.Key.PublicKey.Y.FillBytes(y[:])
	key, err := cbor.Marshal(map[int]any{
		1:  2,  // kty: EC2
		3:  -7, // alg: ES256
		-1: 1,  // crv: P-256
		-2: x[:],
		-3: y[:],
	})
	if err != nil {
		t.Fatalf("marshal COSE key: %v", err)
	}
	return key
}

func (a *Authenticator) clientData(t *testing.T, ceremony, challenge string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]string{
		"type":      ceremony,
		"challenge": challenge,
		"origin":    a.Origin,
	})
	if err != nil {
		t.Fatalf("marshal client data: %v", err)
	}
	return data
}
