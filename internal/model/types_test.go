package model

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestByteSeqMarshalsAsNumericArray(t *testing.T) {
	out, err := json.Marshal(ByteSeq{4, 18, 255})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != "[4,18,255]" {
		t.Errorf("marshal = %s, want [4,18,255]", out)
	}
}

func TestByteSeqUnmarshal(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  ByteSeq
		ok    bool
	}{
		{"numeric array", "[4,18,255]", ByteSeq{4, 18, 255}, true},
		{"empty array", "[]", ByteSeq{}, true},
		{"base64 string", `"BBL/"`, ByteSeq{4, 18, 255}, true},
		{"out of range", "[256]", nil, false},
		{"wrong type", "42", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got ByteSeq
			err := json.Unmarshal([]byte(tc.input), &got)
			if tc.ok != (err == nil) {
				t.Fatalf("err = %v, want ok = %v", err, tc.ok)
			}
			if err != nil {
				return
			}
			if string(got) != string(tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAgentDocumentRoundTrip(t *testing.T) {
	doc := AgentDocument{Agents: []Agent{
		{AgentID: "hw", Format: FormatTPM, PublicKey: "pem-or-base64", CreatedAt: "2026-01-02T03:04:05Z"},
		{AgentID: "fido", Format: FormatFIDO2, CredentialID: ByteSeq{1, 2}, Key: ByteSeq{3, 4}, Counter: 9, Transports: []string{"usb"}},
	}}

	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back AgentDocument
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back.Agents) != 2 {
		t.Fatalf("got %d agents", len(back.Agents))
	}
	if string(back.Agents[1].Key) != string(doc.Agents[1].Key) {
		t.Errorf("key bytes did not survive the round trip: %v", back.Agents[1].Key)
	}
	if back.Agents[1].Counter != 9 {
		t.Errorf("counter = %d, want 9", back.Agents[1].Counter)
	}
}

func TestDTOExcludesKeyMaterial(t *testing.T) {
	rec := Agent{
		AgentID:      "fido",
		Format:       FormatFIDO2,
		CredentialID: ByteSeq{1, 2, 3},
		Key:          ByteSeq("secret-cose-key-bytes"),
		Counter:      3,
	}
	raw, err := json.Marshal(rec.DTO())
	if err != nil {
		t.Fatalf("marshal dto: %v", err)
	}
	if strings.Contains(string(raw), "secret-cose-key-bytes") {
		t.Error("listing DTO leaks raw key bytes")
	}
	if rec.DTO().Fingerprint == "" {
		t.Error("expected a fingerprint for key-bearing record")
	}
	if rec.DTO().CredentialID == "" {
		t.Error("expected base64url credential id in DTO")
	}
}

func TestFingerprintStability(t *testing.T) {
	a := Agent{AgentID: "x", Format: FormatTPM, PublicKey: "same-key"}
	b := Agent{AgentID: "y", Format: FormatTPM, PublicKey: "same-key"}
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("fingerprint must depend only on key material")
	}
	if (Agent{AgentID: "z", Format: FormatTPM}).Fingerprint() != "" {
		t.Error("keyless record should have empty fingerprint")
	}
}
