package model

import (
	"strings"
	"testing"
)

func TestPayloadEncodeParse(t *testing.T) {
	p := &NegotiationPayload{
		Role:        RoleOffer,
		Description: &Descriptor{SessionID: "s1", Token: "t1"},
		Candidates:  []Candidate{{Addr: "127.0.0.1:9001"}, {Addr: "192.168.1.4:9001"}},
		Sender:      "alice",
		Recipient:   "bob",
	}

	text, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for _, field := range []string{`"role"`, `"description"`, `"candidates"`, `"sender"`, `"recipient"`} {
		if !strings.Contains(text, field) {
			t.Errorf("encoded payload missing field %s: %s", field, text)
		}
	}

	got, err := ParsePayload(text)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if got.Role != RoleOffer || got.Sender != "alice" || got.Recipient != "bob" {
		t.Errorf("parsed payload = %+v", got)
	}
	if len(got.Candidates) != 2 || got.Candidates[0].Addr != "127.0.0.1:9001" {
		t.Errorf("candidate order not preserved: %+v", got.Candidates)
	}
}

func TestParsePayloadMalformed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"not json", "definitely not json"},
		{"unknown role", `{"role":"renegotiate","description":{"session_id":"s","token":"t"}}`},
		{"missing description", `{"role":"offer","sender":"alice"}`},
		{"offer without sender", `{"role":"offer","description":{"session_id":"s","token":"t"}}`},
	}
	for _, tc := range tests {
		if _, err := ParsePayload(tc.text); err == nil {
			t.Errorf("%s: ParsePayload succeeded, want error", tc.name)
		}
	}
}
