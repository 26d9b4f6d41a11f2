package model

import (
	"encoding/json"
	"fmt"
)

const (
	RoleOffer  = "offer"
	RoleAnswer = "answer"
)

type (
	// Descriptor is the role-specific session description produced by the
	// transport capability. SessionID names the negotiation attempt; Token
	// authorizes the peer to bind the channel.
	Descriptor struct {
		SessionID string `json:"session_id"`
		Token     string `json:"token"`
	}

	// Candidate is one locally discovered reachability option.
	Candidate struct {
		Addr string `json:"addr"`
	}

	// NegotiationPayload is the record exchanged out-of-band (copy/paste)
	// to establish a direct transport. Sender and Recipient are set only
	// on offers. It is produced once, consumed once and never persisted.
	NegotiationPayload struct {
		Role        string      `json:"role"`
		Description *Descriptor `json:"description"`
		Candidates  []Candidate `json:"candidates"`
		Sender      string      `json:"sender,omitempty"`
		Recipient   string      `json:"recipient,omitempty"`
	}
)

// Encode serializes the payload for manual transmission.
func (p *NegotiationPayload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParsePayload decodes a pasted payload, validating just enough structure
// for the negotiation engine to act on it.
func ParsePayload(text string) (*NegotiationPayload, error) {
	var p NegotiationPayload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return nil, fmt.Errorf("parse negotiation payload: %w", err)
	}
	if p.Role != RoleOffer && p.Role != RoleAnswer {
		return nil, fmt.Errorf("parse negotiation payload: unknown role %q", p.Role)
	}
	if p.Description == nil {
		return nil, fmt.Errorf("parse negotiation payload: missing description")
	}
	if p.Role == RoleOffer && p.Sender == "" {
		return nil, fmt.Errorf("parse negotiation payload: offer carries no sender")
	}
	return &p, nil
}
