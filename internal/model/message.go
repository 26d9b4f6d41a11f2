package model

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	EnvelopeMessage = "message"
	EnvelopeSync    = "sync"
)

type (
	// FileShare describes a file offered through a message. The binary
	// itself travels over a separate HTTP channel.
	FileShare struct {
		Name string `json:"name"`
		Size int64  `json:"size,omitempty"`
		URL  string `json:"url,omitempty"`
	}

	// Message is one chat message. Timestamp is sender wall clock in
	// milliseconds. ID may be empty until the client or the store first
	// needs one.
	Message struct {
		ID        string     `json:"id,omitempty" bson:"id,omitempty"`
		Sender    string     `json:"sender" bson:"sender"`
		Content   string     `json:"content" bson:"content"`
		Timestamp int64      `json:"timestamp" bson:"timestamp"`
		File      *FileShare `json:"file,omitempty" bson:"file,omitempty"`
	}

	// Envelope is the unit sent over an established channel. Type
	// EnvelopeMessage carries a single message; EnvelopeSync carries the
	// sender's history for the active conversation.
	Envelope struct {
		Type      string     `json:"type"`
		Content   string     `json:"content,omitempty"`
		Sender    string     `json:"sender,omitempty"`
		Timestamp int64      `json:"timestamp,omitempty"`
		File      *FileShare `json:"file,omitempty"`
		Messages  []Message  `json:"messages,omitempty"`
	}
)

// Message converts a message envelope back into a Message.
func (e *Envelope) Message() Message {
	return Message{
		Sender:    e.Sender,
		Content:   e.Content,
		Timestamp: e.Timestamp,
		File:      e.File,
	}
}

// NewEnvelope wraps a message for transmission.
func NewEnvelope(m Message) *Envelope {
	return &Envelope{
		Type:      EnvelopeMessage,
		Content:   m.Content,
		Sender:    m.Sender,
		Timestamp: m.Timestamp,
		File:      m.File,
	}
}

// Unmarshal decodes a wire envelope.
func (e *Envelope) Unmarshal(data []byte) error {
	return json.Unmarshal(data, e)
}

// Now is the send-path timestamp: sender wall clock in milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// CompositeKey is the fallback deduplication identity for messages without
// an explicit id.
func (m *Message) CompositeKey() string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s|%d|%s", m.Sender, m.Timestamp, m.Content)))
	return hex.EncodeToString(sum[:])
}

// Identity returns the deduplication identity: the explicit id when present,
// otherwise the composite of sender, timestamp and content.
func (m *Message) Identity() string {
	if m.ID != "" {
		return "id:" + m.ID
	}
	return "ck:" + m.CompositeKey()
}

// Dedupe collapses messages sharing a deduplication identity, preserving
// first-seen positions. Rules:
//   - same explicit id: the later entry wins (last write wins)
//   - an id-carrying entry always replaces an id-less entry with the same
//     composite, regardless of order
//   - two id-less entries with the same composite: the later wins
func Dedupe(in []Message) []Message {
	out := make([]Message, 0, len(in))
	byID := make(map[string]int)
	byComposite := make(map[string]int)

	for _, m := range in {
		ck := m.CompositeKey()

		if m.ID == "" {
			if i, ok := byComposite[ck]; ok {
				if out[i].ID == "" {
					out[i] = m
				}
				continue
			}
			byComposite[ck] = len(out)
			out = append(out, m)
			continue
		}

		if i, ok := byID[m.ID]; ok {
			out[i] = m
			byComposite[ck] = i
			continue
		}
		if i, ok := byComposite[ck]; ok && out[i].ID == "" {
			out[i] = m
			byID[m.ID] = i
			continue
		}
		byID[m.ID] = len(out)
		byComposite[ck] = len(out)
		out = append(out, m)
	}

	return out
}

// SortByTimestamp orders messages ascending by timestamp, keeping the
// existing order among equal timestamps.
func SortByTimestamp(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp < msgs[j].Timestamp
	})
}
