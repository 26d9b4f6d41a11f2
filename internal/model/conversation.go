package model

import (
	"sort"
	"strings"
)

// Separator joins the two participant names of a conversation key.
const Separator = "-"

// ConversationID derives the canonical key for a two-party conversation.
// The result is order independent: ConversationID(a, b) == ConversationID(b, a).
// ok is false when either participant is absent.
func ConversationID(a, b string) (string, bool) {
	if a == "" || b == "" {
		return "", false
	}

	names := []string{a, b}
	sort.Strings(names)
	return strings.Join(names, Separator), true
}

// ValidConversationID reports whether key is a well-formed conversation id:
// exactly one separator with a non-empty participant on each side.
func ValidConversationID(key string) bool {
	parts := strings.Split(key, Separator)
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}

// Participants splits a conversation id back into its two names.
func Participants(key string) (string, string, bool) {
	if !ValidConversationID(key) {
		return "", "", false
	}
	parts := strings.Split(key, Separator)
	return parts[0], parts[1], true
}
