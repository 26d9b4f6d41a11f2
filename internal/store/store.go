package store

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"p2p_chat/internal/model"
)

var (
	// ErrUnknownUser is returned when an operation names a user that never
	// registered a storage namespace.
	ErrUnknownUser = errors.New("store: unknown user")

	// ErrInvalidKey is returned when a username or conversation id cannot
	// be used as a record key (empty, or carrying path syntax).
	ErrInvalidKey = errors.New("store: invalid record key")
)

// validKeyComponent reports whether name is usable as a single record-key
// component. Keys become path elements in the file backend, so anything
// that would resolve outside its directory is rejected.
func validKeyComponent(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// Store is the conversation store contract. Every write deduplicates and
// sorts the full record; reads self-heal duplicated records in place.
// Implementations guarantee at most one concurrent writer per
// (user, conversation id) record.
type Store interface {
	// Register creates the user's storage namespace. Registering an
	// existing user is a no-op.
	Register(ctx context.Context, username string) error

	// Append merges batch into the (username, conversationID) record, or
	// replaces the record outright when overwrite is true. Id-less
	// messages are assigned a generated id before persisting.
	Append(ctx context.Context, username, conversationID string, batch []model.Message, overwrite bool) error

	// Read returns the record ordered ascending by timestamp. A missing
	// or malformed record reads as empty.
	Read(ctx context.Context, username, conversationID string) ([]model.Message, error)

	// ListAll returns every valid conversation record for the user.
	// Records whose key fails conversation-id validation are moved to
	// quarantine as a side effect and omitted from the result.
	ListAll(ctx context.Context, username string) (map[string][]model.Message, error)
}

// dedupeSort applies the deduplication identity rule and orders the result
// ascending by timestamp.
func dedupeSort(msgs []model.Message) []model.Message {
	out := model.Dedupe(msgs)
	model.SortByTimestamp(out)
	return out
}

// assignIDs fills in generated ids for messages that arrived without one.
func assignIDs(msgs []model.Message) {
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
	}
}

// keyedMutex serializes writers per record key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
