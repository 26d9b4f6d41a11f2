// Package reconcile merges a locally persisted conversation history with a
// remote peer's batch and any queued offline messages into one
// deduplicated, time-ordered sequence, and propagates the result back to
// the store.
package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"p2p_chat/internal/model"
	"p2p_chat/internal/session"
	"p2p_chat/internal/utils/log"
)

type (
	// Storage is the slice of the conversation store the merge needs:
	// the authoritative read and the full-replace write.
	Storage interface {
		Fetch(ctx context.Context, user, conversationID string) ([]model.Message, error)
		Replace(ctx context.Context, user, conversationID string, msgs []model.Message) error
	}

	// View receives the merged sequence for an atomic clear-and-rerender,
	// with every message tagged as already sent.
	View interface {
		ReplaceConversation(conversationID string, msgs []model.Message)
	}

	Engine struct {
		storage  Storage
		sessions *session.Manager
		view     View
	}
)

func New(storage Storage, sessions *session.Manager, view View) *Engine {
	return &Engine{
		storage:  storage,
		sessions: sessions,
		view:     view,
	}
}

// Merge unifies the stored record, the offline queue and a remote batch
// for one conversation. Remote entries win ties against local entries
// sharing a deduplication identity. The store write is the only mutating
// call and happens first: if the fetch or the write fails, the rendered
// view, the offline queue and the store's previous content are all left
// untouched.
func (e *Engine) Merge(ctx context.Context, conversationID string, remote []model.Message) error {
	user := e.sessions.User()

	local, err := e.storage.Fetch(ctx, user, conversationID)
	if err != nil {
		return fmt.Errorf("sync failed: fetch %s: %w", conversationID, err)
	}

	queued := e.sessions.Queued(conversationID)

	// seed with the local record, fold in queued offline copies, then
	// overlay the remote batch in list order so remote entries win
	combined := make([]model.Message, 0, len(local)+len(queued)+len(remote))
	combined = append(combined, local...)
	combined = append(combined, queued...)
	combined = append(combined, remote...)

	merged := model.Dedupe(combined)
	model.SortByTimestamp(merged)

	if err := e.storage.Replace(ctx, user, conversationID, merged); err != nil {
		return fmt.Errorf("sync failed: persist %s: %w", conversationID, err)
	}

	e.view.ReplaceConversation(conversationID, merged)
	e.sessions.ClearQueue(conversationID)

	log.Info("conversation reconciled",
		zap.String("conversation", conversationID),
		zap.Int("local", len(local)),
		zap.Int("queued", len(queued)),
		zap.Int("remote", len(remote)),
		zap.Int("merged", len(merged)))
	return nil
}
