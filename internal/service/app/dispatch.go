package app

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"p2p_chat/internal/model"
	"p2p_chat/internal/session"
	"p2p_chat/internal/utils/log"
)

// errNoConversation marks a send or an inbound frame with no session to
// attribute it to.
var errNoConversation = errors.New("no active conversation")

// messageSaver is the slice of the store client the channel paths need.
type messageSaver interface {
	SaveMessage(ctx context.Context, username, conversationID string, m model.Message) error
}

// dispatchMessage runs the outbound path: persist first, then transmit.
// The local record is authoritative, so a store error is logged but does
// not stop the send. A message that cannot be delivered lands in the
// offline queue; the return reports whether it was queued.
func dispatchMessage(ctx context.Context, st messageSaver, sessions *session.Manager, m model.Message) (bool, error) {
	conversationID := sessions.ActiveConversation()
	if conversationID == "" {
		return false, errNoConversation
	}

	if err := st.SaveMessage(ctx, sessions.User(), conversationID, m); err != nil {
		log.Error("persist message failed", zap.Error(err))
	}

	if !sessions.ChannelOpen() {
		sessions.Enqueue(conversationID, m)
		return true, nil
	}

	if err := sessions.Active().Channel.Send(model.NewEnvelope(m)); err != nil {
		// write failed: demote to the offline queue, no retry here
		log.Error("channel send failed", zap.Error(err))
		sessions.Enqueue(conversationID, m)
		return true, nil
	}
	return false, nil
}

// receiveEnvelope decodes an inbound channel frame and attributes it to
// the conversation active right now; one session, one conversation. Chat
// messages are persisted before the envelope is handed back for rendering
// or merging.
func receiveEnvelope(ctx context.Context, st messageSaver, sessions *session.Manager, data []byte) (*model.Envelope, string, error) {
	var env model.Envelope
	if err := env.Unmarshal(data); err != nil {
		return nil, "", err
	}

	conversationID := sessions.ActiveConversation()
	if conversationID == "" {
		return nil, "", errNoConversation
	}

	if env.Type == model.EnvelopeMessage {
		if err := st.SaveMessage(ctx, sessions.User(), conversationID, env.Message()); err != nil {
			log.Error("persist received message failed", zap.Error(err))
		}
	}
	return &env, conversationID, nil
}
