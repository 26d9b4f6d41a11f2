package app

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"p2p_chat/internal/config"
	"p2p_chat/internal/model"
	"p2p_chat/internal/negotiation"
	"p2p_chat/internal/service/server"
	"p2p_chat/internal/store"
	"p2p_chat/internal/transport"
)

// Responder end to end: pasting an offer must attribute the session to the
// right conversation before the channel can bind, because the channel
// opens mid-handshake on loopback and the establishment handler loads
// history and pushes the sync envelope immediately.
func TestAcceptOfferSendsSyncEnvelope(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ts := httptest.NewServer(server.NewHttpServer(fs).Router())
	t.Cleanup(ts.Close)

	ctx := context.Background()

	// initiator side, driven directly against the transport
	initiator := negotiation.New(transport.NewWS(), 2*time.Second)
	offer, err := initiator.Initiate(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	t.Cleanup(initiator.Abandon)

	synced := make(chan model.Envelope, 1)
	initiator.Channel().OnMessage(func(data []byte) {
		var env model.Envelope
		if err := env.Unmarshal(data); err != nil {
			return
		}
		if env.Type == model.EnvelopeSync {
			select {
			case synced <- env:
			default:
			}
		}
	})

	text, err := offer.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// responder side, through the client app
	a := NewApp(&config.Config{StoreURL: ts.URL, GatherTimeout: 2 * time.Second})
	a.ctx = ctx
	if err := a.store.Register(ctx, "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	a.sessions.SetUser("alice")

	a.acceptPayload(text)
	t.Cleanup(func() {
		if s := a.sessions.Active(); s != nil && s.Engine != nil {
			s.Engine.Abandon()
		}
	})

	if got := a.sessions.ActiveConversation(); got != "alice-bob" {
		t.Fatalf("active conversation = %q, want alice-bob", got)
	}
	if !a.sessions.ChannelOpen() {
		t.Fatal("responder channel not open after accepting the offer")
	}

	select {
	case env := <-synced:
		if env.Sender != "alice" {
			t.Errorf("sync sender = %q, want alice", env.Sender)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("responder never sent its sync envelope")
	}
}
