package app

import (
	"context"
	"net/http/httptest"
	"testing"

	"p2p_chat/internal/model"
	"p2p_chat/internal/service/server"
	"p2p_chat/internal/store"
)

func newClientAndServer(t *testing.T) *StoreClient {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ts := httptest.NewServer(server.NewHttpServer(fs).Router())
	t.Cleanup(ts.Close)
	return NewStoreClient(ts.URL)
}

func TestStoreClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newClientAndServer(t)

	if err := c.Register(ctx, "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	m := model.Message{Sender: "alice", Content: "hi", Timestamp: 1000}
	if err := c.SaveMessage(ctx, "alice", "alice-bob", m); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	got, err := c.GetConversation(ctx, "alice", "alice-bob")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if len(got) != 1 || got[0].Content != "hi" || got[0].ID == "" {
		t.Errorf("conversation = %+v", got)
	}

	all, err := c.ListConversations(ctx, "alice")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("conversations = %+v", all)
	}
}

func TestStoreClientReplaceOverwrites(t *testing.T) {
	ctx := context.Background()
	c := newClientAndServer(t)

	if err := c.Register(ctx, "alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.SaveMessage(ctx, "alice", "alice-bob",
		model.Message{ID: "old", Sender: "alice", Content: "old", Timestamp: 500}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	merged := []model.Message{{ID: "new", Sender: "bob", Content: "new", Timestamp: 600}}
	if err := c.Replace(ctx, "alice", "alice-bob", merged); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	got, err := c.Fetch(ctx, "alice", "alice-bob")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("record after Replace = %+v", got)
	}
}

func TestStoreClientSurfacesErrors(t *testing.T) {
	ctx := context.Background()
	c := newClientAndServer(t)

	if err := c.SaveMessage(ctx, "mallory", "alice-bob",
		model.Message{Content: "x", Timestamp: 1}); err == nil {
		t.Errorf("save for unregistered user succeeded, want error")
	}
}
