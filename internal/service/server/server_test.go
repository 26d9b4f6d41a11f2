package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"p2p_chat/internal/model"
	"p2p_chat/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ts := httptest.NewServer(NewHttpServer(fs).Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) map[string]json.RawMessage {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	var out map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func getJSON(t *testing.T, url string) map[string]json.RawMessage {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	var out map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func success(t *testing.T, out map[string]json.RawMessage) {
	t.Helper()
	var ok bool
	if err := json.Unmarshal(out["success"], &ok); err != nil || !ok {
		t.Fatalf("response not successful: %v", out)
	}
}

func register(t *testing.T, ts *httptest.Server, name string) {
	t.Helper()
	out := postJSON(t, ts.URL+"/user/register", map[string]string{"username": name})
	success(t, out)

	var echoed string
	if err := json.Unmarshal(out["username"], &echoed); err != nil || echoed != name {
		t.Fatalf("register echoed %q, want %q", echoed, name)
	}
}

func TestRegisterSaveRead(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "alice")

	// Single message object, no id: the store generates one.
	out := postJSON(t, ts.URL+"/conversation/save", map[string]any{
		"username": "alice",
		"peerId":   "alice-bob",
		"data":     map[string]any{"sender": "alice", "content": "hi", "timestamp": 1000},
	})
	success(t, out)

	out = getJSON(t, ts.URL+"/conversation/alice/alice-bob")
	success(t, out)

	var msgs []model.Message
	if err := json.Unmarshal(out["messages"], &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len = %d, want 1", len(msgs))
	}
	if msgs[0].Content != "hi" || msgs[0].ID == "" {
		t.Errorf("message = %+v, want content hi with generated id", msgs[0])
	}
}

func TestSaveBatchOverwrite(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "alice")

	out := postJSON(t, ts.URL+"/conversation/save", map[string]any{
		"username": "alice",
		"peerId":   "alice-bob",
		"data":     []map[string]any{{"id": "old", "sender": "alice", "content": "old", "timestamp": 500}},
	})
	success(t, out)

	out = postJSON(t, ts.URL+"/conversation/save", map[string]any{
		"username":  "alice",
		"peerId":    "alice-bob",
		"data":      []map[string]any{{"id": "new", "sender": "bob", "content": "new", "timestamp": 600}},
		"overwrite": true,
	})
	success(t, out)

	out = getJSON(t, ts.URL+"/conversation/alice/alice-bob")
	success(t, out)

	var msgs []model.Message
	if err := json.Unmarshal(out["messages"], &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "new" {
		t.Errorf("record after overwrite = %+v", msgs)
	}
}

func TestListConversations(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "alice")

	for i, conv := range []string{"alice-bob", "alice-carol"} {
		out := postJSON(t, ts.URL+"/conversation/save", map[string]any{
			"username": "alice",
			"peerId":   conv,
			"data":     map[string]any{"sender": "alice", "content": fmt.Sprintf("msg %d", i), "timestamp": 1000 + i},
		})
		success(t, out)
	}

	out := getJSON(t, ts.URL+"/conversations/alice")
	success(t, out)

	var convs map[string][]model.Message
	if err := json.Unmarshal(out["conversations"], &convs); err != nil {
		t.Fatalf("decode conversations: %v", err)
	}
	if len(convs) != 2 {
		t.Errorf("conversations = %v, want 2 entries", convs)
	}
}

func TestSaveRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "alice")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing peerId", map[string]any{"username": "alice", "data": map[string]any{"content": "x"}}},
		{"missing data", map[string]any{"username": "alice", "peerId": "alice-bob"}},
		{"unknown user", map[string]any{"username": "mallory", "peerId": "alice-bob", "data": map[string]any{"content": "x"}}},
		{"traversal peerId", map[string]any{"username": "alice", "peerId": "../../escaped", "data": map[string]any{"content": "x"}}},
		{"traversal username", map[string]any{"username": "../alice", "peerId": "alice-bob", "data": map[string]any{"content": "x"}}},
	}
	for _, tc := range tests {
		out := postJSON(t, ts.URL+"/conversation/save", tc.body)
		var ok bool
		if err := json.Unmarshal(out["success"], &ok); err != nil || ok {
			t.Errorf("%s: save succeeded, want failure", tc.name)
		}
	}
}

func TestRegisterRejectsBadNames(t *testing.T) {
	ts := newTestServer(t)

	for _, name := range []string{"", "alice-bob", "..", "a/b", `a\b`} {
		out := postJSON(t, ts.URL+"/user/register", map[string]string{"username": name})
		var ok bool
		if err := json.Unmarshal(out["success"], &ok); err != nil || ok {
			t.Errorf("register %q succeeded, want failure", name)
		}
	}
}

func TestReadEmptyConversation(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "alice")

	out := getJSON(t, ts.URL+"/conversation/alice/alice-bob")
	success(t, out)

	var msgs []model.Message
	if err := json.Unmarshal(out["messages"], &msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("len = %d, want 0", len(msgs))
	}
}
