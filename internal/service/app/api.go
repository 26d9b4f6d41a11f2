package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"p2p_chat/internal/model"
)

type (
	// StoreClient talks to the conversation store's HTTP surface. It also
	// satisfies the reconcile engine's Storage interface.
	StoreClient struct {
		base string
		http *http.Client
	}

	storeResponse struct {
		Success       bool                       `json:"success"`
		Error         string                     `json:"error"`
		Username      string                     `json:"username"`
		Messages      []model.Message            `json:"messages"`
		Conversations map[string][]model.Message `json:"conversations"`
	}
)

func NewStoreClient(base string) *StoreClient {
	return &StoreClient{
		base: base,
		http: http.DefaultClient,
	}
}

func (c *StoreClient) Register(ctx context.Context, username string) error {
	_, err := c.post(ctx, "/user/register", map[string]any{
		"username": username,
	})
	return err
}

// SaveMessage appends one message; the store generates an id if the
// message carries none.
func (c *StoreClient) SaveMessage(ctx context.Context, username, conversationID string, m model.Message) error {
	_, err := c.post(ctx, "/conversation/save", map[string]any{
		"username": username,
		"peerId":   conversationID,
		"data":     m,
	})
	return err
}

// SaveBatch merges a batch into the record, or replaces the record when
// overwrite is set.
func (c *StoreClient) SaveBatch(ctx context.Context, username, conversationID string, msgs []model.Message, overwrite bool) error {
	_, err := c.post(ctx, "/conversation/save", map[string]any{
		"username":  username,
		"peerId":    conversationID,
		"data":      msgs,
		"overwrite": overwrite,
	})
	return err
}

func (c *StoreClient) GetConversation(ctx context.Context, username, conversationID string) ([]model.Message, error) {
	resp, err := c.get(ctx, fmt.Sprintf("/conversation/%s/%s", url.PathEscape(username), url.PathEscape(conversationID)))
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *StoreClient) ListConversations(ctx context.Context, username string) (map[string][]model.Message, error) {
	resp, err := c.get(ctx, fmt.Sprintf("/conversations/%s", url.PathEscape(username)))
	if err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// Fetch implements reconcile.Storage.
func (c *StoreClient) Fetch(ctx context.Context, user, conversationID string) ([]model.Message, error) {
	return c.GetConversation(ctx, user, conversationID)
}

// Replace implements reconcile.Storage.
func (c *StoreClient) Replace(ctx context.Context, user, conversationID string, msgs []model.Message) error {
	return c.SaveBatch(ctx, user, conversationID, msgs, true)
}

func (c *StoreClient) post(ctx context.Context, path string, body any) (*storeResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

func (c *StoreClient) get(ctx context.Context, path string) (*storeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *StoreClient) do(req *http.Request) (*storeResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	var out storeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode store response: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("store: %s", out.Error)
	}
	return &out, nil
}
