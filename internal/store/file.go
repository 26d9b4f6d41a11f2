package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"p2p_chat/internal/metrics"
	"p2p_chat/internal/model"
	"p2p_chat/internal/utils/log"
)

const (
	recordExt     = ".json"
	quarantineDir = "quarantine"
)

// FileStore keeps one JSON file per (user, conversation id) under a per-user
// directory. It is the canonical backend.
type FileStore struct {
	root  string
	locks *keyedMutex
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{
		root:  root,
		locks: newKeyedMutex(),
	}, nil
}

func (s *FileStore) userDir(username string) string {
	return filepath.Join(s.root, username)
}

func (s *FileStore) recordPath(username, conversationID string) string {
	return filepath.Join(s.userDir(username), conversationID+recordExt)
}

func (s *FileStore) Register(ctx context.Context, username string) error {
	if !validKeyComponent(username) {
		return ErrInvalidKey
	}
	return os.MkdirAll(s.userDir(username), 0o755)
}

func (s *FileStore) checkUser(username string) error {
	if !validKeyComponent(username) {
		return ErrInvalidKey
	}
	info, err := os.Stat(s.userDir(username))
	if err != nil || !info.IsDir() {
		return ErrUnknownUser
	}
	return nil
}

// readRecord loads a record file. Missing or malformed content degrades to
// an empty record rather than an error.
func (s *FileStore) readRecord(path string) []model.Message {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var msgs []model.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		log.Error("malformed conversation record, treating as empty",
			zap.String("path", path), zap.Error(err))
		return nil
	}
	return msgs
}

func (s *FileStore) writeRecord(path string, msgs []model.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) Append(ctx context.Context, username, conversationID string, batch []model.Message, overwrite bool) error {
	if err := s.checkUser(username); err != nil {
		return err
	}
	if !validKeyComponent(conversationID) {
		return ErrInvalidKey
	}

	path := s.recordPath(username, conversationID)
	lock := s.locks.get(path)
	lock.Lock()
	defer lock.Unlock()

	combined := batch
	if !overwrite {
		combined = append(s.readRecord(path), batch...)
	}

	merged := dedupeSort(combined)
	assignIDs(merged)
	return s.writeRecord(path, merged)
}

func (s *FileStore) Read(ctx context.Context, username, conversationID string) ([]model.Message, error) {
	if err := s.checkUser(username); err != nil {
		return nil, err
	}
	if !validKeyComponent(conversationID) {
		return nil, ErrInvalidKey
	}

	path := s.recordPath(username, conversationID)
	lock := s.locks.get(path)
	lock.Lock()
	defer lock.Unlock()

	return s.readAndHeal(path)
}

// readAndHeal runs the read-time deduplication pass and rewrites the record
// when the pass shrank it.
func (s *FileStore) readAndHeal(path string) ([]model.Message, error) {
	msgs := s.readRecord(path)
	healed := dedupeSort(msgs)

	if len(healed) != len(msgs) {
		if err := s.writeRecord(path, healed); err != nil {
			return nil, fmt.Errorf("rewrite healed record: %w", err)
		}
		metrics.SelfHealRepairs.Inc()
		log.Info("repaired duplicated conversation record",
			zap.String("path", path),
			zap.Int("before", len(msgs)),
			zap.Int("after", len(healed)))
	}
	return healed, nil
}

func (s *FileStore) ListAll(ctx context.Context, username string) (map[string][]model.Message, error) {
	if err := s.checkUser(username); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.userDir(username))
	if err != nil {
		return nil, err
	}

	result := make(map[string][]model.Message)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		key := strings.TrimSuffix(entry.Name(), recordExt)

		if !model.ValidConversationID(key) {
			if err := s.quarantine(username, entry.Name()); err != nil {
				return nil, err
			}
			continue
		}

		path := s.recordPath(username, key)
		lock := s.locks.get(path)
		lock.Lock()
		msgs, err := s.readAndHeal(path)
		lock.Unlock()
		if err != nil {
			return nil, err
		}
		result[key] = msgs
	}
	return result, nil
}

// quarantine moves a record with a malformed key out of the live store
// instead of deleting it.
func (s *FileStore) quarantine(username, name string) error {
	dir := filepath.Join(s.userDir(username), quarantineDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.Rename(filepath.Join(s.userDir(username), name), filepath.Join(dir, name)); err != nil {
		return err
	}

	metrics.RecordsQuarantined.Inc()
	log.Info("quarantined record with malformed conversation key",
		zap.String("user", username), zap.String("record", name))
	return nil
}
