package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"p2p_chat/internal/metrics"
	"p2p_chat/internal/model"
	"p2p_chat/internal/utils/log"
)

type (
	// MongoStore implements Store on MongoDB: one document per record,
	// replaced wholesale so each write stays single-document atomic.
	MongoStore struct {
		users      *mongo.Collection
		records    *mongo.Collection
		quarantine *mongo.Collection
	}

	conversationRecord struct {
		Username       string          `bson:"username"`
		ConversationID string          `bson:"conversation_id"`
		Messages       []model.Message `bson:"messages"`
	}
)

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		users:      db.Collection("users"),
		records:    db.Collection("conversations"),
		quarantine: db.Collection("conversations_quarantine"),
	}
}

func (s *MongoStore) Register(ctx context.Context, username string) error {
	if !validKeyComponent(username) {
		return ErrInvalidKey
	}
	filter := bson.M{"name": username}

	var user model.User
	err := s.users.FindOne(ctx, filter).Decode(&user)
	if err == nil {
		return nil
	}
	if err != mongo.ErrNoDocuments {
		return err
	}

	_, err = s.users.InsertOne(ctx, &model.User{
		Name:         username,
		RegisteredAt: time.Now().UnixMilli(),
	})
	return err
}

func (s *MongoStore) checkUser(ctx context.Context, username string) error {
	if !validKeyComponent(username) {
		return ErrInvalidKey
	}
	err := s.users.FindOne(ctx, bson.M{"name": username}).Err()
	if err == mongo.ErrNoDocuments {
		return ErrUnknownUser
	}
	return err
}

func (s *MongoStore) fetch(ctx context.Context, username, conversationID string) ([]model.Message, error) {
	filter := bson.M{"username": username, "conversation_id": conversationID}

	var rec conversationRecord
	err := s.records.FindOne(ctx, filter).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.Messages, nil
}

func (s *MongoStore) replace(ctx context.Context, username, conversationID string, msgs []model.Message) error {
	filter := bson.M{"username": username, "conversation_id": conversationID}
	rec := conversationRecord{
		Username:       username,
		ConversationID: conversationID,
		Messages:       msgs,
	}

	opts := options.Replace().SetUpsert(true)
	_, err := s.records.ReplaceOne(ctx, filter, &rec, opts)
	return err
}

func (s *MongoStore) Append(ctx context.Context, username, conversationID string, batch []model.Message, overwrite bool) error {
	if err := s.checkUser(ctx, username); err != nil {
		return err
	}

	combined := batch
	if !overwrite {
		existing, err := s.fetch(ctx, username, conversationID)
		if err != nil {
			return err
		}
		combined = append(existing, batch...)
	}

	merged := dedupeSort(combined)
	assignIDs(merged)
	return s.replace(ctx, username, conversationID, merged)
}

func (s *MongoStore) Read(ctx context.Context, username, conversationID string) ([]model.Message, error) {
	if err := s.checkUser(ctx, username); err != nil {
		return nil, err
	}
	return s.readAndHeal(ctx, username, conversationID)
}

func (s *MongoStore) readAndHeal(ctx context.Context, username, conversationID string) ([]model.Message, error) {
	msgs, err := s.fetch(ctx, username, conversationID)
	if err != nil {
		return nil, err
	}

	healed := dedupeSort(msgs)
	if len(healed) != len(msgs) {
		if err := s.replace(ctx, username, conversationID, healed); err != nil {
			return nil, err
		}
		metrics.SelfHealRepairs.Inc()
		log.Info("repaired duplicated conversation record",
			zap.String("user", username),
			zap.String("conversation", conversationID))
	}
	return healed, nil
}

func (s *MongoStore) ListAll(ctx context.Context, username string) (map[string][]model.Message, error) {
	if err := s.checkUser(ctx, username); err != nil {
		return nil, err
	}

	cursor, err := s.records.Find(ctx, bson.M{"username": username})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var keys []string
	for cursor.Next(ctx) {
		var rec conversationRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, err
		}

		if !model.ValidConversationID(rec.ConversationID) {
			if err := s.quarantineRecord(ctx, &rec); err != nil {
				return nil, err
			}
			continue
		}
		keys = append(keys, rec.ConversationID)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	result := make(map[string][]model.Message, len(keys))
	for _, key := range keys {
		msgs, err := s.readAndHeal(ctx, username, key)
		if err != nil {
			return nil, err
		}
		result[key] = msgs
	}
	return result, nil
}

func (s *MongoStore) quarantineRecord(ctx context.Context, rec *conversationRecord) error {
	if _, err := s.quarantine.InsertOne(ctx, rec); err != nil {
		return err
	}
	filter := bson.M{"username": rec.Username, "conversation_id": rec.ConversationID}
	if _, err := s.records.DeleteOne(ctx, filter); err != nil {
		return err
	}

	metrics.RecordsQuarantined.Inc()
	log.Info("quarantined record with malformed conversation key",
		zap.String("user", rec.Username), zap.String("record", rec.ConversationID))
	return nil
}
