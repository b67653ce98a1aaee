// Package mongo 以 MongoDB 單一文件保存金鑰資料，revision 欄位作為樂觀鎖.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"keybot/internal/storage/document"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// envelope 集合中的實際文件格式
type envelope struct {
	ID        string             `bson:"_id"`
	Revision  string             `bson:"revision"`
	Doc       *document.Document `bson:"doc"`
	UpdatedAt time.Time          `bson:"updated_at"`
}

// Store MongoDB 文件儲存.
type Store struct {
	collection *mongo.Collection
	id         string
}

// New 建立 MongoDB 文件儲存.
func New(db *mongo.Database, collection, id string) *Store {
	return &Store{
		collection: db.Collection(collection),
		id:         id,
	}
}

// Load 讀取文件.
func (s *Store) Load(ctx context.Context) (*document.Document, document.Revision, error) {
	var env envelope
	err := s.collection.FindOne(ctx, bson.M{"_id": s.id}).Decode(&env)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return document.New(), "", nil
	}
	if err != nil {
		return nil, "", document.TransportError("mongo load", err)
	}

	doc := env.Doc
	if doc == nil {
		doc = document.New()
	}
	if err := doc.Normalize(); err != nil {
		return nil, "", err
	}
	return doc, document.Revision(env.Revision), nil
}

// Save 建立時以 _id 唯一性防止重複，更新時以 revision 過濾.
func (s *Store) Save(ctx context.Context, doc *document.Document, rev document.Revision) (document.Revision, error) {
	next := uuid.New().String()
	now := time.Now().UTC()

	if rev.IsZero() {
		_, err := s.collection.InsertOne(ctx, envelope{
			ID:        s.id,
			Revision:  next,
			Doc:       doc,
			UpdatedAt: now,
		})
		if mongo.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("mongo save: %w", document.ErrConflict)
		}
		if err != nil {
			return "", document.TransportError("mongo save", err)
		}
		return document.Revision(next), nil
	}

	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": s.id, "revision": string(rev)},
		bson.M{"$set": bson.M{
			"revision":   next,
			"doc":        doc,
			"updated_at": now,
		}},
	)
	if err != nil {
		return "", document.TransportError("mongo save", err)
	}
	if result.MatchedCount == 0 {
		return "", fmt.Errorf("mongo save: %w", document.ErrConflict)
	}
	return document.Revision(next), nil
}

// Ping 健康檢查用
func (s *Store) Ping(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, nil)
}
