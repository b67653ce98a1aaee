// Package redis 以單一 Redis 字串鍵保存文件，WATCH/MULTI 實作 compare-and-swap.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"keybot/internal/platform/config"
	"keybot/internal/storage/document"

	"github.com/redis/go-redis/v9"
)

// Store Redis 文件儲存，revision 為內容的 sha256.
type Store struct {
	client redis.UniversalClient
	key    string
}

// NewClient 依配置建立 Redis 客戶端
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// New 建立 Redis 文件儲存.
func New(client redis.UniversalClient, key string) *Store {
	if key == "" {
		key = "keybot:document"
	}
	return &Store{client: client, key: key}
}

// Load 讀取文件；鍵不存在時回傳空文件.
func (s *Store) Load(ctx context.Context) (*document.Document, document.Revision, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return document.New(), "", nil
	}
	if err != nil {
		return nil, "", document.TransportError("redis load", err)
	}
	doc, err := document.Decode(data)
	if err != nil {
		return nil, "", err
	}
	return doc, etag(data), nil
}

// Save 在 WATCH 之下比對目前內容的 etag 後寫入.
func (s *Store) Save(ctx context.Context, doc *document.Document, rev document.Revision) (document.Revision, error) {
	data, err := document.Encode(doc)
	if err != nil {
		return "", err
	}

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, s.key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if !rev.IsZero() {
				return document.ErrConflict
			}
		case err != nil:
			return err
		default:
			if etag(current) != rev {
				return document.ErrConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, data, 0)
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, s.key)
	switch {
	case err == nil:
		return etag(data), nil
	case errors.Is(err, document.ErrConflict), errors.Is(err, redis.TxFailedErr):
		return "", fmt.Errorf("redis save: %w", document.ErrConflict)
	default:
		return "", document.TransportError("redis save", err)
	}
}

// Ping 健康檢查用
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func etag(data []byte) document.Revision {
	sum := sha256.Sum256(data)
	return document.Revision(hex.EncodeToString(sum[:]))
}
