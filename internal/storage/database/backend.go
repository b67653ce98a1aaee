// Package database 依配置選擇並建立文件儲存後端.
package database

import (
	"context"
	"fmt"

	"keybot/internal/platform/config"
	"keybot/internal/platform/driver"
	"keybot/internal/platform/logger"
	"keybot/internal/storage/document"
	githubstore "keybot/internal/storage/github"
	mongostore "keybot/internal/storage/mongo"
	redisstore "keybot/internal/storage/redis"
)

// Backend 文件儲存與其連線資源.
type Backend struct {
	Name  string
	Store document.Store
	ping  func(ctx context.Context) error
	close func() error
}

// Open 依 storage.backend 建立後端，Store 已包上逾時.
func Open(ctx context.Context, cfg *config.Config) (*Backend, error) {
	sc := cfg.Storage
	b := &Backend{Name: sc.Backend}

	switch sc.Backend {
	case "github":
		s, err := githubstore.New(sc.GitHub)
		if err != nil {
			return nil, err
		}
		b.Store = s
		b.ping = s.Ping

	case "mongo":
		if err := ValidateCollectionName(sc.Mongo.Collection); err != nil {
			return nil, err
		}
		if err := ValidateDocumentID(sc.Mongo.DocumentID); err != nil {
			return nil, err
		}
		client, err := driver.ConnectMongo(ctx, sc.Mongo)
		if err != nil {
			return nil, err
		}
		s := mongostore.New(client.Database(sc.Mongo.Database), sc.Mongo.Collection, sc.Mongo.DocumentID)
		b.Store = s
		b.ping = s.Ping
		b.close = func() error { return driver.CloseMongo(client) }

	case "redis":
		if err := ValidateDocumentID(sc.Redis.Key); err != nil {
			return nil, err
		}
		client := redisstore.NewClient(sc.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to ping Redis: %w", err)
		}
		s := redisstore.New(client, sc.Redis.Key)
		b.Store = s
		b.ping = s.Ping
		b.close = client.Close

	case "memory":
		s := document.NewMemoryStore()
		b.Store = s
		b.ping = func(context.Context) error { return nil }

	default:
		return nil, fmt.Errorf("不支援的儲存後端: %q", sc.Backend)
	}

	b.Store = document.WithTimeout(b.Store, cfg.StoreTimeout())
	logger.Info(ctx, "文件儲存後端已就緒", logger.WithDetails(map[string]interface{}{
		"backend": sc.Backend,
	}))
	return b, nil
}

// Ping 檢查後端連線.
func (b *Backend) Ping(ctx context.Context) error {
	if b == nil || b.ping == nil {
		return fmt.Errorf("儲存後端未初始化")
	}
	return b.ping(ctx)
}

// Close 釋放連線.
func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}
