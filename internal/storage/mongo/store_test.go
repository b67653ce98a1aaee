package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"keybot/internal/storage/document"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// newTestStore 需要 KEYBOT_TEST_MONGO_URL，否則跳過
func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("KEYBOT_TEST_MONGO_URL")
	if uri == "" {
		t.Skip("跳過測試：未設定 KEYBOT_TEST_MONGO_URL")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("跳過測試：無法連接到 MongoDB: %v", err)
	}

	db := client.Database("keybot_test")
	coll := "documents_" + uuid.New().String()[:8]
	t.Cleanup(func() {
		_ = db.Collection(coll).Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	return New(db, coll, "keys")
}

func TestStore_CompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc, rev, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, rev.IsZero())

	doc.Keys["KEY-AAAA-BBBB-CCCC-DDDD"] = document.KeyRecord{OwnerID: 9, CreatedAt: 1, ExpiresAt: 2}
	rev1, err := s.Save(ctx, doc, rev)
	require.NoError(t, err)

	// 重複建立
	_, err = s.Save(ctx, document.New(), "")
	assert.ErrorIs(t, err, document.ErrConflict)

	loaded, rev, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, rev1, rev)
	assert.Equal(t, int64(9), loaded.Keys["KEY-AAAA-BBBB-CCCC-DDDD"].OwnerID)

	loaded.Pending["9"] = document.PendingRecord{Token: "t"}
	_, err = s.Save(ctx, loaded, rev1)
	require.NoError(t, err)

	_, err = s.Save(ctx, loaded, rev1)
	assert.ErrorIs(t, err, document.ErrConflict)

	require.NoError(t, s.Ping(ctx))
}
