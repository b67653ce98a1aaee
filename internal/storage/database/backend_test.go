package database

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"keybot/internal/platform/config"
	"keybot/internal/storage/document"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Memory(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Backend: "memory", TimeoutSeconds: 1}}
	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "memory", b.Name)
	assert.NoError(t, b.Ping(context.Background()))

	doc, rev, err := b.Store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, rev.IsZero())
	assert.Empty(t, doc.Keys)
}

func TestOpen_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{Storage: config.StorageConfig{
		Backend:        "redis",
		TimeoutSeconds: 1,
		Redis:          config.RedisConfig{Addr: mr.Addr(), Key: "keybot:test"},
	}}
	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Store.Save(context.Background(), document.New(), "")
	require.NoError(t, err)
	assert.True(t, mr.Exists("keybot:test"))
	assert.NoError(t, b.Ping(context.Background()))
}

func TestOpen_GitHubPingHitsRepositoryOnly(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"db","full_name":"acme/db"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{Storage: config.StorageConfig{
		Backend:        "github",
		TimeoutSeconds: 1,
		GitHub: config.GitHubConfig{
			Token: "ghp_test", Owner: "acme", Repo: "db", Path: "keys.json", BaseURL: srv.URL,
		},
	}}
	b, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Ping(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/repos/acme/db"}, paths)
}

func TestOpen_RejectsBadIdentifiers(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{
		Backend: "redis",
		Redis:   config.RedisConfig{Addr: "127.0.0.1:1", Key: "$bad"},
	}}
	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)

	cfg = &config.Config{Storage: config.StorageConfig{
		Backend: "mongo",
		Mongo:   config.MongoConfig{URL: "mongodb://x", Collection: "system.users", DocumentID: "keys"},
	}}
	_, err = Open(context.Background(), cfg)
	assert.Error(t, err)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), &config.Config{Storage: config.StorageConfig{Backend: "s3"}})
	assert.Error(t, err)
}

func TestValidateDocumentID(t *testing.T) {
	assert.NoError(t, ValidateDocumentID("keybot:document"))
	assert.Error(t, ValidateDocumentID(""))
	assert.Error(t, ValidateDocumentID("a b"))
	assert.Error(t, ValidateDocumentID("{x}"))
}
