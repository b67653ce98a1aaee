package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"keybot/internal/keystore"
	"keybot/internal/storage/document"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_RunOnce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	backend := document.NewMemoryStore()
	store, err := keystore.Open(context.Background(), backend, keystore.Options{
		Prefix: "KEY",
		TTL:    time.Hour,
		Clock:  clock,
	})
	require.NoError(t, err)
	ctx := context.Background()

	old, err := store.Issue(ctx, 1, false)
	require.NoError(t, err)
	_, _, err = store.CreatePending(ctx, 2, document.PendingRecord{
		Token:     "t",
		CreatedAt: document.Unix(clock.Now()),
		ExpiresAt: document.Unix(clock.Now().Add(10 * time.Minute)),
	})
	require.NoError(t, err)

	clock.Advance(26 * time.Hour)
	fresh, err := store.Issue(ctx, 3, false)
	require.NoError(t, err)

	job := NewJob(store, 24*time.Hour, nil)
	res, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, keystore.PruneResult{Keys: 1, Pending: 1}, res)

	assert.Equal(t, keystore.ReasonNotFound, store.Validate(old.Key).Reason)
	assert.True(t, store.Validate(fresh.Key).Valid)

	// 沒有可清理的資料時不寫入
	saves := backend.Saves()
	res, err = job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Keys+res.Pending)
	assert.Equal(t, saves, backend.Saves())
}

type failingPruner struct{}

func (failingPruner) Prune(context.Context, time.Duration) (keystore.PruneResult, error) {
	return keystore.PruneResult{}, errors.New("store down")
}

func TestJob_RunOnceError(t *testing.T) {
	_, err := NewJob(failingPruner{}, time.Hour, nil).RunOnce(context.Background())
	assert.Error(t, err)
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("@daily"))
	assert.NoError(t, ValidateSchedule("0 3 * * *"))
	assert.Error(t, ValidateSchedule("every day"))

	_, err := NewScheduler("bogus", NewJob(failingPruner{}, time.Hour, nil))
	assert.Error(t, err)

	s, err := NewScheduler("@hourly", NewJob(failingPruner{}, time.Hour, nil))
	require.NoError(t, err)
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
