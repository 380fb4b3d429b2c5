package rawwriter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/storage/memory"
)

type ctxRecordingStore struct {
	*memory.Store
	mu      sync.Mutex
	ctxErrs []error
	failing bool
}

func (s *ctxRecordingStore) AppendRawPost(ctx context.Context, post harvest.RawPost) error {
	s.mu.Lock()
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	s.mu.Unlock()
	if s.failing {
		return errors.New("disk full")
	}
	return s.Store.AppendRawPost(ctx, post)
}

func TestAppendPostSurvivesCallerCancel(t *testing.T) {
	t.Parallel()

	store := &ctxRecordingStore{Store: memory.NewStore()}
	w := New(store, Config{WriteTimeout: time.Second}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, w.AppendPost(ctx, harvest.RawPost{Domain: "x.com", PostID: "1"}))
	require.Len(t, store.RawPosts(), 1)
	assert.NoError(t, store.ctxErrs[0], "write context is detached from caller cancellation")
}

func TestAppendPostWrapsDurableWrite(t *testing.T) {
	t.Parallel()

	store := &ctxRecordingStore{Store: memory.NewStore(), failing: true}
	w := New(store, Config{}, zap.NewNop())

	err := w.AppendPost(context.Background(), harvest.RawPost{Domain: "x.com", PostID: "1"})
	require.ErrorIs(t, err, harvest.ErrDurableWrite)
	assert.Equal(t, "DurableWriteFailure", harvest.Reason(err))
	assert.Contains(t, err.Error(), "disk full")
}

func TestAppendCaptureWritesPostThenAssets(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	w := New(store, Config{}, nil)
	post := harvest.RawPost{Domain: "x.com", PostID: "1"}
	assets := []harvest.RawAsset{
		{Domain: "x.com", PostID: "1", URL: "a"},
		{Domain: "x.com", PostID: "1", URL: "b"},
	}

	require.NoError(t, w.AppendCapture(context.Background(), post, assets))
	assert.Len(t, store.RawPosts(), 1)
	assert.Equal(t, assets, store.RawAssets())
}

func TestConcurrentAppends(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	w := New(store, Config{}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.AppendPost(context.Background(), harvest.RawPost{Domain: "x.com", PostID: "dup"}))
		}()
	}
	wg.Wait()
	assert.Len(t, store.RawPosts(), 20, "raw rows are never de-duplicated at write time")
}
