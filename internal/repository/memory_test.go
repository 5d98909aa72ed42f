package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository(t *testing.T) {
	runStoreContract(t, func(t *testing.T) (store, string) {
		return NewMemoryRepository(), ""
	})
}

func TestMemoryRepository_ReadersWaitForTransfer(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := r.ApplyTip(ctx, newTip("ALICE", "BOB", 1_000, 50, 0), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
		assert.NoError(t, err)
	}()

	<-started
	// пока перевод не завершён, статистика не видна
	stats, err := r.GetStats(ctx, "BOB")
	require.NoError(t, err)
	assert.True(t, stats.TotalReceived.IsZero())

	close(release)
	wg.Wait()

	stats, err = r.GetStats(ctx, "BOB")
	require.NoError(t, err)
	assert.Equal(t, "950", stats.TotalReceived.Dec())
}

func TestMemoryRepository_TipsOnSamePairSerialize(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	secondDone := make(chan struct{})

	go func() {
		_ = r.ApplyTip(ctx, newTip("ALICE", "BOB", 1_000, 50, 0), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	go func() {
		_ = r.ApplyTip(ctx, newTip("BOB", "ALICE", 1_000, 50, 0), okTransfer)
		close(secondDone)
	}()

	select {
	case <-secondDone:
		t.Fatalf("opposite tip finished while the first one held the locks")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-secondDone:
	case <-time.After(time.Second):
		t.Fatalf("opposite tip did not finish")
	}
}
