package sendqueue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/ids"
	"github.com/stretchr/testify/require"
)

func testFanout() *syncFanoutTracker {
	c := config.NewConfig(config.WithLoggingPrefix("test"))
	return newSyncFanoutTracker(c.Logger("fanout"))
}

func TestFanoutEmitsOnce(t *testing.T) {
	require := require.New(t)

	tracker := testFanout()
	id := ids.NewID()
	row := &jobRow{ID: id[:]}

	var emissions int32
	emit := func() error {
		atomic.AddInt32(&emissions, 1)
		return nil
	}

	require.True(tracker.ensureSyncOnce(row, emit))
	require.False(tracker.ensureSyncOnce(row, emit))
	require.True(row.SyncSent)
	require.Equal(int32(1), emissions)
}

func TestFanoutConcurrentSubSends(t *testing.T) {
	require := require.New(t)

	tracker := testFanout()
	id := ids.NewID()
	row := &jobRow{ID: id[:]}

	var emissions int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.ensureSyncOnce(row, func() error {
				atomic.AddInt32(&emissions, 1)
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(int32(1), emissions)
	require.True(row.SyncSent)
}

func TestFanoutPersistedFlagSurvivesRestart(t *testing.T) {
	require := require.New(t)

	id := ids.NewID()
	row := &jobRow{ID: id[:], SyncSent: true}

	// a fresh tracker stands in for a process restart mid-retry
	tracker := testFanout()
	emitted := false
	require.False(tracker.ensureSyncOnce(row, func() error {
		emitted = true
		return nil
	}))
	require.False(emitted)
}

func TestFanoutEmitFailureDoesNotRearm(t *testing.T) {
	require := require.New(t)

	tracker := testFanout()
	id := ids.NewID()
	row := &jobRow{ID: id[:]}

	require.True(tracker.ensureSyncOnce(row, func() error {
		return errors.New("socket closed")
	}))
	require.True(row.SyncSent)

	emitted := false
	require.False(tracker.ensureSyncOnce(row, func() error {
		emitted = true
		return nil
	}))
	require.False(emitted)
}
