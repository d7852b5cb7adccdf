package dispatcher

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTask struct {
	calls int32
}

func (c *countingTask) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	atomic.AddInt32(&c.calls, 1)
	return 0, nil
}

func (c *countingTask) Reprocess(ctx context.Context, olderThan time.Duration, maxAttempts, limit int) (int, error) {
	atomic.AddInt32(&c.calls, 1)
	return 0, nil
}

func (c *countingTask) ArchiveOnce(ctx context.Context) (int, error) {
	atomic.AddInt32(&c.calls, 1)
	return 0, nil
}

func TestManager_RunsBackgroundTasks(t *testing.T) {
	f := newFixture(t, testConfig(), status(http.StatusOK))
	sweeper, reprocessor, archiver := &countingTask{}, &countingTask{}, &countingTask{}
	m := NewManager(f.d, sweeper, reprocessor, archiver, ManagerConfig{
		SweepInterval:     5 * time.Millisecond,
		ReprocessInterval: 5 * time.Millisecond,
		ArchiveInterval:   5 * time.Millisecond,
	})

	m.Start()
	assert.True(t, m.IsRunning())
	assert.True(t, f.d.IsRunning())

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&sweeper.calls) > 0 &&
			atomic.LoadInt32(&reprocessor.calls) > 0 &&
			atomic.LoadInt32(&archiver.calls) > 0
	}, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	assert.False(t, m.IsRunning())
	assert.False(t, f.d.IsRunning())

	// restartable
	m.Start()
	m.Stop()
}
