package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/aico-slmf/pkg/config"
	"github.com/cuemby/aico-slmf/pkg/ferr"
	"github.com/cuemby/aico-slmf/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	cpuPct float64
	memPct float64
}

func (f fakeSampler) CPUPercent() (float64, error) { return f.cpuPct, nil }
func (f fakeSampler) MemPercent() (float64, error) { return f.memPct, nil }

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		TickInterval:        20 * time.Millisecond,
		MaxConcurrentTasks:  10,
		DefaultTaskTimeout:  2 * time.Second,
		CPUThresholdPercent: 80,
		MemThresholdPercent: 80,
		AdmissionBackoff:    30 * time.Second,
		LoopLagThreshold:    500 * time.Millisecond,
		LoopLagSustain:      2 * time.Second,
	}
}

func testStore(t *testing.T) store.Store {
	t.Helper()
	var key [32]byte
	s, err := store.NewBoltStore(t.TempDir(), key)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIntervalTaskRunsAndReschedules(t *testing.T) {
	st := testStore(t)
	s := New(testConfig(), st, fakeSampler{}, zerolog.Nop())

	var runs int32
	s.RegisterTask("ping", func(ctx context.Context, configJSON []byte) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	now := time.Now()
	require.NoError(t, s.CreateTask(store.ScheduledTask{TaskID: "t1", TaskClass: "ping", Schedule: "interval:1", Enabled: true}, now))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 1 }, 2*time.Second, 10*time.Millisecond)

	task, err := st.GetTask("t1")
	require.NoError(t, err)
	require.True(t, task.Enabled)
	require.NotNil(t, task.LastRunUTCMillis)
}

func TestOneShotTaskGoesTerminalAfterSuccess(t *testing.T) {
	st := testStore(t)
	s := New(testConfig(), st, fakeSampler{}, zerolog.Nop())

	var ran int32
	s.RegisterTask("once", func(ctx context.Context, configJSON []byte) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	now := time.Now()
	at := now.Add(20 * time.Millisecond).UTC().Format(time.RFC3339)
	require.NoError(t, s.CreateTask(store.ScheduledTask{TaskID: "t2", TaskClass: "once", Schedule: "at:" + at, Enabled: true}, now))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		task, err := st.GetTask("t2")
		return err == nil && !task.Enabled
	}, 1*time.Second, 10*time.Millisecond)
}

func TestAdmissionDefersTaskUnderHighLoad(t *testing.T) {
	st := testStore(t)
	s := New(testConfig(), st, fakeSampler{cpuPct: 95}, zerolog.Nop())

	var runs int32
	s.RegisterTask("heavy", func(ctx context.Context, configJSON []byte) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	now := time.Now()
	require.NoError(t, s.CreateTask(store.ScheduledTask{TaskID: "t3", TaskClass: "heavy", Schedule: "interval:1", Enabled: true}, now))

	s.Start()
	defer s.Stop()

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&runs), "task should never run while CPU is over threshold")

	task, err := st.GetTask("t3")
	require.NoError(t, err)
	require.Greater(t, task.NextRunUTCMillis, uint64(now.UnixMilli()))
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	st := testStore(t)
	s := New(testConfig(), st, fakeSampler{}, zerolog.Nop())

	var attempts int32
	s.RegisterTask("fails", func(ctx context.Context, configJSON []byte) error {
		atomic.AddInt32(&attempts, 1)
		return ferr.New(ferr.TaskPermanentError, "test.fails")
	})

	now := time.Now()
	require.NoError(t, s.CreateTask(store.ScheduledTask{TaskID: "t4", TaskClass: "fails", Schedule: "interval:3600", Enabled: true}, now))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts), "a permanent error must not be retried")

	execs, err := st.ListExecutions("t4")
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.NotNil(t, execs[0].Success)
	require.False(t, *execs[0].Success)
}

func TestTransientErrorRetriesWithBackoff(t *testing.T) {
	st := testStore(t)
	s := New(testConfig(), st, fakeSampler{}, zerolog.Nop())
	s.retry = RetryPolicy{BaseDelay: 30 * time.Millisecond, MaxDelay: 100 * time.Millisecond, MaxAttempts: 2}

	var attempts int32
	s.RegisterTask("flaky", func(ctx context.Context, configJSON []byte) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return ferr.New(ferr.TaskTransientError, "test.flaky")
		}
		return nil
	})

	now := time.Now()
	require.NoError(t, s.CreateTask(store.ScheduledTask{TaskID: "t5", TaskClass: "flaky", Schedule: "interval:3600", Enabled: true}, now))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) >= 2 }, 2*time.Second, 10*time.Millisecond)
	// MaxAttempts caps retries at 2; a third failure would exceed it, so
	// the flaky task's eventual success on attempt 3 only happens because
	// this fake succeeds early on attempt 2's retry slot. Assert no more
	// than MaxAttempts+1 total invocations ever occur.
	time.Sleep(300 * time.Millisecond)
	require.LessOrEqual(t, atomic.LoadInt32(&attempts), int32(3))
}
