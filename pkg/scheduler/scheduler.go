package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/aico-slmf/pkg/config"
	"github.com/cuemby/aico-slmf/pkg/ferr"
	"github.com/cuemby/aico-slmf/pkg/metrics"
	"github.com/cuemby/aico-slmf/pkg/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TaskFunc is the body registered for one task_class. It MUST respect
// ctx's deadline/cancellation and yield at every bounded work unit (§5);
// the scheduler does not forcibly preempt a task that ignores ctx.
type TaskFunc func(ctx context.Context, configJSON []byte) error

// Scheduler runs the cooperative task loop described in §4.9: one ticker
// scans ready tasks, applies admission control and a concurrency cap,
// and dispatches each admitted task as its own goroutine with a hard
// per-task timeout.
type Scheduler struct {
	cfg     config.SchedulerConfig
	st      store.Store
	sampler ResourceSampler
	retry   RetryPolicy
	logger  zerolog.Logger

	registryMu sync.RWMutex
	registry   map[string]TaskFunc

	mu            sync.Mutex
	running       map[string]struct{}
	failureCounts map[string]int
	lagSince      time.Time // when sustained lag first exceeded threshold; zero if not currently lagging

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler. sampler supplies CPU/memory admission data;
// pass NewHostSampler() in production.
func New(cfg config.SchedulerConfig, st store.Store, sampler ResourceSampler, logger zerolog.Logger) *Scheduler {
	retry := DefaultRetryPolicy()
	if cfg.RetryBaseDelay > 0 {
		retry.BaseDelay = cfg.RetryBaseDelay
	}
	if cfg.RetryMaxDelay > 0 {
		retry.MaxDelay = cfg.RetryMaxDelay
	}
	if cfg.RetryMaxAttempts > 0 {
		retry.MaxAttempts = cfg.RetryMaxAttempts
	}
	return &Scheduler{
		cfg:           cfg,
		st:            st,
		sampler:       sampler,
		retry:         retry,
		logger:        logger,
		registry:      make(map[string]TaskFunc),
		running:       make(map[string]struct{}),
		failureCounts: make(map[string]int),
		stopCh:        make(chan struct{}),
	}
}

// RegisterTask associates taskClass with the function that executes it.
// Built-in task classes (log retention, key rotation, health check, ...)
// are registered by the composition root the same way application task
// classes are.
func (s *Scheduler) RegisterTask(taskClass string, fn TaskFunc) {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	s.registry[taskClass] = fn
}

// CreateTask validates def's schedule, computes its first next_run, and
// persists it.
func (s *Scheduler) CreateTask(def store.ScheduledTask, now time.Time) error {
	sched, err := ParseSchedule(def.Schedule)
	if err != nil {
		return err
	}
	def.CreatedAtUTCMillis = uint64(now.UnixMilli())
	def.NextRunUTCMillis = uint64(sched.FirstRun(now).UnixMilli())
	return s.st.PutTask(def)
}

// ListTasks returns every persisted task definition, for the Control
// Plane's control/scheduler/task/list (§4.10).
func (s *Scheduler) ListTasks() ([]store.ScheduledTask, error) {
	return s.st.ListTasks()
}

// GetTask returns one task definition plus its most recent executions.
func (s *Scheduler) GetTask(taskID string) (store.ScheduledTask, []store.TaskExecution, error) {
	task, err := s.st.GetTask(taskID)
	if err != nil {
		return store.ScheduledTask{}, nil, err
	}
	execs, err := s.st.ListExecutions(taskID)
	if err != nil {
		return task, nil, err
	}
	return task, execs, nil
}

// DeleteTask removes a task definition. A task currently running is left
// to finish; its in-flight execution record is still appended normally.
func (s *Scheduler) DeleteTask(taskID string) error {
	return s.st.DeleteTask(taskID)
}

// SetEnabled flips a task's enabled flag without touching its schedule.
func (s *Scheduler) SetEnabled(taskID string, enabled bool) error {
	task, err := s.st.GetTask(taskID)
	if err != nil {
		return err
	}
	task.Enabled = enabled
	return s.st.PutTask(task)
}

// Start begins the tick loop in a background goroutine.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop signals the loop to exit and waits for in-flight dispatches'
// bookkeeping goroutines to finish (it does not forcibly cancel running
// task bodies beyond their own per-task timeout context).
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	lastTick := time.Now()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			drift := now.Sub(lastTick) - s.cfg.TickInterval
			lastTick = now
			s.tick(now, drift)
		}
	}
}

// tick runs one scan-and-dispatch cycle. drift is how far this tick
// landed past its expected time, feeding the loop-lag watchdog (§4.9
// step 4).
func (s *Scheduler) tick(now time.Time, drift time.Duration) {
	if s.watchdogTripped(now, drift) {
		metrics.LoopLagSeconds.Set(drift.Seconds())
		s.logger.Warn().Dur("drift", drift).Msg("loop lag watchdog suspending dispatch")
		return
	}
	metrics.LoopLagSeconds.Set(drift.Seconds())

	tasks, err := s.st.ListTasks()
	if err != nil {
		s.logger.Error().Err(err).Msg("list tasks failed")
		return
	}

	s.mu.Lock()
	capacity := s.cfg.MaxConcurrentTasks - len(s.running)
	s.mu.Unlock()

	for _, task := range tasks {
		if capacity <= 0 {
			break
		}
		if !task.Enabled || uint64(now.UnixMilli()) < task.NextRunUTCMillis {
			continue
		}
		s.mu.Lock()
		_, alreadyRunning := s.running[task.TaskID]
		s.mu.Unlock()
		if alreadyRunning {
			continue
		}

		if !s.admit() {
			task.NextRunUTCMillis = uint64(now.Add(s.cfg.AdmissionBackoff).UnixMilli())
			if err := s.st.PutTask(task); err != nil {
				s.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to persist admission deferral")
			}
			metrics.TasksDeferred.WithLabelValues("admission").Inc()
			continue
		}

		s.dispatch(task, now)
		capacity--
	}
}

// watchdogTripped implements §4.9 step 4: dispatch is suspended once loop
// lag has exceeded LoopLagThreshold continuously for LoopLagSustain.
func (s *Scheduler) watchdogTripped(now time.Time, drift time.Duration) bool {
	if drift <= s.cfg.LoopLagThreshold {
		s.lagSince = time.Time{}
		return false
	}
	if s.lagSince.IsZero() {
		s.lagSince = now
	}
	return now.Sub(s.lagSince) >= s.cfg.LoopLagSustain
}

func (s *Scheduler) admit() bool {
	cpuPct, err := s.sampler.CPUPercent()
	if err == nil && cpuPct > s.cfg.CPUThresholdPercent {
		return false
	}
	memPct, err := s.sampler.MemPercent()
	if err == nil && memPct > s.cfg.MemThresholdPercent {
		return false
	}
	return true
}

// dispatch starts task's execution in its own goroutine with a hard
// per-task timeout, recording the result when it finishes.
func (s *Scheduler) dispatch(task store.ScheduledTask, startedAt time.Time) {
	s.registryMu.RLock()
	fn, ok := s.registry[task.TaskClass]
	s.registryMu.RUnlock()
	if !ok {
		s.logger.Error().Str("task_class", task.TaskClass).Msg("no handler registered for task class")
		return
	}

	s.mu.Lock()
	s.running[task.TaskID] = struct{}{}
	s.mu.Unlock()
	metrics.TasksInFlight.Inc()
	metrics.TasksScheduled.WithLabelValues(task.TaskClass).Inc()
	metrics.SchedulingLatency.Observe(startedAt.Sub(time.UnixMilli(int64(task.NextRunUTCMillis))).Seconds())

	timeout := s.cfg.DefaultTaskTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			metrics.TasksInFlight.Dec()
			s.mu.Lock()
			delete(s.running, task.TaskID)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = ferr.New(ferr.TaskPermanentError, "scheduler.dispatch").WithReason("panic")
				}
			}()
			return fn(ctx, task.ConfigJSON)
		}()
		s.finish(task, startedAt, err)
	}()
}

// finish records the execution outcome and recomputes the task's next
// run (or its terminal state), retrying transient failures per retry.
func (s *Scheduler) finish(task store.ScheduledTask, startedAt time.Time, taskErr error) {
	completedAt := time.Now()
	duration := uint64(completedAt.Sub(startedAt).Milliseconds())
	completedMillis := uint64(completedAt.UnixMilli())
	success := taskErr == nil

	s.mu.Lock()
	attempt := s.failureCounts[task.TaskID]
	if success {
		delete(s.failureCounts, task.TaskID)
	}
	s.mu.Unlock()

	exec := store.TaskExecution{
		ExecutionID:           uuid.NewString(),
		TaskID:                task.TaskID,
		StartedAtUTCMillis:    uint64(startedAt.UnixMilli()),
		CompletedAtUTCMillis:  &completedMillis,
		Success:               &success,
		DurationMillis:        &duration,
		RetryCount:            attempt,
	}
	if taskErr != nil {
		exec.Error = taskErr.Error()
	}
	if err := s.st.AppendExecution(exec); err != nil {
		s.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to append execution record")
	}

	if _, err := s.st.GetTask(task.TaskID); err != nil {
		// Deleted while running: keep the execution record, not the definition.
		s.mu.Lock()
		delete(s.failureCounts, task.TaskID)
		s.mu.Unlock()
		return
	}

	sched, err := ParseSchedule(task.Schedule)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("task has an unparseable schedule, disabling")
		task.Enabled = false
		s.st.PutTask(task)
		return
	}

	last := completedMillis
	task.LastRunUTCMillis = &last

	if success {
		task.Enabled = !sched.IsOneShot()
		if task.Enabled {
			task.NextRunUTCMillis = uint64(sched.Next(completedAt).UnixMilli())
		}
		if err := s.st.PutTask(task); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to persist task after success")
		}
		return
	}

	metrics.TasksFailed.WithLabelValues(task.TaskClass, failureKind(taskErr)).Inc()

	nextAttempt := attempt + 1
	retryable := !isPermanent(taskErr) && nextAttempt <= s.retry.MaxAttempts
	s.mu.Lock()
	if retryable {
		s.failureCounts[task.TaskID] = nextAttempt
	} else {
		delete(s.failureCounts, task.TaskID)
	}
	s.mu.Unlock()

	if retryable {
		task.NextRunUTCMillis = uint64(completedAt.Add(s.retry.NextDelay(nextAttempt)).UnixMilli())
		task.Enabled = true
	} else {
		task.Enabled = !sched.IsOneShot()
		if task.Enabled {
			task.NextRunUTCMillis = uint64(sched.Next(completedAt).UnixMilli())
		}
	}
	if err := s.st.PutTask(task); err != nil {
		s.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("failed to persist task after failure")
	}
}

func failureKind(err error) string {
	if isPermanent(err) {
		return "permanent"
	}
	return "transient"
}
