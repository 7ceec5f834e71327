// Package tracker drives one presentation job from submission to a settled
// or failed terminal state.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/TGDeckBot/internal/metrics"
	"github.com/digkill/TGDeckBot/internal/models"
	"github.com/digkill/TGDeckBot/internal/slidegen"
)

var ErrAlreadyStarted = errors.New("tracker: already started")

// Config bounds polling. A task times out when either MaxPolls non-transient
// responses or Deadline of wall-clock time (plus one PollInterval) have
// passed, whichever is first.
type Config struct {
	PollInterval  time.Duration
	MaxPolls      int
	Deadline      time.Duration
	SettleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:  5 * time.Second,
		MaxPolls:      20,
		Deadline:      100 * time.Second,
		SettleTimeout: 15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = d.MaxPolls
	}
	if c.Deadline <= 0 {
		c.Deadline = d.Deadline
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = d.SettleTimeout
	}
	return c
}

// Debiter is the slice of the ledger the tracker needs.
type Debiter interface {
	Balance() models.TokenBalance
	Debit(ctx context.Context, units int) (bool, error)
}

// Result is the outcome delivered by Wait.
type Result struct {
	Task     models.GenerationTask
	Artifact models.Artifact
	// Ready is true only for a completed and settled task.
	Ready bool
}

type Options struct {
	Generator slidegen.Generator
	Ledger    Debiter
	Config    Config
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// OnUpdate receives a snapshot after every state change. It runs on the
	// tracker goroutine and must not block.
	OnUpdate func(models.GenerationTask)
}

type Tracker struct {
	gen      slidegen.Generator
	ledger   Debiter
	cfg      Config
	metrics  *metrics.Metrics
	log      *slog.Logger
	onUpdate func(models.GenerationTask)

	mu        sync.Mutex
	task      models.GenerationTask
	artifact  models.Artifact
	err       error
	started   bool
	polling   bool
	pollStart time.Time
	timer     *time.Timer
	cancel    context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

func New(opts Options) *Tracker {
	return &Tracker{
		gen:      opts.Generator,
		ledger:   opts.Ledger,
		cfg:      opts.Config.withDefaults(),
		metrics:  opts.Metrics,
		log:      opts.Logger,
		onUpdate: opts.OnUpdate,
		done:     make(chan struct{}),
	}
}

// Start checks the balance, submits prompt and begins polling in the
// background. The task lives until it reaches a terminal state, Cancel is
// called, or ctx ends.
func (t *Tracker) Start(ctx context.Context, prompt string) (string, error) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return "", ErrAlreadyStarted
	}
	t.started = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	now := time.Now()
	t.task = models.GenerationTask{
		Prompt:    prompt,
		Status:    models.TaskSubmitting,
		StartedAt: now,
		UpdatedAt: now,
	}
	t.mu.Unlock()

	if t.ledger.Balance().Total() < 1 {
		t.metrics.TaskRejected(string(models.ReasonInsufficientBalance))
		defer t.closeDone()
		return "", t.fail(models.TaskFailed, models.ReasonInsufficientBalance, nil)
	}
	t.emit()

	jobID, err := t.gen.Submit(runCtx, prompt)
	if err != nil {
		reason := models.ReasonSubmission
		if errors.Is(err, models.ErrAuth) {
			reason = models.ReasonAuth
		}
		if runCtx.Err() != nil {
			reason = models.ReasonCancelled
		}
		t.metrics.TaskRejected(string(reason))
		t.log.Error("submit presentation job", "err", err)
		defer t.closeDone()
		return "", t.fail(models.TaskFailed, reason, err)
	}

	t.mu.Lock()
	if t.task.Status.Terminal() {
		// cancelled during submission
		err := t.err
		t.mu.Unlock()
		t.closeDone()
		return jobID, err
	}
	t.task.ID = jobID
	t.task.Status = models.TaskPolling
	t.task.UpdatedAt = time.Now()
	t.polling = true
	t.pollStart = time.Now()
	t.mu.Unlock()

	t.metrics.TaskStarted()
	t.log.Info("presentation job submitted", "task_id", jobID)
	t.emit()

	go t.run(runCtx)
	return jobID, nil
}

// Cancel stops polling and aborts any in-flight request. Once settlement has
// begun the task is allowed to finish.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	if !t.started || t.task.Status.Terminal() || t.task.Settled {
		t.mu.Unlock()
		return
	}
	t.stopTimerLocked()
	t.finishLocked(models.TaskFailed, models.ReasonCancelled, nil)
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.emit()
}

// Snapshot returns a copy of the current task state.
func (t *Tracker) Snapshot() models.GenerationTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.task
}

// Wait blocks until the task is terminal or ctx ends. The error is a
// *models.TaskError for every failed outcome.
func (t *Tracker) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return Result{Task: t.Snapshot()}, ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return Result{
		Task:     t.task,
		Artifact: t.artifact,
		Ready:    t.task.Status == models.TaskCompleted && t.task.Settled,
	}, t.err
}

func (t *Tracker) run(ctx context.Context) {
	defer t.closeDone()
	defer t.stopTimer()

	for {
		if !t.sleep(ctx) {
			t.abort()
			return
		}
		if t.tick(ctx) {
			return
		}
	}
}

// sleep arms a fresh timer, stopping any previous one first.
func (t *Tracker) sleep(ctx context.Context) bool {
	t.mu.Lock()
	t.stopTimerLocked()
	timer := time.NewTimer(t.cfg.PollInterval)
	t.timer = timer
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// tick performs one poll and reports whether the task is now terminal. The
// deadline is only checked once the poll's answer is known, so a job that
// completes on its last allowed poll is still settled.
func (t *Tracker) tick(ctx context.Context) bool {
	status, err := t.gen.Status(ctx, t.Snapshot().ID)

	if t.terminal() {
		return true
	}
	if ctx.Err() != nil {
		t.abort()
		return true
	}
	return t.handle(ctx, status, err)
}

// handle applies one status response. Safe to call again after a terminal
// state: repeated completion signals are ignored.
func (t *Tracker) handle(ctx context.Context, status models.JobStatus, err error) bool {
	if t.terminal() {
		return true
	}

	if err != nil {
		if errors.Is(err, models.ErrAuth) {
			t.metrics.Poll("auth")
			t.log.Error("status check rejected credential", "task_id", t.Snapshot().ID, "err", err)
			t.fail(models.TaskFailed, models.ReasonAuth, err)
			return true
		}
		t.mu.Lock()
		t.task.TransientErrors++
		transient := t.task.TransientErrors
		id := t.task.ID
		t.mu.Unlock()

		// Unclassified errors are retried like transient ones but counted apart.
		outcome := "transient"
		if !slidegen.IsTransient(err) {
			outcome = "error"
		}
		t.metrics.Poll(outcome)
		t.log.Warn("status check failure", "task_id", id, "outcome", outcome, "transient_errors", transient, "err", err)
		if t.pastDeadline() {
			t.timeout()
			return true
		}
		return false
	}

	t.mu.Lock()
	t.task.PollCount++
	t.task.UpdatedAt = time.Now()
	pollCount := t.task.PollCount
	t.mu.Unlock()

	switch status.State {
	case models.JobCompleted:
		t.metrics.Poll("completed")
		return t.settle(ctx, status)

	case models.JobFailed:
		t.metrics.Poll("failed")
		reason := status.Error
		if reason == "" {
			reason = "unknown error"
		}
		t.fail(models.TaskFailed, models.ReasonJobFailed, errors.New(reason))
		return true

	default:
		t.metrics.Poll("processing")
		t.mu.Lock()
		t.task.Progress = nextProgress(t.task.Progress, status.Progress)
		t.mu.Unlock()
		t.emit()

		if pollCount >= t.cfg.MaxPolls || t.pastDeadline() {
			t.timeout()
			return true
		}
		return false
	}
}

// settle debits exactly one unit. Settled flips before the debit so a second
// completion signal cannot charge again.
func (t *Tracker) settle(ctx context.Context, status models.JobStatus) bool {
	t.mu.Lock()
	if t.task.Settled || t.task.Status.Terminal() {
		t.mu.Unlock()
		return true
	}
	t.task.Settled = true
	id := t.task.ID
	t.mu.Unlock()

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.SettleTimeout)
	defer cancel()

	ok, err := t.ledger.Debit(settleCtx, 1)
	if err != nil || !ok {
		if err == nil {
			err = models.ErrInsufficientBalance
		}
		t.log.Error("settle completed job", "task_id", id, "err", err)
		t.fail(models.TaskFailed, models.ReasonSettlementFailed, err)
		return true
	}

	t.mu.Lock()
	t.artifact = models.Artifact{
		SlideCount:  status.SlideCount,
		Title:       status.Title,
		EmbedURL:    status.EmbedURL,
		DownloadURL: status.DownloadURL,
	}
	t.task.Progress = 100
	t.finishLocked(models.TaskCompleted, "", nil)
	t.mu.Unlock()

	t.log.Info("presentation job completed", "task_id", id, "slides", status.SlideCount)
	t.emit()
	return true
}

func (t *Tracker) timeout() {
	t.mu.Lock()
	polls := t.task.PollCount
	t.mu.Unlock()
	t.fail(models.TaskTimedOut, models.ReasonTimedOut, fmt.Errorf("no terminal status after %d polls", polls))
}

// abort ends a task whose context went away without Cancel.
func (t *Tracker) abort() {
	t.fail(models.TaskFailed, models.ReasonCancelled, nil)
}

func (t *Tracker) fail(status models.TaskStatus, reason models.FailureReason, cause error) error {
	t.mu.Lock()
	if t.task.Status.Terminal() {
		err := t.err
		t.mu.Unlock()
		return err
	}
	t.finishLocked(status, reason, cause)
	err := t.err
	t.mu.Unlock()

	t.emit()
	return err
}

// finishLocked records the terminal state. Callers hold t.mu.
func (t *Tracker) finishLocked(status models.TaskStatus, reason models.FailureReason, cause error) {
	t.task.Status = status
	t.task.UpdatedAt = time.Now()
	if reason != "" {
		t.err = &models.TaskError{Reason: reason, TaskID: t.task.ID, Err: cause}
	}
	if t.polling {
		outcome := string(status)
		if reason != "" {
			outcome = string(reason)
		}
		t.metrics.TaskFinished(outcome, time.Since(t.task.StartedAt))
	}
}

func (t *Tracker) terminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.task.Status.Terminal()
}

// pastDeadline allows one poll interval of slack over Deadline: with the
// default MaxPolls*PollInterval == Deadline the last poll lands right on it.
func (t *Tracker) pastDeadline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.pollStart) >= t.cfg.Deadline+t.cfg.PollInterval
}

func (t *Tracker) stopTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTimerLocked()
}

func (t *Tracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tracker) closeDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

func (t *Tracker) emit() {
	if t.onUpdate == nil {
		return
	}
	t.onUpdate(t.Snapshot())
}

// nextProgress advances the displayed progress by a quarter of the remaining
// distance to 99, at least one point. A reported value may raise it but never
// lower it. 100 is reserved for confirmed completion.
func nextProgress(current int, reported *int) int {
	step := (99 - current) / 4
	if step < 1 {
		step = 1
	}
	next := current + step
	if reported != nil && *reported > next {
		next = *reported
	}
	if next > 99 {
		next = 99
	}
	if next < current {
		next = current
	}
	return next
}
