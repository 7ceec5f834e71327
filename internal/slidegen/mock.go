package slidegen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/TGDeckBot/internal/models"
)

// MockConfig shapes the offline generator.
type MockConfig struct {
	SubmitDelay     time.Duration
	StatusDelay     time.Duration
	SlideCount      int
	PollsToComplete int
}

// Mock completes every job after a fixed number of status calls.
type Mock struct {
	cfg MockConfig

	mu    sync.Mutex
	polls map[string]int
	topic map[string]string
}

func NewMock(cfg MockConfig) *Mock {
	if cfg.SlideCount <= 0 {
		cfg.SlideCount = 10
	}
	if cfg.PollsToComplete <= 0 {
		cfg.PollsToComplete = 3
	}
	return &Mock{
		cfg:   cfg,
		polls: make(map[string]int),
		topic: make(map[string]string),
	}
}

func (m *Mock) Submit(ctx context.Context, prompt string) (string, error) {
	if err := sleep(ctx, m.cfg.SubmitDelay); err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrSubmission, err)
	}
	id := "mock-" + uuid.NewString()

	m.mu.Lock()
	m.polls[id] = 0
	m.topic[id] = prompt
	m.mu.Unlock()
	return id, nil
}

func (m *Mock) Status(ctx context.Context, jobID string) (models.JobStatus, error) {
	if err := sleep(ctx, m.cfg.StatusDelay); err != nil {
		return models.JobStatus{}, fmt.Errorf("%w: %w", models.ErrTransientPoll, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	topic, ok := m.topic[jobID]
	if !ok {
		return models.JobStatus{State: models.JobFailed, Error: "unknown job"}, nil
	}
	m.polls[jobID]++
	n := m.polls[jobID]

	if n < m.cfg.PollsToComplete {
		progress := n * 100 / m.cfg.PollsToComplete
		return models.JobStatus{State: models.JobProcessing, Progress: &progress}, nil
	}
	return models.JobStatus{
		State:       models.JobCompleted,
		SlideCount:  m.cfg.SlideCount,
		Title:       topic,
		EmbedURL:    "https://mock.invalid/embed/" + jobID,
		DownloadURL: "https://mock.invalid/download/" + jobID + ".pptx",
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
