package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/digkill/TGDeckBot/internal/metrics"
	"github.com/digkill/TGDeckBot/internal/models"
	"github.com/digkill/TGDeckBot/internal/slidegen"
	"github.com/digkill/TGDeckBot/internal/tracker"
)

var (
	ErrEmptyPrompt    = errors.New("prompt cannot be empty")
	ErrTaskInProgress = errors.New("a presentation is already being generated")
)

const maxPromptLength = 2000

type GenerationLogStore interface {
	Log(ctx context.Context, entry models.GenerationLog) error
	CountForUser(ctx context.Context, userID string) (int, error)
	Recent(ctx context.Context, userID string, limit int) ([]models.GenerationLog, error)
}

type GenerationService struct {
	generator slidegen.Generator
	logs      GenerationLogStore
	cfg       tracker.Config
	metrics   *metrics.Metrics
	log       *slog.Logger
}

func NewGenerationService(generator slidegen.Generator, logs GenerationLogStore, cfg tracker.Config, m *metrics.Metrics, log *slog.Logger) *GenerationService {
	return &GenerationService{
		generator: generator,
		logs:      logs,
		cfg:       cfg,
		metrics:   m,
		log:       log,
	}
}

// Start submits prompt for session and returns the running tracker. Settled
// generations are written to the history log once they finish.
func (s *GenerationService) Start(ctx context.Context, session *Session, prompt string, onUpdate func(models.GenerationTask)) (*tracker.Tracker, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if len([]rune(prompt)) > maxPromptLength {
		prompt = string([]rune(prompt)[:maxPromptLength])
	}

	tr := tracker.New(tracker.Options{
		Generator: s.generator,
		Ledger:    session.Ledger,
		Config:    s.cfg,
		Metrics:   s.metrics,
		Logger:    s.log.With("user_id", session.UserID),
		OnUpdate:  onUpdate,
	})
	if !session.claimTask(tr) {
		return nil, ErrTaskInProgress
	}

	if _, err := tr.Start(ctx, prompt); err != nil {
		session.releaseTask(tr)
		return nil, err
	}

	go s.record(session, tr, prompt)
	return tr, nil
}

// Cancel stops the running task of session. It reports whether there was one.
func (s *GenerationService) Cancel(session *Session) bool {
	task := session.ActiveTask()
	if task == nil {
		return false
	}
	task.Cancel()
	return true
}

func (s *GenerationService) record(session *Session, tr *tracker.Tracker, prompt string) {
	defer session.releaseTask(tr)

	res, err := tr.Wait(context.Background())
	if err != nil || !res.Ready {
		return
	}

	entry := models.GenerationLog{
		UserID:     session.UserID,
		TaskID:     res.Task.ID,
		Prompt:     prompt,
		Title:      res.Artifact.Title,
		SlideCount: res.Artifact.SlideCount,
	}
	if err := s.logs.Log(context.Background(), entry); err != nil {
		s.log.Error("failed to log generation", "task_id", res.Task.ID, "err", err)
	}
}

func (s *GenerationService) Count(ctx context.Context, userID string) (int, error) {
	n, err := s.logs.CountForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count generations: %w", err)
	}
	return n, nil
}

func (s *GenerationService) History(ctx context.Context, userID string, limit int) ([]models.GenerationLog, error) {
	entries, err := s.logs.Recent(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent generations: %w", err)
	}
	return entries, nil
}
