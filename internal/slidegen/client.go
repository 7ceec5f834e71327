// Package slidegen talks to the external presentation generator.
package slidegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/digkill/TGDeckBot/internal/models"
)

// Generator submits jobs and reports their status.
type Generator interface {
	Submit(ctx context.Context, prompt string) (string, error)
	Status(ctx context.Context, jobID string) (models.JobStatus, error)
}

const presentationsPath = "/api/v1/presentations"

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// Submit creates a job and returns its id. Failures wrap models.ErrSubmission,
// or models.ErrAuth when the credential is refused.
func (c *Client) Submit(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return "", fmt.Errorf("%w: marshal payload: %w", models.ErrSubmission, err)
	}

	status, rawBody, err := c.do(ctx, http.MethodPost, c.baseURL+presentationsPath, body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrSubmission, err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return "", fmt.Errorf("%w: submit status=%d", models.ErrAuth, status)
	}
	if status >= 300 {
		c.log.Error("generator submit failed", "status", status, "body", truncateBody(rawBody))
		return "", fmt.Errorf("%w: status=%d body=%s", models.ErrSubmission, status, truncateBody(rawBody))
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rawBody, &created); err != nil {
		return "", fmt.Errorf("%w: decode submit response: %w (body=%s)", models.ErrSubmission, err, truncateBody(rawBody))
	}
	if created.ID == "" {
		return "", fmt.Errorf("%w: empty id in response", models.ErrSubmission)
	}

	c.log.Info("generator job created", "job_id", created.ID)
	return created.ID, nil
}

// Status fetches one status snapshot. Network, 5xx, throttling and decode
// failures wrap models.ErrTransientPoll; 401/403 wrap models.ErrAuth.
func (c *Client) Status(ctx context.Context, jobID string) (models.JobStatus, error) {
	endpoint := c.baseURL + presentationsPath + "/" + url.PathEscape(jobID)

	status, rawBody, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.JobStatus{}, fmt.Errorf("%w: %w", models.ErrTransientPoll, err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return models.JobStatus{}, fmt.Errorf("%w: status check status=%d", models.ErrAuth, status)
	}
	if status >= 300 {
		return models.JobStatus{}, fmt.Errorf("%w: status=%d body=%s", models.ErrTransientPoll, status, truncateBody(rawBody))
	}

	var payload statusPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return models.JobStatus{}, fmt.Errorf("%w: decode status: %w (body=%s)", models.ErrTransientPoll, err, truncateBody(rawBody))
	}
	return payload.toJobStatus(), nil
}

type statusPayload struct {
	Status      string `json:"status"`
	Progress    *int   `json:"progress"`
	SlideCount  int    `json:"slideCount"`
	Title       string `json:"title"`
	Error       string `json:"error"`
	EmbedURL    string `json:"embedUrl"`
	DownloadURL string `json:"downloadUrl"`
}

func (p statusPayload) toJobStatus() models.JobStatus {
	return models.JobStatus{
		State:       p.state(),
		Progress:    p.Progress,
		SlideCount:  p.SlideCount,
		Title:       p.Title,
		Error:       p.Error,
		EmbedURL:    p.EmbedURL,
		DownloadURL: p.DownloadURL,
	}
}

// state maps the generator's vocabulary. A response carrying both links but
// no status counts as completed.
func (p statusPayload) state() models.JobState {
	switch strings.ToLower(strings.TrimSpace(p.Status)) {
	case "completed", "complete", "success", "succeeded", "done":
		return models.JobCompleted
	case "failed", "fail", "error", "cancelled", "canceled":
		return models.JobFailed
	case "":
		if p.EmbedURL != "" && p.DownloadURL != "" {
			return models.JobCompleted
		}
		return models.JobProcessing
	default:
		return models.JobProcessing
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, presentationsPath, err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, rawBody, nil
}

// IsTransient reports whether a Status error may clear on the next poll.
func IsTransient(err error) bool {
	return errors.Is(err, models.ErrTransientPoll) && !errors.Is(err, models.ErrAuth)
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
