package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/splax/bibles/pkg/jwt"
)

const (
	defaultTimeout   = 5 * time.Second
	signedTokenTTL   = 5 * time.Minute
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the webhook rejected the notifier's token.
var ErrUnauthorized = errors.New("run notification unauthorized")

// ErrInvalidArgument indicates the webhook rejected the payload.
var ErrInvalidArgument = errors.New("run notification invalid argument")

// Notifier posts run summaries to a webhook.
type Notifier struct {
	url    string
	token  string
	secret string
	client *http.Client
	now    func() time.Time
}

// Option customises a Notifier.
type Option func(*Notifier)

// WithSigningSecret signs each request with a short-lived run token instead of the static token.
func WithSigningSecret(secret string) Option {
	return func(n *Notifier) { n.secret = strings.TrimSpace(secret) }
}

// Summary describes a finished report run.
type Summary struct {
	RunID       string
	Status      string
	Tag         string
	OutputPath  string
	Projects    int
	Completed   int
	TimedOut    int
	Failed      int
	Cached      int
	Components  int
	Conflicts   int
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

// New creates a notifier for the webhook URL. The token, when set, is sent as a bearer token.
func New(url, token string, client *http.Client, opts ...Option) (*Notifier, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return nil, errors.New("notification url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	n := &Notifier{
		url:    trimmed,
		token:  strings.TrimSpace(token),
		client: client,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Send posts the summary.
func (n *Notifier) Send(ctx context.Context, summary Summary) error {
	if n == nil {
		return errors.New("notifier not initialised")
	}
	if strings.TrimSpace(summary.RunID) == "" {
		return errors.New("run notification requires run_id")
	}
	body, err := json.Marshal(buildPayload(summary, n.now))
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	bearer := n.token
	if n.secret != "" {
		bearer, err = jwt.SignRun(summary.RunID, summary.Status, n.secret, n.now(), signedTokenTTL)
		if err != nil {
			return fmt.Errorf("sign notification: %w", err)
		}
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	default:
		return fmt.Errorf("notification failed: %s", summary)
	}
}

func buildPayload(s Summary, nowFn func() time.Time) map[string]any {
	completed := s.CompletedAt
	if completed.IsZero() {
		completed = nowFn()
	}
	status := strings.TrimSpace(s.Status)
	if status == "" {
		status = "succeeded"
	}
	payload := map[string]any{
		"run_id":       s.RunID,
		"status":       status,
		"tag":          strings.TrimSpace(s.Tag),
		"output":       s.OutputPath,
		"projects":     s.Projects,
		"completed":    s.Completed,
		"timed_out":    s.TimedOut,
		"failed":       s.Failed,
		"cached":       s.Cached,
		"components":   s.Components,
		"conflicts":    s.Conflicts,
		"completed_at": completed.UTC().Format(time.RFC3339Nano),
	}
	if !s.StartedAt.IsZero() {
		payload["started_at"] = s.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if s.Error != "" {
		payload["error"] = s.Error
	}
	return payload
}
