package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/splax/bibles/internal/domain"
)

const (
	defaultBaseURL   = "https://www.meterian.com"
	reportsPath      = "/api/v1/reports"
	maxErrorBodySize = 4096
)

// ErrInvalidResponse indicates the service returned a payload that could not be interpreted.
var ErrInvalidResponse = errors.New("reports api invalid response")

// Client provides typed access to the reports API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the API token sent as "Authorization: Token <token>".
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithTimeout sets the per-request timeout. A client supplied through WithHTTPClient is
// copied, never modified.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			return
		}
		hc := *c.httpClient
		hc.Timeout = d
		c.httpClient = &hc
	}
}

// New constructs a Client pointing at the provided service base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an unexpected status from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// StatusCode extracts the HTTP status from an APIError, or 0.
func StatusCode(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

func (c *Client) send(ctx context.Context, method, path string) (*http.Response, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.send(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrInvalidResponse, err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	if payload.Error != "" {
		return strings.TrimSpace(payload.Error)
	}
	return strings.TrimSpace(payload.Message)
}

// ListReports returns every report descriptor visible to the token.
func (c *Client) ListReports(ctx context.Context) ([]domain.ProjectDescriptor, error) {
	var reports []domain.ProjectDescriptor
	if err := c.getJSON(ctx, reportsPath, &reports); err != nil {
		return nil, err
	}
	return reports, nil
}

// StartBible requests a bible generation for the report and returns the job token.
func (c *Client) StartBible(ctx context.Context, reportID string) (string, error) {
	resp, err := c.send(ctx, http.MethodPost, biblePath(reportID))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return "", fmt.Errorf("read job token: %w", err)
	}
	token := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if token == "" {
		return "", fmt.Errorf("%w: empty job token", ErrInvalidResponse)
	}
	return token, nil
}

// BibleStatus is the answer to a job status query. Ready and Progress are independent:
// the service signals completion by status, not by Progress reaching 100.
type BibleStatus struct {
	Ready    bool
	Progress int
}

// BibleStatus queries a generation job. A 200 means the bible is ready; a 404 carries
// the integer progress of a running job.
func (c *Client) BibleStatus(ctx context.Context, reportID, token string) (BibleStatus, error) {
	path := biblePath(reportID) + "/" + url.PathEscape(token)
	resp, err := c.send(ctx, http.MethodGet, path)
	if err != nil {
		return BibleStatus{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return BibleStatus{Ready: true, Progress: 100}, nil
	case http.StatusNotFound:
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if err != nil {
			return BibleStatus{}, fmt.Errorf("read progress: %w", err)
		}
		progress, err := parseProgress(data)
		if err != nil {
			return BibleStatus{}, err
		}
		return BibleStatus{Progress: progress}, nil
	default:
		return BibleStatus{}, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
}

// FetchBible downloads the finished bible for the report.
func (c *Client) FetchBible(ctx context.Context, reportID string) (domain.Bible, error) {
	var bible domain.Bible
	if err := c.getJSON(ctx, biblePath(reportID), &bible); err != nil {
		return domain.Bible{}, err
	}
	return bible, nil
}

func biblePath(reportID string) string {
	return reportsPath + "/" + url.PathEscape(reportID) + "/bible"
}

func parseProgress(data []byte) (int, error) {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: progress %q", ErrInvalidResponse, raw)
	}
	progress := int(math.Round(value))
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return progress, nil
}
