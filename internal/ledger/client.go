package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lbricheux/pointeuse/internal/entry"
)

// Client talks to the remote ledger over HTTP. Every failure that is not a
// validation, not-found or conflict response comes back as a
// ConnectivityError so callers can fall back to the offline queue.
type Client struct {
	baseURL    string
	apiKey     string
	userID     string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries int
	backoff    func(attempt int) time.Duration
}

func NewClient(baseURL, apiKey, userID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		userID:  userID,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger:     logger,
		maxRetries: 3,
		backoff:    defaultBackoff,
	}
}

func defaultBackoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

// waitBackoff sleeps before the next attempt, giving up as soon as ctx is
// cancelled so callers never wait out the backoff schedule for nothing.
func (c *Client) waitBackoff(ctx context.Context, attempt int) error {
	t := time.NewTimer(c.backoff(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		payload = data
	}

	var resp *http.Response
	requestStart := time.Now()
	for attempt := 0; ; attempt++ {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("X-Api-Key", c.apiKey)
		req.Header.Set("X-User-ID", c.userID)
		req.Header.Set("Content-Type", "application/json")

		c.logger.Debug("ledger request", "method", method, "path", path, "attempt", attempt+1)

		resp, err = c.httpClient.Do(req)
		if err != nil {
			if attempt == c.maxRetries {
				c.logger.Warn("ledger transport error", "method", method, "path", path, "error", err, "elapsed", time.Since(requestStart))
				return nil, &ConnectivityError{Err: err}
			}
			if werr := c.waitBackoff(ctx, attempt); werr != nil {
				return nil, &ConnectivityError{Err: werr}
			}
			continue
		}

		if resp.StatusCode == 429 || resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == c.maxRetries {
				c.logger.Warn("ledger request failed after retries", "method", method, "path", path, "status", resp.StatusCode, "attempts", attempt+1)
				return nil, &ConnectivityError{Err: fmt.Errorf("status %d after %d attempts", resp.StatusCode, attempt+1)}
			}
			if werr := c.waitBackoff(ctx, attempt); werr != nil {
				return nil, &ConnectivityError{Err: werr}
			}
			continue
		}
		break
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectivityError{Err: fmt.Errorf("reading response: %w", err)}
	}

	c.logger.Debug("ledger response", "method", method, "path", path, "status", resp.StatusCode, "bytes", len(respBody), "elapsed", time.Since(requestStart))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode == http.StatusConflict:
		var cb conflictBody
		if err := json.Unmarshal(respBody, &cb); err == nil && cb.Existing != nil {
			return nil, &ConflictError{Existing: cb.Existing}
		}
		return nil, &ConflictError{}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		var eb errorBody
		if err := json.Unmarshal(respBody, &eb); err == nil && eb.Error != "" {
			return nil, &ValidationError{Msg: eb.Error}
		}
		return nil, &ValidationError{Msg: truncate(string(respBody), 200)}
	default:
		return nil, &ConnectivityError{Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(string(respBody), 200))}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func (c *Client) entryRequest(ctx context.Context, method, path string, body interface{}) (*entry.TimeEntry, error) {
	data, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	var e entry.TimeEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parsing entry response: %w", err)
	}
	return &e, nil
}

// StartTimer opens a timer on the ledger. A ConflictError carries the
// pre-existing active timer when another device got there first.
func (c *Client) StartTimer(ctx context.Context, req StartRequest) (*entry.TimeEntry, error) {
	return c.entryRequest(ctx, http.MethodPost, "/api/v1/timers/start", req)
}

func (c *Client) PauseTimer(ctx context.Context, id string, at time.Time) (*entry.TimeEntry, error) {
	return c.entryRequest(ctx, http.MethodPost, "/api/v1/timers/"+url.PathEscape(id)+"/pause", TransitionRequest{At: at.UTC().Format(time.RFC3339)})
}

func (c *Client) ResumeTimer(ctx context.Context, id string, at time.Time) (*entry.TimeEntry, error) {
	return c.entryRequest(ctx, http.MethodPost, "/api/v1/timers/"+url.PathEscape(id)+"/resume", TransitionRequest{At: at.UTC().Format(time.RFC3339)})
}

func (c *Client) StopTimer(ctx context.Context, id string, at time.Time) (*entry.TimeEntry, error) {
	return c.entryRequest(ctx, http.MethodPost, "/api/v1/timers/"+url.PathEscape(id)+"/stop", TransitionRequest{At: at.UTC().Format(time.RFC3339)})
}

// ActiveTimer returns the user's running or paused entry, or nil when the
// user has no active timer.
func (c *Client) ActiveTimer(ctx context.Context) (*entry.TimeEntry, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v1/timers/active", nil)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null" {
		return nil, nil
	}
	var e entry.TimeEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parsing active timer response: %w", err)
	}
	if e.Key() == "" {
		return nil, nil
	}
	return &e, nil
}

func (c *Client) CreateEntry(ctx context.Context, e *entry.TimeEntry) (*entry.TimeEntry, error) {
	return c.entryRequest(ctx, http.MethodPost, "/api/v1/entries", e)
}

func (c *Client) UpdateEntry(ctx context.Context, e *entry.TimeEntry) (*entry.TimeEntry, error) {
	return c.entryRequest(ctx, http.MethodPut, "/api/v1/entries/"+url.PathEscape(e.ID), e)
}

func (c *Client) DeleteEntry(ctx context.Context, id string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v1/entries/"+url.PathEscape(id), nil)
	return err
}

// ListEntries fetches the user's entries whose start time falls within the
// given calendar-day range. Empty bounds are left open.
func (c *Client) ListEntries(ctx context.Context, from, to string) ([]entry.TimeEntry, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	path := "/api/v1/entries"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	data, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var entries []entry.TimeEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing entries response: %w", err)
	}
	return entries, nil
}

// SyncBatch replays queued offline mutations. The server dedups by
// offlineId, so resubmitting an acknowledged mutation is harmless.
func (c *Client) SyncBatch(ctx context.Context, mutations []BatchMutation) ([]SyncResult, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/v1/sync", syncRequest{Mutations: mutations})
	if err != nil {
		return nil, err
	}
	var resp syncResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing sync response: %w", err)
	}
	return resp.Results, nil
}

// GetReport asks the ledger for the aggregate over a period.
func (c *Client) GetReport(ctx context.Context, query ReportQuery) (*Report, error) {
	q := url.Values{}
	q.Set("from", query.From)
	q.Set("to", query.To)
	if query.ProjectID != "" {
		q.Set("projectId", query.ProjectID)
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v1/report?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("parsing report response: %w", err)
	}
	return &rep, nil
}

// Ping probes the ledger health endpoint. It reports reachability only and
// never surfaces an error; the connectivity monitor polls it.
func (c *Client) Ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}
