// Package github implements the registry adapter: the controller's view
// of the remote workflow-hosting service.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// apiBase is a var, not a const, so tests can point the client at an
// httptest server.
var apiBase = "https://api.github.com"

const (
	maxRetries  = 3
	retryBase   = 1 * time.Second
	retryMax    = 30 * time.Second
	callTimeout = 30 * time.Second

	// QueuedUnsupported is the sentinel ListPendingWork returns for Queued
	// at org scope, where the API has no cheap equivalent count.
	QueuedUnsupported = -1
)

// APIErrorKind classifies a failure from the remote service.
type APIErrorKind string

const (
	KindTransient APIErrorKind = "transient"
	KindAuth      APIErrorKind = "auth"
	KindRateLimit APIErrorKind = "rate_limit"
	KindFatal     APIErrorKind = "fatal"
)

// APIError wraps a failure from the remote service with a classification the
// caller (controller/policy) can act on without parsing strings.
type APIError struct {
	Kind       APIErrorKind
	StatusCode int
	Err        error
	retryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Runner is a RegistryWorker: the remote service's view of a registered
// worker.
type Runner struct {
	ID     int64    `json:"id"`
	Name   string   `json:"name"`
	Status string   `json:"status"`
	Busy   bool     `json:"busy"`
	Labels []string `json:"-"`
}

type rawRunner struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Busy   bool   `json:"busy"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// RegistrationToken is a short-lived credential used once by a fresh worker
// to announce itself to the remote service.
type RegistrationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PendingWork summarizes queued/in-progress workflow jobs in scope.
type PendingWork struct {
	Queued     int
	InProgress int
}

// Client talks to the GitHub Actions REST API for one scope (an
// organization or a single repository).
type Client struct {
	httpClient   *http.Client
	token        string
	scopePath    string
	isOrg        bool
	runnerPrefix string
	logger       *slog.Logger
}

// New creates a Registry Adapter client for the given scope.
func New(token, scopePath string, isOrg bool, runnerPrefix string, logger *slog.Logger) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: callTimeout},
		token:        token,
		scopePath:    scopePath,
		isOrg:        isOrg,
		runnerPrefix: runnerPrefix,
		logger:       logger.With("component", "github"),
	}
}

// ListWorkers returns every registration in scope whose name begins with the
// configured identity prefix, following pagination.
func (c *Client) ListWorkers(ctx context.Context) ([]Runner, error) {
	var all []Runner
	url := fmt.Sprintf("%s/%s/actions/runners?per_page=100", apiBase, c.scopePath)

	for url != "" {
		var page struct {
			Runners []rawRunner `json:"runners"`
		}
		next, err := c.doJSON(ctx, http.MethodGet, url, nil, &page)
		if err != nil {
			return nil, err
		}
		for _, r := range page.Runners {
			if !strings.HasPrefix(r.Name, c.runnerPrefix) {
				continue
			}
			labels := make([]string, 0, len(r.Labels))
			for _, l := range r.Labels {
				labels = append(labels, l.Name)
			}
			all = append(all, Runner{ID: r.ID, Name: r.Name, Status: r.Status, Busy: r.Busy, Labels: labels})
		}
		url = next
	}

	return all, nil
}

// FetchRegistrationToken obtains a fresh short-lived registration token.
func (c *Client) FetchRegistrationToken(ctx context.Context) (RegistrationToken, error) {
	url := fmt.Sprintf("%s/%s/actions/runners/registration-token", apiBase, c.scopePath)

	var tok RegistrationToken
	if _, err := c.doJSON(ctx, http.MethodPost, url, nil, &tok); err != nil {
		return RegistrationToken{}, err
	}
	return tok, nil
}

// DeleteWorker removes a registration. 404 is treated as success (already
// gone), matching the idempotent delete semantics of the original adapter.
func (c *Client) DeleteWorker(ctx context.Context, id int64) error {
	url := fmt.Sprintf("%s/%s/actions/runners/%d", apiBase, c.scopePath, id)

	_, err := c.doJSON(ctx, http.MethodDelete, url, nil, nil)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

func isNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// ListPendingWork counts queued/in-progress workflow jobs. At organization
// scope the REST API has no cheap equivalent, so Queued is
// QueuedUnsupported and the policy layer falls back to utilization-only
// scaling for that signal.
func (c *Client) ListPendingWork(ctx context.Context) (PendingWork, error) {
	inProgress, err := c.countRuns(ctx, "in_progress")
	if err != nil {
		return PendingWork{}, err
	}

	if c.isOrg {
		return PendingWork{Queued: QueuedUnsupported, InProgress: inProgress}, nil
	}

	queued, err := c.countRuns(ctx, "queued")
	if err != nil {
		return PendingWork{}, err
	}
	return PendingWork{Queued: queued, InProgress: inProgress}, nil
}

func (c *Client) countRuns(ctx context.Context, status string) (int, error) {
	url := fmt.Sprintf("%s/%s/actions/runs?status=%s&per_page=1", apiBase, c.scopePath, status)

	var resp struct {
		TotalCount int `json:"total_count"`
	}
	if _, err := c.doJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return 0, err
	}
	return resp.TotalCount, nil
}

// ValidateToken runs the startup probe sequence, producing one fatal
// error naming the first permission gap found. The org flow checks
// strictly in order: token validity, org visibility, runner listing,
// registration-token minting. The repo flow reorders the last two:
// minting the registration token is the authoritative check for runner
// admin on a repository, and runner listing is probed afterwards for
// diagnostics only - some tokens can mint registration tokens but still
// 403 on the list endpoint, which must not fail validation.
func (c *Client) ValidateToken(ctx context.Context) error {
	// Token validity: any failure here is fatal, not only 401.
	if _, err := c.doJSON(ctx, http.MethodGet, apiBase+"/user", nil, nil); err != nil {
		return validationError(err)
	}

	// Scope visibility.
	scopeURL := fmt.Sprintf("%s/%s", apiBase, c.scopePath)
	if _, err := c.doJSON(ctx, http.MethodGet, scopeURL, nil, nil); err != nil {
		return validationError(err)
	}

	if c.isOrg {
		if _, err := c.ListWorkers(ctx); err != nil {
			return validationError(err)
		}
		if _, err := c.FetchRegistrationToken(ctx); err != nil {
			return validationError(err)
		}
		return nil
	}

	if _, err := c.FetchRegistrationToken(ctx); err != nil {
		return validationError(err)
	}
	if _, err := c.ListWorkers(ctx); err != nil {
		c.logger.Warn("repo runner list not readable with this token, continuing", "error", err)
	}
	return nil
}

// validationError maps a probe failure onto the single startup-fatal
// error the operator sees.
func validationError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("invalid or expired GitHub token: %w", err)
		case http.StatusForbidden:
			return fmt.Errorf("insufficient GitHub token permissions for runner management: %w", err)
		case http.StatusNotFound:
			return fmt.Errorf("organization or repository not found or not visible to the token: %w", err)
		case http.StatusUnprocessableEntity:
			return fmt.Errorf("request could not be processed during validation: %w", err)
		}
	}
	return fmt.Errorf("token validation failed: %w", err)
}

// doJSON performs one HTTP call with retry/backoff, decoding the JSON
// response body into out (if non-nil) and returning the Link "next" URL
// when present.
func (c *Client) doJSON(ctx context.Context, method, url string, body io.Reader, out interface{}) (string, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		next, err := c.doOnce(ctx, method, url, body, out)
		if err == nil {
			return next, nil
		}

		apiErr, ok := err.(*APIError)
		if !ok || apiErr.Kind == KindAuth || apiErr.Kind == KindFatal {
			return "", err
		}

		lastErr = err
	}

	return "", lastErr
}

func (c *Client) doOnce(ctx context.Context, method, url string, body io.Reader, out interface{}) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, url, body)
	if err != nil {
		return "", &APIError{Kind: KindFatal, Err: err}
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &APIError{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", &APIError{Kind: KindAuth, StatusCode: resp.StatusCode, Err: fmt.Errorf("unauthorized")}
	case resp.StatusCode == http.StatusForbidden:
		kind := KindAuth
		if resp.Header.Get("Retry-After") != "" || resp.Header.Get("X-RateLimit-Remaining") == "0" {
			kind = KindRateLimit
		}
		return "", &APIError{Kind: kind, StatusCode: resp.StatusCode, Err: fmt.Errorf("forbidden"), retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &APIError{Kind: KindRateLimit, StatusCode: resp.StatusCode, Err: fmt.Errorf("rate limited"), retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusNotFound:
		return "", &APIError{Kind: KindFatal, StatusCode: resp.StatusCode, Err: fmt.Errorf("not found")}
	case resp.StatusCode >= 500:
		return "", &APIError{Kind: KindTransient, StatusCode: resp.StatusCode, Err: fmt.Errorf("server error")}
	case resp.StatusCode >= 400:
		return "", &APIError{Kind: KindFatal, StatusCode: resp.StatusCode, Err: fmt.Errorf("request failed")}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return "", &APIError{Kind: KindTransient, Err: fmt.Errorf("decode response: %w", err)}
		}
	}

	return parseNextLink(resp.Header.Get("Link")), nil
}

func parseNextLink(header string) string {
	if header == "" {
		return ""
	}
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(strings.TrimSpace(part), ";")
		if len(segs) < 2 {
			continue
		}
		if strings.TrimSpace(segs[1]) == `rel="next"` {
			return strings.Trim(strings.TrimSpace(segs[0]), "<>")
		}
	}
	return ""
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func backoffDelay(attempt int, lastErr error) time.Duration {
	if apiErr, ok := lastErr.(*APIError); ok && apiErr.retryAfter > 0 {
		return apiErr.retryAfter
	}
	d := retryBase * time.Duration(1<<uint(attempt-1))
	if d > retryMax {
		return retryMax
	}
	return d
}
