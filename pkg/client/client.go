// Package client is a typed HTTP client for the cacheout /api/v1 surface.
//
// Failures come back as *APIError, which unwraps to the matching model
// sentinel so callers can use model.IsNotFound and friends on either side of
// the wire.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/HarrisonFulford/cacheout/pkg/api"
	"github.com/HarrisonFulford/cacheout/pkg/ledger"
	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/scriptgen"
)

// DefaultTimeout bounds a single request when no http.Client is supplied.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("api %d %s", e.Status, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Unwrap maps the wire code back to a model sentinel.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case api.CodeValidation:
		return model.ErrValidation
	case api.CodeNotFound:
		return model.ErrNotFound
	case api.CodeNoTask:
		return model.ErrNoTask
	case api.CodeConflict:
		return model.ErrConflict
	case api.CodeInsufficientCredits:
		return model.ErrInsufficientCredits
	case api.CodeUnauthorized:
		return model.ErrUnauthorized
	case api.CodeUnavailable:
		return scriptgen.ErrUnavailable
	}
	return nil
}

// Client talks to one scheduler.
type Client struct {
	base       string
	http       *http.Client
	adminToken string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithAdminToken sets the credential sent on privileged routes.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

// New returns a client for the server at baseURL (e.g.
// "http://localhost:8080"). The /api/v1 prefix is added when missing.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", baseURL)
	}
	base := strings.TrimRight(u.String(), "/")
	if !strings.HasSuffix(base, api.BasePath) {
		base += api.BasePath
	}

	c := &Client{base: base, http: &http.Client{Timeout: DefaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the resolved /api/v1 root.
func (c *Client) BaseURL() string {
	return c.base
}

// Register announces a worker.
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) error {
	var ack string
	return c.do(ctx, http.MethodPost, "/register", nil, req, false, &ack)
}

// Unregister removes a worker.
func (c *Client) Unregister(ctx context.Context, workerID string) error {
	var ack string
	return c.do(ctx, http.MethodPost, "/unregister", nil, api.UnregisterRequest{WorkerID: workerID}, false, &ack)
}

// Poll asks for work. It returns (nil, nil) when the server has no task.
func (c *Client) Poll(ctx context.Context, workerID string) (*model.Job, error) {
	var job model.Job
	err := c.do(ctx, http.MethodGet, "/task", url.Values{"worker_id": {workerID}}, nil, false, &job)
	if errors.Is(err, model.ErrNoTask) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Report sends a job outcome.
func (c *Client) Report(ctx context.Context, req api.StatusRequest) error {
	var resp api.StatusResponse
	return c.do(ctx, http.MethodPost, "/status", nil, req, false, &resp)
}

// Submit creates a job and returns its id.
func (c *Client) Submit(ctx context.Context, req api.SubmitRequest) (string, error) {
	var id string
	err := c.do(ctx, http.MethodPost, "/submit", nil, req, true, &id)
	return id, err
}

// Jobs lists jobs matching filter.
func (c *Client) Jobs(ctx context.Context, filter model.JobFilter) ([]model.Job, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.WorkerID != "" {
		q.Set("worker_id", filter.WorkerID)
	}
	if filter.BuyerID != "" {
		q.Set("buyer_id", filter.BuyerID)
	}
	if filter.TitleGlob != "" {
		q.Set("title", filter.TitleGlob)
	}
	var jobs []model.Job
	err := c.do(ctx, http.MethodGet, "/jobs", q, nil, false, &jobs)
	return jobs, err
}

// Job fetches one job.
func (c *Client) Job(ctx context.Context, id string) (model.Job, error) {
	var job model.Job
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, nil, false, &job)
	return job, err
}

// Workers lists registered workers.
func (c *Client) Workers(ctx context.Context) ([]model.Worker, error) {
	var workers []model.Worker
	err := c.do(ctx, http.MethodGet, "/workers", nil, nil, false, &workers)
	return workers, err
}

// Credits returns an account balance.
func (c *Client) Credits(ctx context.Context, accountID string) (model.Amount, error) {
	var amt model.Amount
	err := c.do(ctx, http.MethodGet, "/credits/"+url.PathEscape(accountID), nil, nil, false, &amt)
	return amt, err
}

// Grant deposits amount into an account and returns the new balance.
func (c *Client) Grant(ctx context.Context, accountID string, amount model.Amount) (model.Amount, error) {
	var bal model.Amount
	req := api.GrantRequest{Amount: json.Number(amount.String())}
	err := c.do(ctx, http.MethodPost, "/credits/"+url.PathEscape(accountID)+"/grant", nil, req, true, &bal)
	return bal, err
}

// Quote returns the server-side cost of a job shape.
func (c *Client) Quote(ctx context.Context, cores, ramMB int) (ledger.Breakdown, error) {
	q := url.Values{"cores": {strconv.Itoa(cores)}, "ram_mb": {strconv.Itoa(ramMB)}}
	var b ledger.Breakdown
	err := c.do(ctx, http.MethodGet, "/quote", q, nil, false, &b)
	return b, err
}

// Generate asks the server to draft a script from a prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (scriptgen.Suggestion, error) {
	var s scriptgen.Suggestion
	err := c.do(ctx, http.MethodPost, "/process-natural-language", nil, api.GenerateRequest{Text: prompt}, true, &s)
	return s, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, admin bool, out any) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin && c.adminToken != "" {
		req.Header.Set(api.AdminTokenHeader, c.adminToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	apiErr := &APIError{Status: status}
	var env api.ErrorResponse
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Code != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.RequestID = env.Error.RequestID
		return apiErr
	}
	apiErr.Code = http.StatusText(status)
	apiErr.Message = strings.TrimSpace(string(raw))
	return apiErr
}
