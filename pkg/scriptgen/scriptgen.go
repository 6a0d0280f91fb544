// Package scriptgen turns a natural-language request into a runnable script
// and a resource estimate by calling an external text-generation service.
//
// The service's answer is untrusted: estimates are clamped to the
// scheduler's submission limits before anyone uses them.
package scriptgen

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

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrUnavailable is returned when generation is not configured, the circuit
// is open, or the service failed.
var ErrUnavailable = errors.New("script generation unavailable")

// ErrEmptyPrompt is returned for blank input.
var ErrEmptyPrompt = errors.New("prompt is empty")

// Suggestion is a generated script with its resource estimate.
type Suggestion struct {
	Script      string `json:"script"`
	Explanation string `json:"explanation"`

	EstimatedCores int `json:"estimatedCores"`

	// EstimatedRAM is in MB.
	EstimatedRAM int `json:"estimatedRam"`

	// EstimatedDuration is in minutes.
	EstimatedDuration int `json:"estimatedDuration"`
}

// Clamp bounds the estimates to [1, maxCores], [1, maxRAMMB] and a
// non-negative duration. Zero maxima leave the upper bound open.
func (s Suggestion) Clamp(maxCores, maxRAMMB int) Suggestion {
	s.EstimatedCores = clamp(s.EstimatedCores, 1, maxCores)
	s.EstimatedRAM = clamp(s.EstimatedRAM, 1, maxRAMMB)
	if s.EstimatedDuration < 0 {
		s.EstimatedDuration = 0
	}
	return s
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

// Generator produces suggestions.
type Generator interface {
	Generate(ctx context.Context, prompt string) (Suggestion, error)
}

// Config configures the HTTP client.
type Config struct {
	// Endpoint receives POST {"text": prompt} and answers with a Suggestion.
	// Empty disables generation.
	Endpoint string

	// APIKey is sent as a bearer token when set.
	APIKey string

	Timeout time.Duration

	// RateLimit is the maximum requests per second (0 = unlimited).
	RateLimit float64

	MaxCores int
	MaxRAMMB int

	// Breaker trips after FailureThreshold calls with FailureRatio failing,
	// and half-opens after OpenTimeout.
	FailureThreshold uint32
	FailureRatio     float64
	OpenTimeout      time.Duration
}

// DefaultConfig returns client defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		RateLimit:        2,
		MaxCores:         256,
		MaxRAMMB:         1 << 20,
		FailureThreshold: 3,
		FailureRatio:     0.6,
		OpenTimeout:      30 * time.Second,
	}
}

// Client calls the generation service through a rate limiter and a circuit
// breaker.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     *zap.Logger
}

var _ Generator = (*Client)(nil)

// New returns a client. A nil httpClient uses one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = def.FailureRatio
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{cfg: cfg, http: httpClient, log: logger}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "scriptgen",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.FailureThreshold {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool {
	return strings.TrimSpace(c.cfg.Endpoint) != ""
}

// Generate implements Generator. The result is already clamped.
func (c *Client) Generate(ctx context.Context, prompt string) (Suggestion, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Suggestion{}, ErrEmptyPrompt
	}
	if !c.Enabled() {
		return Suggestion{}, fmt.Errorf("%w: no endpoint configured", ErrUnavailable)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Suggestion{}, err
		}
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(ctx, prompt)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Suggestion{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return Suggestion{}, err
	}
	return out.(Suggestion).Clamp(c.cfg.MaxCores, c.cfg.MaxRAMMB), nil
}

func (c *Client) call(ctx context.Context, prompt string) (Suggestion, error) {
	body, err := json.Marshal(map[string]string{"text": prompt})
	if err != nil {
		return Suggestion{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Suggestion{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Suggestion{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Suggestion{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Suggestion{}, fmt.Errorf("%w: service returned %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var s Suggestion
	if err := json.Unmarshal(raw, &s); err != nil {
		return Suggestion{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if strings.TrimSpace(s.Script) == "" {
		return Suggestion{}, fmt.Errorf("%w: response has no script", ErrUnavailable)
	}

	c.log.Debug("script generated",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("script_bytes", len(s.Script)),
	)
	return s, nil
}
