// Package aiclient calls the AI assessment service and validates its answers
// into typed results. Every failure is returned as a classified error.
package aiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/failure"
)

// DefaultTimeout bounds one assessment call.
const DefaultTimeout = 300 * time.Second

// TraceHeader carries the correlation id.
const TraceHeader = "X-Trace-Id"

const (
	pathIngest     = "/alerts/ingest"
	pathRevalidate = "/alerts/revalidate"
)

// Request is the body sent to the service.
type Request struct {
	EventID int64 `json:"event_id"`
	Payload any   `json:"payload"`
	Context any   `json:"context,omitempty"`
}

// Assessor is what the pipeline needs from the AI service.
type Assessor interface {
	Ingest(ctx context.Context, req Request, traceID string) (*Result, error)
	Revalidate(ctx context.Context, req Request, traceID string) (*Result, error)
}

// Config configures the client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is the HTTP implementation of Assessor.
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// New creates a client.
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	hc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		hc.SetAuthToken(cfg.APIKey)
	}
	return &Client{
		http: hc,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ai-service",
			MaxRequests: 1,
			Interval:    2 * time.Minute,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("Circuit breaker state changed",
					zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
		log: log,
	}
}

// Ingest requests the first assessment of an alert.
func (c *Client) Ingest(ctx context.Context, req Request, traceID string) (*Result, error) {
	return c.call(ctx, "ai.ingest", pathIngest, req, traceID)
}

// Revalidate requests a follow-up assessment with investigation context.
func (c *Client) Revalidate(ctx context.Context, req Request, traceID string) (*Result, error) {
	return c.call(ctx, "ai.revalidate", pathRevalidate, req, traceID)
}

type capacityBody struct {
	Error string                `json:"error"`
	Stats failure.CapacityStats `json:"stats"`
}

func (c *Client) call(ctx context.Context, op, path string, req Request, traceID string) (*Result, error) {
	start := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader(TraceHeader, traceID).
			SetBody(req).
			Post(path)
		if err != nil {
			return nil, failure.Transport(op, err)
		}
		switch code := resp.StatusCode(); {
		case code == http.StatusServiceUnavailable:
			var body capacityBody
			if json.Unmarshal(resp.Body(), &body) == nil && (body.Stats.ActiveRequests > 0 || body.Stats.PendingRequests > 0) {
				return nil, failure.Capacity(op, body.Stats)
			}
			return nil, failure.Capacity(op, failure.CapacityStats{})
		case code >= http.StatusInternalServerError:
			return nil, failure.Collaborator(op, fmt.Errorf("ai service returned %d", code))
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, failure.Transport(op, err)
		}
		return nil, err
	}

	resp := out.(*resty.Response)
	if resp.StatusCode() >= http.StatusBadRequest {
		return nil, failure.Collaborator(op, fmt.Errorf("ai service rejected request with %d: %s", resp.StatusCode(), truncate(resp.String(), 200)))
	}
	result, err := Parse(resp.Body())
	if err != nil {
		return nil, failure.Collaborator(op, err)
	}
	c.log.Debug("AI assessment received",
		zap.String("path", path),
		zap.Int64("event_id", req.EventID),
		zap.String("trace_id", traceID),
		zap.String("verdict", string(result.Assessment.Verdict)),
		zap.Duration("latency", time.Since(start)),
	)
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ Assessor = (*Client)(nil)
