// Package preload fetches vehicle telemetry around an event so the AI
// service sees more than the raw webhook.
package preload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/failure"
)

// DefaultTimeout bounds the whole preload.
const DefaultTimeout = 90 * time.Second

// DefaultWindow is how far before and after the event telemetry is read.
const DefaultWindow = 5 * time.Minute

// Query selects the telemetry to load.
type Query struct {
	VehicleID  string
	OccurredAt time.Time
}

// Telemetry is the preloaded context. Sections that failed to load are nil.
type Telemetry struct {
	VehicleID   string          `json:"vehicle_id"`
	WindowStart time.Time       `json:"window_start"`
	WindowEnd   time.Time       `json:"window_end"`
	Stats       json.RawMessage `json:"stats,omitempty"`
	Locations   json.RawMessage `json:"locations,omitempty"`
}

// Loader loads telemetry with a tenant token.
type Loader interface {
	Load(ctx context.Context, token string, q Query) (*Telemetry, error)
}

// Client reads the fleet provider's REST API.
type Client struct {
	http   *resty.Client
	window time.Duration
	log    *zap.Logger
}

// NewClient creates a telemetry client.
func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second).
			SetRetryMaxWaitTime(5 * time.Second).
			SetHeader("Accept", "application/json"),
		window: DefaultWindow,
		log:    log,
	}
}

// Load fetches stats and locations. One failing section does not discard
// the other; an error is returned only when both fail.
func (c *Client) Load(ctx context.Context, token string, q Query) (*Telemetry, error) {
	if q.VehicleID == "" {
		return nil, failure.Validation("preload", errors.New("vehicle id is required"))
	}
	t := &Telemetry{
		VehicleID:   q.VehicleID,
		WindowStart: q.OccurredAt.Add(-c.window).UTC(),
		WindowEnd:   q.OccurredAt.Add(c.window).UTC(),
	}
	params := map[string]string{
		"startTime": t.WindowStart.Format(time.RFC3339),
		"endTime":   t.WindowEnd.Format(time.RFC3339),
	}

	stats, statsErr := c.get(ctx, token, "/fleet/vehicles/"+url.PathEscape(q.VehicleID)+"/stats", params)
	locations, locErr := c.get(ctx, token, "/fleet/vehicles/"+url.PathEscape(q.VehicleID)+"/locations", params)
	if statsErr != nil && locErr != nil {
		return nil, errors.Join(statsErr, locErr)
	}
	if statsErr != nil {
		c.log.Warn("Telemetry stats unavailable", zap.String("vehicle_id", q.VehicleID), zap.Error(statsErr))
	}
	if locErr != nil {
		c.log.Warn("Telemetry locations unavailable", zap.String("vehicle_id", q.VehicleID), zap.Error(locErr))
	}
	t.Stats = stats
	t.Locations = locations
	return t, nil
}

func (c *Client) get(ctx context.Context, token, path string, params map[string]string) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParams(params).
		Get(path)
	if err != nil {
		return nil, failure.Transport("preload", err)
	}
	if resp.IsError() {
		return nil, failure.Collaborator("preload", fmt.Errorf("%s returned %d", path, resp.StatusCode()))
	}
	body := resp.Body()
	if !json.Valid(body) {
		return nil, failure.Collaborator("preload", fmt.Errorf("%s returned invalid json", path))
	}
	return json.RawMessage(body), nil
}

var _ Loader = (*Client)(nil)
