// Package protection talks to the protection service that creates and deletes
// checkpoints.
package protection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-protect/internal/domain"
)

const defaultTimeout = 30 * time.Second

// StatusError is a non-2xx response from the protection service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("protection service returned %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether err is worth retrying: transport errors, 429
// and 5xx responses.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// MetricsSink records protection service requests. Methods must not block.
type MetricsSink interface {
	ProtectionRequest(method, statusClass string, duration time.Duration)
}

// Status classes reported to MetricsSink.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// HTTPClient calls the checkpoint endpoints of the protection service REST API.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	metrics  MetricsSink // optional, nil = disabled
}

func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{},
		timeout:  defaultTimeout,
	}
}

func (c *HTTPClient) WithTimeout(d time.Duration) *HTTPClient {
	c.timeout = d
	return c
}

func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	c.client = hc
	return c
}

func (c *HTTPClient) WithMetrics(sink MetricsSink) *HTTPClient {
	c.metrics = sink
	return c
}

type checkpointBody struct {
	ID             string            `json:"id,omitempty"`
	Status         string            `json:"status,omitempty"`
	CreatedAt      string            `json:"created_at,omitempty"`
	PlanID         string            `json:"plan_id,omitempty"`
	ProtectionPlan *planRef          `json:"protection_plan,omitempty"`
	ExtraInfo      map[string]string `json:"extra_info,omitempty"`
}

type planRef struct {
	ID string `json:"id"`
}

type checkpointEnvelope struct {
	Checkpoint checkpointBody `json:"checkpoint"`
}

type checkpointList struct {
	Checkpoints []checkpointBody `json:"checkpoints"`
}

// CreateCheckpoint starts a checkpoint of planID through providerID.
func (c *HTTPClient) CreateCheckpoint(ctx context.Context, token, projectID, providerID, planID string, extraInfo map[string]string) (domain.Checkpoint, error) {
	body, err := json.Marshal(checkpointEnvelope{Checkpoint: checkpointBody{PlanID: planID, ExtraInfo: extraInfo}})
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("marshal: %w", err)
	}

	var out checkpointEnvelope
	if err := c.do(ctx, http.MethodPost, c.checkpointsURL(projectID, providerID), token, body, &out); err != nil {
		return domain.Checkpoint{}, err
	}
	return toCheckpoint(providerID, out.Checkpoint), nil
}

// ListCheckpoints returns the checkpoints of planID, filtered by status when
// status is not empty.
func (c *HTTPClient) ListCheckpoints(ctx context.Context, token, projectID, providerID, planID, status string) ([]domain.Checkpoint, error) {
	q := url.Values{}
	q.Set("plan_id", planID)
	if status != "" {
		q.Set("status", status)
	}

	var out checkpointList
	if err := c.do(ctx, http.MethodGet, c.checkpointsURL(projectID, providerID)+"?"+q.Encode(), token, nil, &out); err != nil {
		return nil, err
	}
	checkpoints := make([]domain.Checkpoint, 0, len(out.Checkpoints))
	for _, cp := range out.Checkpoints {
		checkpoints = append(checkpoints, toCheckpoint(providerID, cp))
	}
	return checkpoints, nil
}

func (c *HTTPClient) DeleteCheckpoint(ctx context.Context, token, projectID, providerID, checkpointID string) error {
	u := c.checkpointsURL(projectID, providerID) + "/" + url.PathEscape(checkpointID)
	return c.do(ctx, http.MethodDelete, u, token, nil, nil)
}

func (c *HTTPClient) checkpointsURL(projectID, providerID string) string {
	return fmt.Sprintf("%s/v1/%s/providers/%s/checkpoints",
		c.endpoint, url.PathEscape(projectID), url.PathEscape(providerID))
}

func (c *HTTPClient) do(ctx context.Context, method, u, token string, body []byte, out any) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctxTimeout, method, u, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Auth-Token", token)
	req.Header.Set("X-Request-ID", uuid.NewString())

	start := time.Now()
	resp, err := c.client.Do(req)
	if c.metrics != nil {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		c.metrics.ProtectionRequest(method, ClassifyStatus(code, err), time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func toCheckpoint(providerID string, b checkpointBody) domain.Checkpoint {
	cp := domain.Checkpoint{
		ID:         b.ID,
		ProviderID: providerID,
		PlanID:     b.PlanID,
		Status:     b.Status,
		ExtraInfo:  b.ExtraInfo,
	}
	if b.ProtectionPlan != nil && cp.PlanID == "" {
		cp.PlanID = b.ProtectionPlan.ID
	}
	if b.CreatedAt != "" {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05.000000"} {
			if t, err := time.Parse(layout, b.CreatedAt); err == nil {
				cp.CreatedAt = t.UTC()
				break
			}
		}
	}
	return cp
}

// ClassifyStatus maps a response status code or transport error to a status
// class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
			return StatusClassTimeout
		case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
			strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "dial"):
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
