// Package faceclient talks to the external face liveness service. It only
// produces the verified flag and elapsed time a check-in carries; matching
// faces against enrolled students is not its concern.
package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// LivenessResult contains anti-spoofing check result.
type LivenessResult struct {
	IsLive     bool
	Confidence float64
	Checks     map[string]interface{}
	Elapsed    time.Duration
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout. An empty baseURL turns
// the client into skip mode.
func New(baseURL string, skip bool, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip || baseURL == "",
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

// Liveness checks if the face image is from a live person (anti-spoofing).
func (c *Client) Liveness(ctx context.Context, imageURL string) (*LivenessResult, error) {
	start := time.Now()
	if c.Skip {
		return &LivenessResult{
			IsLive:     true,
			Confidence: 1,
			Checks:     map[string]interface{}{"skipped": true},
			Elapsed:    time.Since(start),
		}, nil
	}
	if imageURL == "" {
		return nil, fmt.Errorf("image url required")
	}

	body, _ := json.Marshal(map[string]string{"image_url": imageURL})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/liveness", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		IsLive     bool                   `json:"is_live"`
		Confidence float64                `json:"confidence"`
		Checks     map[string]interface{} `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &LivenessResult{
		IsLive:     out.IsLive,
		Confidence: out.Confidence,
		Checks:     out.Checks,
		Elapsed:    time.Since(start),
	}, nil
}
