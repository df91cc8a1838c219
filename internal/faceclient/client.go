package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"attendguard/internal/face"
)

// CompareResult is the face service's answer for one capture/template pair.
type CompareResult struct {
	Similarity float64 `json:"similarity"`
	Match      bool    `json:"match"`
	Threshold  float64 `json:"threshold"`
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
	// SkipScore is returned by Compare when Skip is set.
	SkipScore float64
}

// New creates a client. The per-request deadline comes from the caller's context.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Skip:      skip,
		SkipScore: 0.85,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Score implements face.Matcher by comparing the live capture with the template reference.
func (c *Client) Score(ctx context.Context, in face.Input, tpl face.Template) (float64, error) {
	res, err := c.Compare(ctx, in.CaptureRef, tpl.Reference)
	if err != nil {
		return 0, err
	}
	return res.Similarity, nil
}

// Compare compares two face images and returns similarity.
func (c *Client) Compare(ctx context.Context, captureRef, templateRef string) (*CompareResult, error) {
	if c.Skip {
		return &CompareResult{Similarity: c.SkipScore, Match: c.SkipScore >= face.DefaultThreshold, Threshold: face.DefaultThreshold}, nil
	}
	if captureRef == "" || templateRef == "" {
		return nil, fmt.Errorf("capture and template references required")
	}

	body, _ := json.Marshal(map[string]string{
		"image_url_1": captureRef,
		"image_url_2": templateRef,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/compare", bytes.NewReader(body))
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

	var out CompareResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
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
