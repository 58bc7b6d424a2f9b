package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// Options tune how strictly the face service compares images. The engine
// never interprets these.
type Options struct {
	Model            string
	EnforceDetection bool
	// DistanceThreshold overrides the model's default cutoff when positive.
	DistanceThreshold float64
}

// VerifyResult is the face service's 1:1 verdict.
type VerifyResult struct {
	Verified  bool    `json:"verified"`
	Distance  float64 `json:"distance"`
	Threshold float64 `json:"threshold"`
	Model     string  `json:"model"`
}

// Client calls the face verification microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
	Options Options
}

// New creates a client. When skip is set every comparison matches, which
// keeps local development free of the model service.
func New(baseURL string, skip bool, timeout time.Duration, opts Options) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		Options: opts,
		HTTP:    &http.Client{Timeout: timeout}, // model inference can be slow
	}
}

// Verify compares a reference image with a candidate image.
func (c *Client) Verify(ctx context.Context, reference, candidate io.Reader) (*VerifyResult, error) {
	if c.Skip {
		return &VerifyResult{Verified: true, Distance: 0.25, Threshold: 0.4, Model: "skip"}, nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := writeFile(w, "reference", "reference.jpg", reference); err != nil {
		return nil, err
	}
	if err := writeFile(w, "candidate", "candidate.jpg", candidate); err != nil {
		return nil, err
	}
	if c.Options.Model != "" {
		_ = w.WriteField("model_name", c.Options.Model)
	}
	_ = w.WriteField("enforce_detection", strconv.FormatBool(c.Options.EnforceDetection))
	if c.Options.DistanceThreshold > 0 {
		_ = w.WriteField("threshold", strconv.FormatFloat(c.Options.DistanceThreshold, 'f', -1, 64))
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(body))
	}

	var out struct {
		Verified  *bool    `json:"verified"`
		Distance  *float64 `json:"distance"`
		Threshold float64  `json:"threshold"`
		Model     string   `json:"model"`
		Error     string   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("face service error: %s", out.Error)
	}
	if out.Verified == nil || out.Distance == nil {
		return nil, fmt.Errorf("face service response missing verdict")
	}
	return &VerifyResult{
		Verified:  *out.Verified,
		Distance:  *out.Distance,
		Threshold: out.Threshold,
		Model:     out.Model,
	}, nil
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

func writeFile(w *multipart.Writer, field, filename string, r io.Reader) error {
	fw, err := w.CreateFormFile(field, filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return fmt.Errorf("read %s image: %w", field, err)
	}
	return nil
}
