// Package imagehost uploads screenshot images to Imgur
package imagehost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/commjoen/urlanalyzer/pkg/models"
)

const (
	imgurBaseURL     = "https://api.imgur.com/3"
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 1 << 20
)

// ErrNoClientID is returned when no Imgur client id is configured
var ErrNoClientID = errors.New("imgur client id not configured")

// Imgur is an anonymous-upload Imgur API client
type Imgur struct {
	clientID string
	baseURL  string
	client   *http.Client
}

// Config contains configuration for the Imgur client
type Config struct {
	ClientID string
	Timeout  time.Duration
	BaseURL  string
}

// NewImgur creates a new Imgur client
func NewImgur(cfg Config) *Imgur {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = imgurBaseURL
	}
	return &Imgur{
		clientID: cfg.ClientID,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
	}
}

// Upload stores a JPEG image and returns its hosted reference. The source URL is
// recorded as the image description.
func (i *Imgur) Upload(ctx context.Context, data []byte, visibility, sourceURL string) (*models.Screenshot, error) {
	if i.clientID == "" {
		return nil, ErrNoClientID
	}
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("image", "screenshot.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write image: %w", err)
	}
	_ = form.WriteField("type", "file")
	_ = form.WriteField("title", "Screenshot")
	_ = form.WriteField("description", sourceURL)
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/image", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Client-ID "+i.clientID)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("imgur upload failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var out uploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("imgur HTTP %d: failed to parse response: %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK || !out.Success {
		return nil, fmt.Errorf("imgur HTTP %d: %s", resp.StatusCode, out.Data.Error)
	}
	if out.Data.Link == "" {
		return nil, errors.New("imgur response carried no link")
	}

	return &models.Screenshot{
		ID:         out.Data.ID,
		URL:        out.Data.Link,
		Visibility: visibility,
	}, nil
}

type uploadResponse struct {
	Data struct {
		ID    string `json:"id"`
		Link  string `json:"link"`
		Error string `json:"error"`
	} `json:"data"`
	Success bool `json:"success"`
	Status  int  `json:"status"`
}
