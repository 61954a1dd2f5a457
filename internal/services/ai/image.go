package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tg-gpt-bot-go/internal/models"
)

// MaxVariationBytes bounds inbound images accepted for variation
const MaxVariationBytes = 4 << 20

var (
	ErrImageTooLarge   = errors.New("image exceeds size limit")
	ErrImageUnreadable = errors.New("image could not be decoded")
)

// ImageClient talks to the images API of an OpenAI-compatible endpoint
type ImageClient struct {
	apiKey string
	client *http.Client
	logger *logrus.Logger
}

type imageRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Size    string `json:"size"`
	Quality string `json:"quality"`
	Style   string `json:"style"`
	N       int    `json:"n"`
	HDR     bool   `json:"hdr,omitempty"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

// NewImageClient creates an image client bounded by timeout
func NewImageClient(apiKey string, timeout time.Duration, logger *logrus.Logger) *ImageClient {
	return &ImageClient{
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Generate requests one image for prompt and returns its URL
func (c *ImageClient) Generate(ctx context.Context, settings *models.ImageSettings, prompt string) (string, error) {
	body, err := json.Marshal(newImageRequest(settings, prompt))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(settings.EndpointURL, "/images/generations"), bytes.NewReader(body))
	if err != nil {
		return "", &APIError{Kind: KindConnection, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.WithFields(logrus.Fields{
		"model":   settings.Model,
		"size":    settings.Size,
		"quality": settings.Quality,
		"style":   settings.Style,
		"hdr":     settings.HDR,
	}).Debug("Requesting image generation")

	return c.do(req)
}

// Variation submits a PNG and returns the URL of one variation
func (c *ImageClient) Variation(ctx context.Context, settings *models.ImageSettings, pngData []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", "image.png")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(pngData); err != nil {
		return "", err
	}
	fields := map[string]string{"model": settings.Model, "n": "1", "size": settings.Size}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(settings.EndpointURL, "/images/variations"), &buf)
	if err != nil {
		return "", &APIError{Kind: KindConnection, Err: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req)
}

// Fetch downloads a generated image
func (c *ImageClient) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &APIError{Kind: KindConnection, Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, statusError(resp.StatusCode, string(body))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	return data, nil
}

func (c *ImageClient) do(req *http.Request) (string, error) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp.StatusCode, string(body))
	}

	var out imageResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", formatError("image response is not JSON: %v", err)
	}
	if len(out.Data) != 1 || out.Data[0].URL == "" {
		return "", formatError("expected exactly one image URL, got %d", len(out.Data))
	}
	return out.Data[0].URL, nil
}

func newImageRequest(settings *models.ImageSettings, prompt string) imageRequest {
	return imageRequest{
		Model:   settings.Model,
		Prompt:  prompt,
		Size:    settings.Size,
		Quality: settings.Quality,
		Style:   settings.Style,
		N:       1,
		HDR:     settings.HDR,
	}
}

func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// NormalizePNG decodes a PNG, JPEG or GIF image and re-encodes it as PNG.
// Both the input and the result must fit in max bytes.
func NormalizePNG(data []byte, max int) ([]byte, error) {
	if len(data) > max {
		return nil, ErrImageTooLarge
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageUnreadable, err)
	}
	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	if out.Len() > max {
		return nil, ErrImageTooLarge
	}
	return out.Bytes(), nil
}
