package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// AssistantClient proxies prompts to a user-configured assistant endpoint
type AssistantClient struct {
	client *http.Client
	logger *logrus.Logger
}

type assistantRequest struct {
	Message string `json:"message"`
}

type assistantResponse struct {
	Response *string `json:"response"`
}

// NewAssistantClient creates a client whose calls are bounded by timeout
func NewAssistantClient(timeout time.Duration, logger *logrus.Logger) *AssistantClient {
	return &AssistantClient{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Call posts {"message": prompt} to url and returns the "response" field
func (c *AssistantClient) Call(ctx context.Context, url, prompt string) (string, error) {
	body, err := json.Marshal(assistantRequest{Message: prompt})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &APIError{Kind: KindConnection, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		apiErr := transportError(err)
		c.logger.WithError(err).WithFields(logrus.Fields{
			"kind":     apiErr.Kind.String(),
			"duration": time.Since(start),
		}).Warn("Assistant request failed")
		return "", apiErr
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(err)
	}

	c.logger.WithFields(logrus.Fields{
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("Assistant response received")

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp.StatusCode, string(respBody))
	}

	var out assistantResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", formatError("assistant returned non-JSON body: %v", err)
	}
	if out.Response == nil {
		return "", formatError("assistant response has no \"response\" string")
	}
	return *out.Response, nil
}
