package clip

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"scenelens/internal/model"
)

const (
	defaultBaseURL = "http://127.0.0.1:8090"
	defaultTimeout = 30 * time.Second
)

// Client talks to the CLIP/BLIP inference sidecar. It serves as both the
// VisualEncoder and a CaptionModel.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

var (
	_ model.VisualEncoder = (*Client)(nil)
	_ model.CaptionModel  = (*Client)(nil)
)

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		BaseURL:    baseURL,
		APIKey:     strings.TrimSpace(apiKey),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type imageRequest struct {
	ImageB64 string `json:"image_b64"`
}

type textRequest struct {
	Text string `json:"text"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

type captionResponse struct {
	Caption    string   `json:"caption"`
	Confidence *float64 `json:"confidence"`
}

func (c *Client) EncodeImage(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, &model.ProviderError{Code: "CLIP_FAILED", Message: "image is empty", Retryable: false}
	}
	var resp embeddingResponse
	if err := c.post(ctx, "/v1/embed/image", imageRequest{ImageB64: base64.StdEncoding.EncodeToString(image)}, &resp); err != nil {
		return nil, err
	}
	return checkEmbedding(resp.Embedding)
}

func (c *Client) EncodeText(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &model.ProviderError{Code: "CLIP_FAILED", Message: "text is required", Retryable: false}
	}
	var resp embeddingResponse
	if err := c.post(ctx, "/v1/embed/text", textRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	return checkEmbedding(resp.Embedding)
}

func (c *Client) Caption(ctx context.Context, image []byte) (model.Caption, error) {
	if len(image) == 0 {
		return model.Caption{}, &model.ProviderError{Code: "CLIP_FAILED", Message: "image is empty", Retryable: false}
	}
	var resp captionResponse
	if err := c.post(ctx, "/v1/caption", imageRequest{ImageB64: base64.StdEncoding.EncodeToString(image)}, &resp); err != nil {
		return model.Caption{}, err
	}
	text := model.CleanCaption(resp.Caption)
	if text == "" {
		return model.Caption{Text: model.FallbackCaption, Confidence: 0}, nil
	}
	confidence := 1.0
	if resp.Confidence != nil {
		confidence = model.ClampConfidence(*resp.Confidence)
	}
	return model.Caption{Text: text, Confidence: confidence}, nil
}

func checkEmbedding(vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, &model.ProviderError{Code: "CLIP_FAILED", Message: "response had no embedding", Retryable: false}
	}
	return vec, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &model.ProviderError{Code: "CLIP_FAILED", Message: "failed to marshal request", Retryable: false, Cause: err}
	}

	baseURL := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &model.ProviderError{Code: "CLIP_FAILED", Message: "failed to build request", Retryable: false, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return &model.ProviderError{Code: "CLIP_FAILED", Message: path + " request failed", Retryable: true, Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &model.ProviderError{Code: "CLIP_FAILED", Message: "failed to read response", Retryable: true, StatusCode: resp.StatusCode, Cause: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		message := strings.TrimSpace(string(respBody))
		if message == "" {
			message = fmt.Sprintf("sidecar %s returned status %d", path, resp.StatusCode)
		}
		return mapProviderError(resp.StatusCode, message)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &model.ProviderError{Code: "CLIP_FAILED", Message: "failed to decode response", Retryable: false, Cause: err}
	}
	return nil
}

func mapProviderError(statusCode int, message string) error {
	pe := &model.ProviderError{
		Code:       "CLIP_FAILED",
		Message:    message,
		Retryable:  false,
		StatusCode: statusCode,
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		pe.Code = "CLIP_AUTH"
	case statusCode == http.StatusTooManyRequests:
		pe.Code = "CLIP_RATE_LIMIT"
		pe.Retryable = true
	case statusCode >= http.StatusInternalServerError:
		pe.Retryable = true
	case statusCode >= http.StatusBadRequest:
		pe.Retryable = false
	default:
		pe.Retryable = true
	}
	return pe
}
