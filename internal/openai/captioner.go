package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"scenelens/internal/model"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
	captionPrompt  = "Describe this video frame in one short sentence. Mention the main subjects, their actions and the setting."
)

// Captioner is a CaptionModel backed by a vision-capable chat model. The
// caption confidence is the geometric mean token probability.
type Captioner struct {
	client *goopenai.Client
	Model  string
}

var _ model.CaptionModel = (*Captioner)(nil)

func NewCaptioner(apiKey, baseURL, modelName string, timeout time.Duration) *Captioner {
	cfg := goopenai.DefaultConfig(strings.TrimSpace(apiKey))
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	if strings.TrimSpace(modelName) == "" {
		modelName = defaultModel
	}
	return &Captioner{client: goopenai.NewClientWithConfig(cfg), Model: modelName}
}

func (c *Captioner) Caption(ctx context.Context, image []byte) (model.Caption, error) {
	if len(image) == 0 {
		return model.Caption{}, &model.ProviderError{Code: "OPENAI_FAILED", Message: "image is empty", Retryable: false}
	}

	req := goopenai.ChatCompletionRequest{
		Model: c.Model,
		Messages: []goopenai.ChatCompletionMessage{
			{
				Role: goopenai.ChatMessageRoleUser,
				MultiContent: []goopenai.ChatMessagePart{
					{Type: goopenai.ChatMessagePartTypeText, Text: captionPrompt},
					{
						Type: goopenai.ChatMessagePartTypeImageURL,
						ImageURL: &goopenai.ChatMessageImageURL{
							URL:    "data:" + http.DetectContentType(image) + ";base64," + base64.StdEncoding.EncodeToString(image),
							Detail: goopenai.ImageURLDetailLow,
						},
					},
				},
			},
		},
		MaxTokens:   60,
		Temperature: 0.2,
		LogProbs:    true,
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return model.Caption{}, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return model.Caption{}, &model.ProviderError{Code: "OPENAI_FAILED", Message: "no caption choices returned", Retryable: true}
	}

	choice := resp.Choices[0]
	text := model.CleanCaption(choice.Message.Content)
	if text == "" {
		return model.Caption{Text: model.FallbackCaption, Confidence: 0}, nil
	}
	return model.Caption{Text: text, Confidence: confidenceFromLogProbs(choice.LogProbs)}, nil
}

func confidenceFromLogProbs(lp *goopenai.LogProbs) float64 {
	if lp == nil || len(lp.Content) == 0 {
		return 1
	}
	var sum float64
	for _, tok := range lp.Content {
		sum += tok.LogProb
	}
	return model.ClampConfidence(math.Exp(sum / float64(len(lp.Content))))
}

func mapError(err error) error {
	pe := &model.ProviderError{Code: "OPENAI_FAILED", Message: err.Error(), Retryable: true, Cause: err}

	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.HTTPStatusCode
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		pe.StatusCode = reqErr.HTTPStatusCode
	}

	switch status := pe.StatusCode; {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pe.Code = "OPENAI_AUTH"
		pe.Retryable = false
	case status == http.StatusTooManyRequests:
		pe.Code = "OPENAI_RATE_LIMIT"
	case status >= http.StatusInternalServerError:
	case status >= http.StatusBadRequest:
		pe.Retryable = false
	}
	return pe
}
