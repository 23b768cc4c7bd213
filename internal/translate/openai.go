package translate

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/imagetranslate-worker/internal/errors"
)

// OpenAIProvider translates through the chat completions endpoint
type OpenAIProvider struct {
	baseURL string
	model   string
	rpm     int
	client  *http.Client
}

// NewOpenAIProvider creates a provider. rpm <= 0 disables pacing.
func NewOpenAIProvider(baseURL, model string, rpm int) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		rpm:     rpm,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (o *OpenAIProvider) Name() string { return "openai" }
func (o *OpenAIProvider) RPM() int     { return o.rpm }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// TranslateBatch sends one chunk with key
func (o *OpenAIProvider) TranslateBatch(ctx context.Context, text, targetLang, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.NewAuthFailedError(o.Name(), stderrors.New("OpenAI API key missing"))
	}

	body, err := json.Marshal(chatRequest{
		Model:       o.model,
		Temperature: 0,
		Messages: []chatMessage{
			{Role: "system", Content: batchInstruction(targetLang)},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	raw, err := doProviderRequest(o.client, req, o.Name())
	if err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", errors.NewMalformedResponseError(o.Name(), "bad JSON: "+err.Error())
	}
	if parsed.Error != nil {
		return "", classifiedError(o.Name(), http.StatusOK, parsed.Error.Message, 0)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.NewMalformedResponseError(o.Name(), "no choices")
	}

	out := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if out == "" {
		out = strings.TrimSpace(parsed.Choices[0].Text)
	}
	if out == "" {
		return "", errors.NewMalformedResponseError(o.Name(), "empty content")
	}
	return out, nil
}

// doProviderRequest executes req and returns the body of a 2xx response. Any
// other outcome is returned as a classified error.
func doProviderRequest(client *http.Client, req *http.Request, provider string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.NewTransientError(provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, errors.NewTransientError(provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, classifiedError(provider, resp.StatusCode, string(raw), retryAfter)
	}
	return raw, nil
}
