package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stoic-persona/server/internal/config"
)

const (
	anthropicAPIVersion = "2023-06-01"
	messagesPath        = "/v1/messages"

	defaultMaxTokens   = 1000
	defaultTemperature = 0.7
)

// ChatMessage is a single turn of a conversation as sent to the model.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
}

type anthropicErrorResponse struct {
	Type  string `json:"type"` // "error"
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// LLMService talks to the Anthropic messages API.
type LLMService struct {
	client *resty.Client
	model  string
}

func NewLLMService() *LLMService {
	return newLLMService(config.AppConfig.AnthropicBaseURL, config.AppConfig.AnthropicAPIKey, config.AppConfig.AnthropicModel)
}

func newLLMService(baseURL, apiKey, model string) *LLMService {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(60 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-api-key", apiKey).
		SetHeader("anthropic-version", anthropicAPIVersion)

	return &LLMService{
		client: client,
		model:  model,
	}
}

// GetChatCompletion sends the conversation to the model and returns the
// single text reply. System-role messages are lifted out of the turn list
// into the request's system field, the way the Anthropic API expects.
// There is no retry: any failure is returned to the caller as-is.
func (s *LLMService) GetChatCompletion(ctx context.Context, messages []ChatMessage) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages provided for chat completion")
	}

	var system string
	turns := make([]anthropicMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		role := "user"
		if msg.Role == "assistant" {
			role = "assistant"
		}
		turns = append(turns, anthropicMessage{Role: role, Content: msg.Content})
	}

	if len(turns) == 0 {
		return "", fmt.Errorf("no user or assistant messages to send")
	}

	req := anthropicRequest{
		Model:       s.model,
		Messages:    turns,
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
		System:      system,
	}

	var result anthropicResponse
	var apiErr anthropicErrorResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		SetError(&apiErr).
		Post(messagesPath)
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	if resp.IsError() {
		if apiErr.Error.Message != "" {
			return "", fmt.Errorf("anthropic API error (%s): %s", apiErr.Error.Type, apiErr.Error.Message)
		}
		return "", fmt.Errorf("anthropic API returned status %d", resp.StatusCode())
	}

	if len(result.Content) == 0 || result.Content[0].Text == "" {
		return "", fmt.Errorf("no response content from model")
	}
	return result.Content[0].Text, nil
}
