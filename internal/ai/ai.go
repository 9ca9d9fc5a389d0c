// Package ai exposes the single capability the engine needs from an AI
// provider: given a prompt and optionally an image, return text.
//
// The concrete client speaks the OpenAI-compatible chat completions surface,
// which covers OpenAI itself plus the usual gateway/proxy deployments.
package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Client is the provider-agnostic AI capability.
type Client interface {
	// Complete sends prompt (and, if non-empty, an attached image) and returns
	// the model's text reply.
	Complete(ctx context.Context, prompt string, image []byte) (string, error)
}

var ErrEmptyCompletion = errors.New("ai: empty completion")

// Config configures the OpenAI-compatible client.
type Config struct {
	APIKey    string
	BaseURL   string // optional; empty means api.openai.com
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

type openAIClient struct {
	c         *openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
}

// New builds an OpenAI-compatible client.
func New(cfg Config) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("ai: api_key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if u := strings.TrimSpace(cfg.BaseURL); u != "" {
		oc.BaseURL = strings.TrimRight(u, "/")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openai.GPT4oMini
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &openAIClient{
		c:         openai.NewClientWithConfig(oc),
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
	}, nil
}

func (a *openAIClient) Complete(ctx context.Context, prompt string, image []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if len(image) > 0 {
		msg.MultiContent = []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: prompt},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: fmt.Sprintf("data:image/jpeg;base64,%s", base64.StdEncoding.EncodeToString(image)),
				},
			},
		}
	} else {
		msg.Content = prompt
	}

	resp, err := a.c.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  []openai.ChatCompletionMessage{msg},
	})
	if err != nil {
		return "", fmt.Errorf("ai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", ErrEmptyCompletion
	}
	return out, nil
}
