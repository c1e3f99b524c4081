// Package openai adapts OpenAI-compatible endpoints (Groq in production) to
// the gateway contracts.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
)

const (
	DefaultBaseURL     = "https://api.groq.com/openai/v1"
	DefaultChatModel   = "llama-3.3-70b-versatile"
	DefaultSpeechModel = "playai-tts"
	DefaultVoice       = "Arista-PlayAI"
)

// Config 描述 OpenAI 兼容服务的连接参数。
type Config struct {
	Name           string
	APIKey         string
	BaseURL        string
	SpeechModel    string
	DefaultVoice   string
	ResponseFormat string
}

// Client implements gateway.ChatCompleter and gateway.SpeechSynthesizer.
type Client struct {
	client *goopenai.Client
	cfg    Config
}

var (
	_ gateway.ChatCompleter     = (*Client)(nil)
	_ gateway.SpeechSynthesizer = (*Client)(nil)
)

// New creates a client for the configured endpoint.
func New(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "groq"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = DefaultSpeechModel
	}
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = DefaultVoice
	}
	if cfg.ResponseFormat == "" {
		cfg.ResponseFormat = "wav"
	}

	clientConfig := goopenai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		client: goopenai.NewClientWithConfig(clientConfig),
		cfg:    cfg,
	}
}

// Name returns the provider label used in logs and metrics.
func (c *Client) Name() string {
	return c.cfg.Name
}

// ChatCompletion sends the ordered messages and returns the first choice.
func (c *Client) ChatCompletion(ctx context.Context, messages []gateway.Message, modelID string) (*gateway.Completion, error) {
	const op = "chat_completion"

	if modelID == "" {
		modelID = DefaultChatModel
	}

	chatMessages := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		chatMessages = append(chatMessages, goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    modelID,
		Messages: chatMessages,
	})
	if err != nil {
		return nil, c.classify(op, err)
	}

	if len(resp.Choices) == 0 {
		return nil, gateway.NewError(gateway.MalformedResponse, c.cfg.Name, op, errors.New("response has no choices"))
	}

	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return nil, gateway.NewError(gateway.MalformedResponse, c.cfg.Name, op, errors.New("empty assistant message"))
	}

	return &gateway.Completion{
		Content:          content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// SynthesizeSpeech calls /audio/speech and returns the raw audio payload.
func (c *Client) SynthesizeSpeech(ctx context.Context, text, voiceID string) (*gateway.Audio, error) {
	const op = "synthesize_speech"

	if strings.TrimSpace(text) == "" {
		return nil, gateway.NewError(gateway.MalformedResponse, c.cfg.Name, op, errors.New("text is empty"))
	}
	if voiceID == "" {
		voiceID = c.cfg.DefaultVoice
	}

	resp, err := c.client.CreateSpeech(ctx, goopenai.CreateSpeechRequest{
		Model:          goopenai.SpeechModel(c.cfg.SpeechModel),
		Input:          text,
		Voice:          goopenai.SpeechVoice(voiceID),
		ResponseFormat: goopenai.SpeechResponseFormat(c.cfg.ResponseFormat),
	})
	if err != nil {
		return nil, c.classify(op, err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, gateway.FromTransport(c.cfg.Name, op, fmt.Errorf("read audio body: %w", err))
	}
	if len(data) == 0 {
		return nil, gateway.NewError(gateway.MalformedResponse, c.cfg.Name, op, errors.New("audio payload is empty"))
	}

	return &gateway.Audio{
		Data:        data,
		ContentType: audioContentType(c.cfg.ResponseFormat),
	}, nil
}

// ValidateConnection sends a one-line probe and reports whether the provider answered.
func (c *Client) ValidateConnection(ctx context.Context, modelID string) error {
	_, err := c.ChatCompletion(ctx, []gateway.Message{
		{Role: gateway.RoleSystem, Content: "You are a helpful assistant."},
		{Role: gateway.RoleUser, Content: "Respond with 'Connection valid' if you receive this message."},
	}, modelID)
	return err
}

func (c *Client) classify(op string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return gateway.FromStatus(c.cfg.Name, op, apiErr.HTTPStatusCode, apiErr.Message)
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return gateway.FromStatus(c.cfg.Name, op, reqErr.HTTPStatusCode, reqErr.Error())
	}

	return gateway.FromTransport(c.cfg.Name, op, err)
}

func audioContentType(format string) string {
	switch strings.ToLower(format) {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}
