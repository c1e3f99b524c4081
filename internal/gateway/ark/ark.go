// Package ark 将火山方舟对话模型适配为 gateway.ChatCompleter。
package ark

import (
	"context"
	"errors"
	"fmt"
	"strings"

	arkmodel "github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
)

const providerName = "ark"

// Config 描述方舟模型连接参数。
type Config struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float32
	TopP        *float32
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c Config) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// Client implements gateway.ChatCompleter on top of an eino chat model.
type Client struct {
	chatModel model.BaseChatModel
}

var _ gateway.ChatCompleter = (*Client)(nil)

// New builds the Ark chat model from cfg.
func New(ctx context.Context, cfg Config) (*Client, error) {
	chatModel, err := NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Client{chatModel: chatModel}, nil
}

// NewChatModel 使用配置创建一个模型实例，供分类链等组件复用。
func NewChatModel(ctx context.Context, cfg Config) (model.ChatModel, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	return arkmodel.NewChatModel(ctx, &arkmodel.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		Region:      cfg.Region,
		APIKey:      cfg.APIKey,
		AccessKey:   cfg.AccessKey,
		SecretKey:   cfg.SecretKey,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
	})
}

// NewWithModel wraps an existing chat model.
func NewWithModel(chatModel model.BaseChatModel) *Client {
	return &Client{chatModel: chatModel}
}

// ChatCompletion runs one Generate call. modelID is fixed by the Ark
// endpoint configuration and is ignored here.
func (c *Client) ChatCompletion(ctx context.Context, messages []gateway.Message, _ string) (*gateway.Completion, error) {
	const op = "chat_completion"

	input := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case gateway.RoleSystem:
			input = append(input, schema.SystemMessage(msg.Content))
		case gateway.RoleAssistant:
			input = append(input, schema.AssistantMessage(msg.Content, nil))
		default:
			input = append(input, schema.UserMessage(msg.Content))
		}
	}

	resp, err := c.chatModel.Generate(ctx, input)
	if err != nil {
		return nil, classify(op, err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return nil, gateway.NewError(gateway.MalformedResponse, providerName, op, errors.New("empty assistant message"))
	}

	completion := &gateway.Completion{Content: resp.Content}
	if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
		completion.PromptTokens = resp.ResponseMeta.Usage.PromptTokens
		completion.CompletionTokens = resp.ResponseMeta.Usage.CompletionTokens
	}
	return completion, nil
}

// classify 方舟 SDK 的错误未导出状态码，只能按错误文本识别。
// ClassifyError maps an error returned by an Ark chat model onto the gateway
// taxonomy, for callers that invoke the model directly.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	return classify("generate", err)
}

func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return gateway.FromTransport(providerName, op, err)
	}

	msg := err.Error()
	for _, candidate := range []struct {
		marker string
		status int
	}{
		{"TooManyRequests", 429},
		{"RateLimitExceeded", 429},
		{"status code: 429", 429},
		{"Unauthorized", 401},
		{"AuthenticationError", 401},
		{"AccessDenied", 403},
		{"QuotaExceeded", 403},
		{"InternalServiceError", 500},
		{"ServiceUnavailable", 503},
	} {
		if strings.Contains(msg, candidate.marker) {
			return &gateway.Error{
				Kind:       gateway.KindFromStatus(candidate.status),
				Op:         op,
				Provider:   providerName,
				StatusCode: candidate.status,
				Err:        err,
			}
		}
	}
	return gateway.FromTransport(providerName, op, err)
}
