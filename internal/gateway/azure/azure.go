// Package azure implements the batch talking-avatar synthesis API.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/job"
)

const (
	providerName = "azure"
	apiVersion   = "2024-08-01"
	keyHeader    = "Ocp-Apim-Subscription-Key"
)

// DefaultAvatarConfig 对应默认的 lisa 坐姿形象。
func DefaultAvatarConfig() gateway.AvatarConfig {
	return gateway.AvatarConfig{
		Voice:           "en-US-JennyMultilingualNeural",
		Character:       "lisa",
		Style:           "graceful-sitting",
		VideoFormat:     "mp4",
		VideoCodec:      "h264",
		SubtitleType:    "soft_embedded",
		BackgroundColor: "#FFFFFFFF",
	}
}

// Config 描述语音服务资源。
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Client implements gateway.AvatarSynthesizer.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

var _ gateway.AvatarSynthesizer = (*Client)(nil)

// New creates a client for the resource endpoint, e.g.
// https://westus2.api.cognitive.microsoft.com/.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("azure speech endpoint and key are required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid azure speech endpoint: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	endpoint := cfg.Endpoint
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}

	return &Client{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}, nil
}

type synthesisRequest struct {
	SynthesisConfig synthesisConfig `json:"synthesisConfig"`
	InputKind       string          `json:"inputKind"`
	Inputs          []input         `json:"inputs"`
	AvatarConfig    avatarConfig    `json:"avatarConfig"`
}

type synthesisConfig struct {
	Voice string `json:"voice"`
}

type input struct {
	Content string `json:"content"`
}

type avatarConfig struct {
	Customized             bool   `json:"customized"`
	TalkingAvatarCharacter string `json:"talkingAvatarCharacter"`
	TalkingAvatarStyle     string `json:"talkingAvatarStyle"`
	VideoFormat            string `json:"videoFormat"`
	VideoCodec             string `json:"videoCodec"`
	SubtitleType           string `json:"subtitleType"`
	BackgroundColor        string `json:"backgroundColor"`
}

type synthesisResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Outputs *struct {
		Result string `json:"result"`
	} `json:"outputs,omitempty"`
	Errors     any `json:"errors,omitempty"`
	Properties *struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error,omitempty"`
	} `json:"properties,omitempty"`
}

// SubmitAvatarJob creates the job via PUT. Reusing req.JobID targets the same
// resource, which keeps retries idempotent.
func (c *Client) SubmitAvatarJob(ctx context.Context, req gateway.AvatarJobRequest) (string, error) {
	const op = "submit_avatar_job"

	if strings.TrimSpace(req.Text) == "" {
		return "", gateway.NewError(gateway.MalformedResponse, providerName, op, errors.New("text is empty"))
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	cfg := withDefaults(req.Config)
	payload, err := sonic.Marshal(synthesisRequest{
		SynthesisConfig: synthesisConfig{Voice: cfg.Voice},
		InputKind:       "PlainText",
		Inputs:          []input{{Content: req.Text}},
		AvatarConfig: avatarConfig{
			Customized:             false,
			TalkingAvatarCharacter: cfg.Character,
			TalkingAvatarStyle:     cfg.Style,
			VideoFormat:            cfg.VideoFormat,
			VideoCodec:             cfg.VideoCodec,
			SubtitleType:           cfg.SubtitleType,
			BackgroundColor:        cfg.BackgroundColor,
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode avatar request: %w", err)
	}

	body, err := c.do(ctx, op, http.MethodPut, jobID, payload)
	if err != nil {
		return "", err
	}

	// 部分响应体为空，此时沿用请求的 jobID。
	if len(bytes.TrimSpace(body)) > 0 {
		var resp synthesisResponse
		if err := sonic.Unmarshal(body, &resp); err != nil {
			return "", gateway.NewError(gateway.MalformedResponse, providerName, op, err)
		}
		if resp.ID != "" {
			jobID = resp.ID
		}
	}
	return jobID, nil
}

// GetAvatarJobStatus performs exactly one status request.
func (c *Client) GetAvatarJobStatus(ctx context.Context, jobID string) (*gateway.AvatarJobStatus, error) {
	const op = "get_avatar_job_status"

	body, err := c.do(ctx, op, http.MethodGet, jobID, nil)
	if err != nil {
		return nil, err
	}

	var resp synthesisResponse
	if err := sonic.Unmarshal(body, &resp); err != nil {
		return nil, gateway.NewError(gateway.MalformedResponse, providerName, op, err)
	}
	if resp.Status == "" {
		return nil, gateway.NewError(gateway.MalformedResponse, providerName, op, errors.New("status field missing"))
	}

	status := &gateway.AvatarJobStatus{
		ID:        jobID,
		Status:    mapStatus(resp.Status),
		CheckedAt: c.now(),
	}

	switch status.Status {
	case job.Succeeded:
		if resp.Outputs == nil || resp.Outputs.Result == "" {
			return nil, gateway.NewError(gateway.MalformedResponse, providerName, op, errors.New("succeeded job has no result url"))
		}
		status.ResultURL = resp.Outputs.Result
	case job.Failed:
		status.ErrorDetail = errorDetail(resp)
	}
	return status, nil
}

func (c *Client) do(ctx context.Context, op, method, jobID string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.jobURL(jobID), reader)
	if err != nil {
		return nil, fmt.Errorf("build avatar request: %w", err)
	}
	req.Header.Set(keyHeader, c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, gateway.FromTransport(providerName, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gateway.FromTransport(providerName, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, gateway.FromStatus(providerName, op, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *Client) jobURL(jobID string) string {
	return fmt.Sprintf("%scognitiveservices/avatar/batchsyntheses/%s?api-version=%s",
		c.endpoint, url.PathEscape(jobID), apiVersion)
}

func mapStatus(raw string) job.Status {
	switch strings.ToLower(raw) {
	case "notstarted":
		return job.Queued
	case "succeeded":
		return job.Succeeded
	case "failed":
		return job.Failed
	default:
		return job.Running
	}
}

func errorDetail(resp synthesisResponse) string {
	if resp.Properties != nil && resp.Properties.Error != nil {
		e := resp.Properties.Error
		if e.Code != "" {
			return e.Code + ": " + e.Message
		}
		return e.Message
	}
	if resp.Errors != nil {
		if raw, err := sonic.MarshalString(resp.Errors); err == nil {
			return raw
		}
	}
	return "Video generation failed"
}

func withDefaults(cfg gateway.AvatarConfig) gateway.AvatarConfig {
	def := DefaultAvatarConfig()
	if cfg.Voice == "" {
		cfg.Voice = def.Voice
	}
	if cfg.Character == "" {
		cfg.Character = def.Character
	}
	if cfg.Style == "" {
		cfg.Style = def.Style
	}
	if cfg.VideoFormat == "" {
		cfg.VideoFormat = def.VideoFormat
	}
	if cfg.VideoCodec == "" {
		cfg.VideoCodec = def.VideoCodec
	}
	if cfg.SubtitleType == "" {
		cfg.SubtitleType = def.SubtitleType
	}
	if cfg.BackgroundColor == "" {
		cfg.BackgroundColor = def.BackgroundColor
	}
	return cfg
}
