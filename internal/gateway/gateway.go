// Package gateway defines the normalized provider contracts used by the
// companion service. Each vendor lives in its own sub-package and translates
// its wire format into these types; callers never branch on vendor fields.
package gateway

import (
	"context"
	"time"

	"github.com/zhouzirui/mindful-companion/backend/internal/model/job"
)

// Role of a chat message as accepted by completion providers.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is the role/content pair upstream providers accept.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Completion is the normalized chat completion result.
type Completion struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Audio is the normalized speech synthesis result. Data is opaque to callers.
type Audio struct {
	Data        []byte
	ContentType string
}

// AvatarConfig describes the talking avatar rendering options.
type AvatarConfig struct {
	Voice           string `json:"voice" yaml:"voice"`
	Character       string `json:"character" yaml:"character"`
	Style           string `json:"style" yaml:"style"`
	VideoFormat     string `json:"videoFormat" yaml:"video_format"`
	VideoCodec      string `json:"videoCodec" yaml:"video_codec"`
	SubtitleType    string `json:"subtitleType" yaml:"subtitle_type"`
	BackgroundColor string `json:"backgroundColor" yaml:"background_color"`
}

// AvatarJobRequest asks for one avatar video. JobID may be left empty, in
// which case the adapter generates one.
type AvatarJobRequest struct {
	JobID  string
	Text   string
	Config AvatarConfig
}

// AvatarJobStatus is a single status poll result.
type AvatarJobStatus struct {
	ID          string
	Status      job.Status
	ResultURL   string
	ErrorDetail string
	CheckedAt   time.Time
}

// ChatCompleter issues one chat completion per call.
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, messages []Message, modelID string) (*Completion, error)
}

// SpeechSynthesizer turns text into playable audio.
type SpeechSynthesizer interface {
	SynthesizeSpeech(ctx context.Context, text, voiceID string) (*Audio, error)
}

// AvatarSynthesizer submits and inspects long-running avatar video jobs.
// Resubmitting the same JobID addresses the same upstream resource, so a
// submission that failed with NetworkError can be retried safely.
type AvatarSynthesizer interface {
	SubmitAvatarJob(ctx context.Context, req AvatarJobRequest) (string, error)
	GetAvatarJobStatus(ctx context.Context, jobID string) (*AvatarJobStatus, error)
}
