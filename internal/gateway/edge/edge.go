// Package edge 使用 Edge 朗读服务提供基础语音合成，无需密钥。
package edge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wujunwei928/edge-tts-go/edge_tts"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
)

const (
	providerName = "edge"
	DefaultVoice = "en-US-JennyNeural"
)

// SynthesizeFunc produces mp3 audio for text in the given voice.
type SynthesizeFunc func(voice, text string) ([]byte, error)

// Client implements gateway.SpeechSynthesizer.
type Client struct {
	voice      string
	synthesize SynthesizeFunc
}

var _ gateway.SpeechSynthesizer = (*Client)(nil)

// New creates a client using the Edge read-aloud voices.
func New(defaultVoice string) *Client {
	return NewWithSynthesizer(defaultVoice, communicate)
}

// NewWithSynthesizer lets tests replace the websocket round trip.
func NewWithSynthesizer(defaultVoice string, fn SynthesizeFunc) *Client {
	if defaultVoice == "" {
		defaultVoice = DefaultVoice
	}
	return &Client{voice: defaultVoice, synthesize: fn}
}

// SynthesizeSpeech renders text to mp3. The upstream call is not cancellable;
// when ctx ends first the late result is dropped.
func (c *Client) SynthesizeSpeech(ctx context.Context, text, voiceID string) (*gateway.Audio, error) {
	const op = "synthesize_speech"

	if strings.TrimSpace(text) == "" {
		return nil, gateway.NewError(gateway.MalformedResponse, providerName, op, errors.New("text is empty"))
	}

	voice := c.resolveVoice(voiceID)

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := c.synthesize(voice, text)
		done <- result{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, gateway.FromTransport(providerName, op, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, gateway.FromTransport(providerName, op, res.err)
		}
		if len(res.data) == 0 {
			return nil, gateway.NewError(gateway.MalformedResponse, providerName, op, errors.New("audio payload is empty"))
		}
		return &gateway.Audio{Data: res.data, ContentType: "audio/mpeg"}, nil
	}
}

// resolveVoice 仅接受 Edge 的 locale-Name 形式音色，其余回退到默认音色。
func (c *Client) resolveVoice(voiceID string) string {
	if strings.HasSuffix(voiceID, "Neural") && strings.Count(voiceID, "-") >= 2 {
		return voiceID
	}
	return c.voice
}

func communicate(voice, text string) ([]byte, error) {
	comm, err := edge_tts.NewCommunicate(text, edge_tts.SetVoice(voice))
	if err != nil {
		return nil, fmt.Errorf("create edge communicator: %w", err)
	}

	data, err := comm.Stream()
	if err != nil {
		return nil, fmt.Errorf("edge synthesis failed: %w", err)
	}
	return data, nil
}
