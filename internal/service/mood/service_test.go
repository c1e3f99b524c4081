package mood

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	analysis "github.com/zhouzirui/mindful-companion/backend/internal/analysis/mood"
	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/persona"
)

type fakeModel struct {
	input []*schema.Message
	reply string
	err   error
}

func (f *fakeModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func TestAnalyzeUsesClassifierOutput(t *testing.T) {
	fm := &fakeModel{reply: "Sure:\n{\"mood\":\"anxious\",\"intensity\":4,\"confidence\":0.9,\"style\":\"Be steady.\",\"reason\":\"exam tomorrow\"}"}
	svc, err := NewService(context.Background(), fm, Config{Enabled: true})
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}
	if !svc.Enabled() {
		t.Fatal("classifier should be enabled")
	}

	p := persona.Seed()[0]
	history := []gateway.Message{
		{Role: gateway.RoleAssistant, Content: "How are you today?"},
	}
	guidance := svc.Analyze(context.Background(), &p, history, "I have an exam tomorrow")

	if guidance.Decision.Label != analysis.Anxious {
		t.Fatalf("unexpected label %s", guidance.Decision.Label)
	}
	if guidance.Decision.Intensity != 4 || guidance.Confidence != 0.9 {
		t.Fatalf("unexpected guidance %+v", guidance)
	}
	if guidance.Style != "Be steady." || guidance.Reason != "exam tomorrow" {
		t.Fatalf("unexpected style/reason %+v", guidance)
	}

	if len(fm.input) != 2 {
		t.Fatalf("expected system+user prompt, got %d messages", len(fm.input))
	}
	if !strings.Contains(fm.input[1].Content, "Assistant: How are you today?") {
		t.Fatalf("history missing from prompt: %q", fm.input[1].Content)
	}
	if !strings.Contains(fm.input[1].Content, p.Name) {
		t.Fatalf("persona missing from prompt: %q", fm.input[1].Content)
	}
}

func TestAnalyzeFallsBack(t *testing.T) {
	cases := []struct {
		name string
		fm   *fakeModel
	}{
		{name: "invoke error", fm: &fakeModel{err: errors.New("boom")}},
		{name: "no json", fm: &fakeModel{reply: "the user is sad"}},
		{name: "unknown label", fm: &fakeModel{reply: `{"mood":"confused"}`}},
		{name: "empty", fm: &fakeModel{reply: "  "}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, err := NewService(context.Background(), tc.fm, Config{Enabled: true})
			if err != nil {
				t.Fatalf("NewService err: %v", err)
			}
			guidance := svc.Analyze(context.Background(), nil, nil, "I feel so lonely and sad")
			if guidance.Reason != "fallback" {
				t.Fatalf("expected fallback, got %+v", guidance)
			}
			if guidance.Decision.Label != analysis.Sad {
				t.Fatalf("unexpected fallback label %s", guidance.Decision.Label)
			}
		})
	}
}

func TestDisabledServiceUsesHeuristic(t *testing.T) {
	svc, err := NewService(context.Background(), nil, Config{Enabled: true})
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}
	if svc.Enabled() {
		t.Fatal("service without model must not be enabled")
	}

	guidance := svc.Analyze(context.Background(), nil, nil, "what's the weather")
	if guidance.Decision.Label != analysis.Neutral || guidance.Confidence != 0.3 {
		t.Fatalf("unexpected guidance %+v", guidance)
	}
	if guidance.SystemHint() != "" {
		t.Fatal("neutral guidance should not produce a hint")
	}
}

func TestSystemHint(t *testing.T) {
	g := Guidance{
		Decision:   analysis.Decision{Label: analysis.Anxious, Intensity: 3.5},
		Style:      "Be steady.",
		Confidence: 0.8,
	}
	hint := g.SystemHint()
	if !strings.Contains(hint, "anxious") || !strings.Contains(hint, "Be steady.") {
		t.Fatalf("unexpected hint %q", hint)
	}

	g.Confidence = 0.4
	if g.SystemHint() != "" {
		t.Fatal("low confidence should not produce a hint")
	}
}

type recordingGate struct {
	acquired int
	observed []error
}

func (g *recordingGate) Acquire(context.Context) error {
	g.acquired++
	return nil
}

func (g *recordingGate) Observe(err error) {
	g.observed = append(g.observed, err)
}

func TestClassifierCallsGoThroughGate(t *testing.T) {
	gate := &recordingGate{}
	fm := &fakeModel{reply: `{"mood":"happy","intensity":2,"confidence":0.8}`}
	svc, err := NewService(context.Background(), fm, Config{Enabled: true}, WithGate(gate))
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}

	svc.Analyze(context.Background(), nil, nil, "great news today")
	if gate.acquired != 1 {
		t.Fatalf("expected one gate acquisition, got %d", gate.acquired)
	}
	if len(gate.observed) != 0 {
		t.Fatalf("successful call should not be observed as failure: %v", gate.observed)
	}
}

func TestClassifierThrottlingReachesGate(t *testing.T) {
	gate := &recordingGate{}
	fm := &fakeModel{err: errors.New("TooManyRequests")}
	mapper := func(err error) error {
		return gateway.NewError(gateway.RateLimited, "ark", "generate", err)
	}
	svc, err := NewService(context.Background(), fm, Config{Enabled: true}, WithGate(gate), WithErrorMapper(mapper))
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}

	guidance := svc.Analyze(context.Background(), nil, nil, "I feel sad")
	if guidance.Reason != "fallback" {
		t.Fatalf("expected heuristic fallback, got %+v", guidance)
	}
	if len(gate.observed) != 1 || !gateway.IsKind(gate.observed[0], gateway.RateLimited) {
		t.Fatalf("expected rate limited error observed, got %v", gate.observed)
	}
}

type abortingGate struct{}

func (abortingGate) Acquire(context.Context) error { return context.Canceled }
func (abortingGate) Observe(error)                 {}

func TestClassifierSkippedWhenGateAborts(t *testing.T) {
	fm := &fakeModel{reply: `{"mood":"happy"}`}
	svc, err := NewService(context.Background(), fm, Config{Enabled: true}, WithGate(abortingGate{}))
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}

	guidance := svc.Analyze(context.Background(), nil, nil, "hello")
	if fm.input != nil {
		t.Fatalf("model should not be called when the gate aborts")
	}
	if guidance.Reason != "fallback" {
		t.Fatalf("expected fallback guidance, got %+v", guidance)
	}
}
