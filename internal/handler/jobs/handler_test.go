package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/mindful-companion/backend/internal/gateway"
	"github.com/zhouzirui/mindful-companion/backend/internal/model/job"
	"github.com/zhouzirui/mindful-companion/backend/internal/service/avatar"
)

type fakeEngine struct {
	mu        sync.Mutex
	submitted []avatar.Request
	jobs      map[string]job.Snapshot
	submitErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{jobs: make(map[string]job.Snapshot)}
}

func (f *fakeEngine) Submit(ctx context.Context, req avatar.Request) (job.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return job.Snapshot{}, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	snap := job.Snapshot{ID: "job-1", Status: job.Queued, Text: req.Text}
	f.jobs[snap.ID] = snap
	return snap, nil
}

func (f *fakeEngine) Get(ctx context.Context, id string) (job.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.jobs[id]
	if !ok {
		return job.Snapshot{}, avatar.ErrJobNotFound
	}
	return snap, nil
}

func (f *fakeEngine) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.jobs[id]
	if !ok || snap.Status.Terminal() {
		return false
	}
	snap.Status = job.Failed
	snap.ErrorDetail = "cancelled"
	f.jobs[id] = snap
	return true
}

func (f *fakeEngine) set(snap job.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[snap.ID] = snap
}

func newRouter(engine Engine, listener Listener) *chi.Mux {
	h := New(engine, listener)
	router := chi.NewRouter()
	router.Route("/jobs", h.RegisterRoutes)
	router.Route("/api/avatar", h.RegisterAliasRoutes)
	return router
}

func TestCreateSubmitsJob(t *testing.T) {
	engine := newFakeEngine()
	router := newRouter(engine, nil)

	body := bytes.NewBufferString(`{"text":"hello","avatarType":"harry","voice":"en-US-GuyNeural"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/avatar/create", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if resp["jobId"] != "job-1" {
		t.Fatalf("unexpected job id: %v", resp["jobId"])
	}
	if len(engine.submitted) != 1 {
		t.Fatalf("expected one submission, got %d", len(engine.submitted))
	}
	cfg := engine.submitted[0].Config
	if cfg.Character != "harry" || cfg.Voice != "en-US-GuyNeural" {
		t.Fatalf("unexpected avatar config: %+v", cfg)
	}
}

func TestCreateRequiresText(t *testing.T) {
	router := newRouter(newFakeEngine(), nil)

	req := httptest.NewRequest(http.MethodPost, "/jobs/create", bytes.NewBufferString(`{"text":""}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCreateMapsProviderErrors(t *testing.T) {
	engine := newFakeEngine()
	engine.submitErr = gateway.NewError(gateway.Unauthorized, "azure", "submit", nil)
	router := newRouter(engine, nil)

	req := httptest.NewRequest(http.MethodPost, "/jobs/create", bytes.NewBufferString(`{"text":"hi"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestStatusVocabulary(t *testing.T) {
	engine := newFakeEngine()
	engine.set(job.Snapshot{ID: "done", Status: job.Succeeded, ResultRef: "https://cdn/video.mp4"})
	engine.set(job.Snapshot{ID: "bad", Status: job.Failed, ErrorDetail: "timeout"})
	engine.set(job.Snapshot{ID: "run", Status: job.Running})
	router := newRouter(engine, nil)

	cases := []struct {
		id        string
		status    string
		avatarURL string
		errText   string
	}{
		{"done", "completed", "https://cdn/video.mp4", ""},
		{"bad", "failed", "", "timeout"},
		{"run", "processing", "", ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/jobs/status/"+tc.id, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("%s: unexpected status code %d", tc.id, rr.Code)
		}
		var resp statusResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s: decode err: %v", tc.id, err)
		}
		if resp.Status != tc.status || resp.AvatarURL != tc.avatarURL || resp.Error != tc.errText {
			t.Fatalf("%s: unexpected response %+v", tc.id, resp)
		}
	}
}

func TestStatusUnknownJob(t *testing.T) {
	router := newRouter(newFakeEngine(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/avatar/status/missing", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestCancel(t *testing.T) {
	engine := newFakeEngine()
	engine.set(job.Snapshot{ID: "run", Status: job.Running})
	router := newRouter(engine, nil)

	req := httptest.NewRequest(http.MethodDelete, "/jobs/run", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/jobs/run", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for finished job, got %d", rr.Code)
	}
}

func TestWebSocketPushesUntilTerminal(t *testing.T) {
	engine := newFakeEngine()
	engine.set(job.Snapshot{ID: "run", Status: job.Running})

	bus := evbus.New()
	hub, err := avatar.NewHub(bus)
	if err != nil {
		t.Fatalf("NewHub err: %v", err)
	}

	server := httptest.NewServer(newRouter(engine, hub))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/jobs/ws/run"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first outgoingMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first err: %v", err)
	}
	if first.Data.Status != "processing" {
		t.Fatalf("expected processing snapshot, got %+v", first)
	}

	bus.Publish(avatar.Topic, avatar.Event{
		Job:      job.Snapshot{ID: "run", Status: job.Succeeded, ResultRef: "https://cdn/run.mp4"},
		Terminal: true,
	})

	var final outgoingMessage
	if err := conn.ReadJSON(&final); err != nil {
		t.Fatalf("read final err: %v", err)
	}
	if final.Data.Status != "completed" || final.Data.AvatarURL != "https://cdn/run.mp4" {
		t.Fatalf("unexpected final message %+v", final)
	}

	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestWebSocketUnknownJob(t *testing.T) {
	hub, err := avatar.NewHub(evbus.New())
	if err != nil {
		t.Fatalf("NewHub err: %v", err)
	}
	server := httptest.NewServer(newRouter(newFakeEngine(), hub))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/jobs/ws/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 response, got %+v", resp)
	}
}
