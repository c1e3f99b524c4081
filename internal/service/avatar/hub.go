package avatar

import (
	"sync"

	evbus "github.com/asaskevich/EventBus"

	"github.com/zhouzirui/mindful-companion/backend/internal/model/job"
)

// Topic is the event bus topic carrying job status changes.
const Topic = "avatar:job"

// Event 表示一次任务状态变化；Terminal 为 true 时每个任务只会出现一次。
type Event struct {
	Job      job.Snapshot
	Terminal bool
}

// Hub fans bus events out to per-job listeners, e.g. websocket connections.
type Hub struct {
	mu        sync.Mutex
	listeners map[string]map[chan Event]struct{}
}

// NewHub subscribes a hub to the bus.
func NewHub(bus evbus.Bus) (*Hub, error) {
	h := &Hub{listeners: make(map[string]map[chan Event]struct{})}
	if err := bus.Subscribe(Topic, h.dispatch); err != nil {
		return nil, err
	}
	return h, nil
}

// Listen returns a channel that receives events for jobID and a function
// that detaches it. The channel is closed after the terminal event.
func (h *Hub) Listen(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, 8)

	h.mu.Lock()
	set, ok := h.listeners[jobID]
	if !ok {
		set = make(map[chan Event]struct{})
		h.listeners[jobID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.detach(jobID, ch) })
	}
}

func (h *Hub) detach(jobID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.listeners[jobID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(h.listeners, jobID)
	}
}

func (h *Hub) dispatch(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.listeners[ev.Job.ID]
	for ch := range set {
		select {
		case ch <- ev:
		default:
			// 慢消费者丢弃中间状态，终态仍需送达。
			if ev.Terminal {
				select {
				case <-ch:
				default:
				}
				ch <- ev
			}
		}
		if ev.Terminal {
			close(ch)
		}
	}
	if ev.Terminal {
		delete(h.listeners, ev.Job.ID)
	}
}
