package conversation

import (
	"errors"
	"fmt"
)

// State 单次用户操作所处的阶段。
type State string

const (
	Idle             State = "idle"
	CapturingMedia   State = "capturing_media"
	Submitting       State = "submitting"
	AwaitingResponse State = "awaiting_response"
	Done             State = "done"
	Failed           State = "failed"
)

// Event drives Transition.
type Event string

const (
	EventCapture       Event = "capture"
	EventCaptured      Event = "captured"
	EventCaptureFailed Event = "capture_failed"
	EventSubmit        Event = "submit"
	EventSent          Event = "sent"
	EventReplied       Event = "replied"
	EventRateLimited   Event = "rate_limited"
	EventError         Event = "error"
)

var ErrInvalidTransition = errors.New("invalid transition")

var transitions = map[State]map[Event]State{
	Idle: {
		EventCapture: CapturingMedia,
		EventSubmit:  Submitting,
		EventError:   Failed,
	},
	CapturingMedia: {
		EventCaptured:      Submitting,
		EventCaptureFailed: Submitting,
		EventError:         Failed,
	},
	Submitting: {
		EventSent:  AwaitingResponse,
		EventError: Failed,
	},
	AwaitingResponse: {
		EventReplied:     Done,
		EventRateLimited: Failed,
		EventError:       Failed,
	},
}

// Transition 纯函数：给定当前状态与事件返回下一状态。
// Done 与 Failed 不接受任何事件。
func Transition(state State, event Event) (State, error) {
	next, ok := transitions[state][event]
	if !ok {
		return state, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, state)
	}
	return next, nil
}

// Terminal reports whether no further event is accepted.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// action tracks one Send and reports every state it enters.
type action struct {
	state   State
	trace   []State
	observe func(State)
}

func newAction(observe func(State)) *action {
	a := &action{state: Idle, trace: []State{Idle}, observe: observe}
	if observe != nil {
		observe(Idle)
	}
	return a
}

func (a *action) fire(event Event) {
	next, err := Transition(a.state, event)
	if err != nil {
		// 编程错误：事件顺序由 Send 固定。
		panic(err)
	}
	a.state = next
	a.trace = append(a.trace, next)
	if a.observe != nil {
		a.observe(next)
	}
}
