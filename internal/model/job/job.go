package job

import "time"

// Status 表示头像视频合成任务的生命周期状态。
type Status string

const (
	Queued    Status = "Queued"
	Running   Status = "Running"
	Succeeded Status = "Succeeded"
	Failed    Status = "Failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == Succeeded || s == Failed
}

// Snapshot is an immutable copy of a synthesis job handed to readers.
type Snapshot struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	Text        string    `json:"text,omitempty"`
	Character   string    `json:"character,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Polls       int       `json:"polls"`
	ResultRef   string    `json:"resultRef,omitempty"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
}

// Elapsed returns how long the job has existed at the given instant.
func (s Snapshot) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.SubmittedAt)
}
