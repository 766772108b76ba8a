package recorder

import (
	"sync"
	"time"
)

// NoticeKind classifies a user-facing notice.
type NoticeKind string

const (
	// NoticePermission is a blocking dialog with remediation guidance.
	NoticePermission NoticeKind = "permission"
	// NoticeError is an error toast.
	NoticeError NoticeKind = "error"
	// NoticeInfo is an informational toast.
	NoticeInfo NoticeKind = "info"
	// NoticeConfirmNavigation asks the user whether to leave a running test.
	NoticeConfirmNavigation NoticeKind = "confirm_navigation"
)

// Notice is a message for the user. Raw vendor errors never end up here.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	At      time.Time  `json:"at,omitzero"`
}

// Notifier delivers notices to the user.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to [Notifier].
type NotifierFunc func(n Notice)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notice) { f(n) }

// NoticeQueue buffers notices until the client collects them. It keeps at
// most its capacity, dropping the oldest.
type NoticeQueue struct {
	mu    sync.Mutex
	items []Notice
	max   int
}

// NewNoticeQueue returns a queue holding at most max notices.
func NewNoticeQueue(max int) *NoticeQueue {
	if max <= 0 {
		max = 32
	}
	return &NoticeQueue{max: max}
}

var _ Notifier = (*NoticeQueue)(nil)

// Notify implements [Notifier].
func (q *NoticeQueue) Notify(n Notice) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == q.max {
		q.items = q.items[1:]
	}
	q.items = append(q.items, n)
}

// Drain returns and removes all queued notices, oldest first.
func (q *NoticeQueue) Drain() []Notice {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued notices.
func (q *NoticeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Notices shown by the controller.
var (
	noticeStartFailed = Notice{
		Kind:    NoticeError,
		Title:   "Could not start the test",
		Message: "The examiner could not be reached. Please try again in a moment.",
	}
	noticeConnection = Notice{
		Kind:    NoticeError,
		Title:   "Connection problem",
		Message: "Something went wrong with the examiner connection. If the examiner stops responding, end the test and start again.",
	}
	noticeTooShort = Notice{
		Kind:    NoticeInfo,
		Title:   "Keep talking",
		Message: "The conversation is too short to be graded yet. Please keep answering the examiner's questions.",
	}
	noticeGradingFailed = Notice{
		Kind:    NoticeError,
		Title:   "Grading failed",
		Message: "Your answers are saved on this device, but we could not grade them. Please retry in a moment.",
	}
	noticeSilence = Notice{
		Kind:    NoticeInfo,
		Title:   "Test ended",
		Message: "We did not hear anything for a while, so the test was ended.",
	}
)
