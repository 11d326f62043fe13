package eas

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueSize is the default maximum number of requests a worker
// queue can hold.
const DefaultQueueSize = 100

// ErrQueueFull is returned when attempting to enqueue to a full queue.
var ErrQueueFull = errors.New("request queue is full")

// RequestKind discriminates the work a Request carries.
type RequestKind int

const (
	RequestAttachmentLoad RequestKind = iota + 1
	RequestMeetingResponse
	RequestMessageMove
	RequestUpsync
)

// MeetingUserResponse values on the wire.
const (
	MeetingAccepted  = 1
	MeetingTentative = 2
	MeetingDeclined  = 3
)

// Request is a user- or system-originated unit of work routed to a
// specific mailbox's worker. The worker drains requests in FIFO order
// before each protocol turn.
type Request struct {
	ID         string
	Kind       RequestKind
	EnqueuedAt time.Time

	// AttachmentLoad
	AttachmentID int64
	DestPath     string
	ContentURI   string

	// MeetingResponse
	MessageID int64
	Response  int

	// MessageMove
	TargetMailboxID int64
}

// NewAttachmentLoad builds an attachment download request.
func NewAttachmentLoad(attachmentID int64, destPath, contentURI string) Request {
	return Request{
		ID:           uuid.NewString(),
		Kind:         RequestAttachmentLoad,
		AttachmentID: attachmentID,
		DestPath:     destPath,
		ContentURI:   contentURI,
	}
}

// NewMeetingResponse builds a meeting response request.
func NewMeetingResponse(messageID int64, response int) Request {
	return Request{
		ID:        uuid.NewString(),
		Kind:      RequestMeetingResponse,
		MessageID: messageID,
		Response:  response,
	}
}

// NewMessageMove builds a message move request.
func NewMessageMove(messageID, targetMailboxID int64) Request {
	return Request{
		ID:              uuid.NewString(),
		Kind:            RequestMessageMove,
		MessageID:       messageID,
		TargetMailboxID: targetMailboxID,
	}
}

// NewUpsync builds a request asking the worker to push local changes.
func NewUpsync() Request {
	return Request{ID: uuid.NewString(), Kind: RequestUpsync}
}

// RequestQueue is a thread-safe FIFO queue of pending worker requests.
// Enqueue records the request time, which checkMailboxes uses to fire
// worker alarms.
type RequestQueue struct {
	mu          sync.Mutex
	entries     []Request
	maxSize     int
	requestTime time.Time
}

// NewRequestQueue creates a queue with the specified maximum size.
// If maxSize is <= 0, DefaultQueueSize is used.
func NewRequestQueue(maxSize int) *RequestQueue {
	if maxSize <= 0 {
		maxSize = DefaultQueueSize
	}
	return &RequestQueue{
		entries: make([]Request, 0),
		maxSize: maxSize,
	}
}

// Enqueue adds a request to the back of the queue and stamps the queue's
// request time. Returns ErrQueueFull at capacity.
func (q *RequestQueue) Enqueue(r Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		return ErrQueueFull
	}

	r.EnqueuedAt = time.Now()
	q.entries = append(q.entries, r)
	q.requestTime = r.EnqueuedAt
	return nil
}

// Dequeue removes and returns the request at the front of the queue.
// Returns (zero value, false) if the queue is empty.
func (q *RequestQueue) Dequeue() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Request{}, false
	}

	r := q.entries[0]
	q.entries = q.entries[1:]
	return r, true
}

// Drain removes and returns all queued requests, leaving it empty.
func (q *RequestQueue) Drain() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return []Request{}
	}

	result := q.entries
	q.entries = make([]Request, 0)
	return result
}

// Len returns the current number of queued requests.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// RequestTime returns when the most recent request was enqueued, or the
// zero time if nothing has ever been enqueued.
func (q *RequestQueue) RequestTime() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.requestTime
}
