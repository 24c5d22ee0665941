// Package queue is the durable, Redis-backed queue for alert dispatch requests.
package queue

import (
	"errors"
	"strconv"
	"time"
)

// State is the lifecycle of one dispatch job.
type State string

const (
	StateEnqueued        State = "ENQUEUED"
	StateRunning         State = "RUNNING"
	StateSucceeded       State = "SUCCEEDED"
	StateFailedRetryable State = "FAILED_RETRYABLE"
	StateFailedTerminal  State = "FAILED_TERMINAL"
)

// Final reports whether no further attempt will run.
func (s State) Final() bool {
	return s == StateSucceeded || s == StateFailedTerminal
}

// ErrDuplicate is returned by Enqueue when a job with the same key is still outstanding.
var ErrDuplicate = errors.New("duplicate dispatch job")

// Request is the queue message asking for alerts on one post.
type Request struct {
	OriginID  string `json:"origin_id"`
	Sentiment *int   `json:"sentiment"`
}

// NewRequest builds a Request with sentiment set.
func NewRequest(originID string, sentiment int) Request {
	return Request{OriginID: originID, Sentiment: &sentiment}
}

// Key is the dedup identity, origin_id^sentiment.
func (r Request) Key() string {
	if r.Sentiment == nil {
		return r.OriginID + "^"
	}
	return r.OriginID + "^" + strconv.Itoa(*r.Sentiment)
}

// Job is one queued Request plus its delivery bookkeeping.
type Job struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Request    Request   `json:"request"`
	Attempts   int       `json:"attempts"`
	Exceptions []string  `json:"exceptions,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// RecordException notes kind and returns the number of distinct kinds seen so far.
func (j *Job) RecordException(kind string) int {
	for _, seen := range j.Exceptions {
		if seen == kind {
			return len(j.Exceptions)
		}
	}
	j.Exceptions = append(j.Exceptions, kind)
	return len(j.Exceptions)
}

// Status is the observable state of the job holding a key.
type Status struct {
	JobID     string
	State     State
	Attempts  int
	LastError string
	UpdatedAt time.Time
}
