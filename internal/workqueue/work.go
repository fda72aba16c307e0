package workqueue

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"docstore/internal/storeerr"
)

// State is the state of a work instance
type State string

const (
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCanceled  State = "canceled"
	// StateSuspended names the suspended list of a queue. Suspended work
	// keeps the scheduled state code.
	StateSuspended State = "suspended"
)

// ParseState parses a state name; the empty string parses as the empty
// State, meaning scheduled or running
func ParseState(s string) (State, error) {
	switch st := State(strings.ToLower(s)); st {
	case "", StateScheduled, StateRunning, StateCompleted, StateCanceled, StateSuspended:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown work state %q", storeerr.ErrInvalidArgument, s)
}

// State codes stored in the state hash. Completed is followed by the
// completion time in Unix milliseconds.
const (
	codeScheduled = 'Q'
	codeRunning   = 'R'
	codeCompleted = 'C'
	codeCanceled  = 'X'
)

func completedCode(t time.Time) string {
	return string(rune(codeCompleted)) + strconv.FormatInt(t.UnixMilli(), 10)
}

// decodeState returns the state of a code and, for completed work, its
// completion time
func decodeState(code string) (State, time.Time, error) {
	if code == "" {
		return "", time.Time{}, nil
	}
	switch code[0] {
	case codeScheduled:
		return StateScheduled, time.Time{}, nil
	case codeRunning:
		return StateRunning, time.Time{}, nil
	case codeCanceled:
		return StateCanceled, time.Time{}, nil
	case codeCompleted:
		if len(code) == 1 {
			return StateCompleted, time.Time{}, nil
		}
		ms, err := strconv.ParseInt(code[1:], 10, 64)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("bad completion time in state %q: %w", code, err)
		}
		return StateCompleted, time.UnixMilli(ms).UTC(), nil
	}
	return "", time.Time{}, fmt.Errorf("unknown work state code %q", code)
}

// Work is a unit of background processing
type Work struct {
	ID       string            `json:"id"`
	Category string            `json:"category"`
	Title    string            `json:"title,omitempty"`
	Params   map[string]string `json:"params,omitempty"`

	SchedulingTime time.Time `json:"schedulingTime"`
	StartTime      time.Time `json:"startTime"`
	CompletionTime time.Time `json:"completionTime"`
	State          State     `json:"state"`
	// Error is the message of the last failure of the runner
	Error string `json:"error,omitempty"`
}

// NewWork returns a work instance with a fresh id
func NewWork(category, title string, params map[string]string) *Work {
	return &Work{
		ID:       uuid.NewString(),
		Category: category,
		Title:    title,
		Params:   params,
	}
}

func (w *Work) String() string {
	return fmt.Sprintf("%s(%s, %s)", w.Category, w.ID, w.State)
}

func encodeWork(w *Work) (string, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("failed to encode work %s: %w", w.ID, err)
	}
	return string(data), nil
}

func decodeWork(data string) (*Work, error) {
	w := &Work{}
	if err := json.Unmarshal([]byte(data), w); err != nil {
		return nil, fmt.Errorf("failed to decode work: %w", err)
	}
	return w, nil
}
