package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Entry event types.
const (
	EventSignal     = "signal"
	EventRiskCheck  = "risk_check"
	EventExecution  = "execution"
	EventSettlement = "settlement"
	EventConfig     = "config"
)

// Entry is one step of a decision chain. All entries written while handling
// a single engine operation share its TraceID.
type Entry struct {
	TraceID   string    `json:"trace_id"`
	EventType string    `json:"event_type"` // signal|risk_check|execution|settlement|config
	Timestamp time.Time `json:"ts"`
	UserID    string    `json:"user_id,omitempty"`
	Network   string    `json:"network,omitempty"`
	Token     string    `json:"token,omitempty"`
	Decision  string    `json:"decision,omitempty"`
	Payload   string    `json:"payload"` // JSON of the full event
}

// Trail keeps the most recent entries in memory (capped at maxBuf, oldest
// evicted first) and mirrors each one to the structured log.
type Trail struct {
	mu      sync.Mutex
	entries []Entry
	maxBuf  int
}

// NewTrail creates a trail. A maxBuf of 0 disables buffering: entries are
// only logged.
func NewTrail(maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Trail{
		entries: make([]Entry, 0, maxBuf),
		maxBuf:  maxBuf,
	}
}

// NewTraceID returns a fresh trace ID.
func NewTraceID() string {
	return uuid.NewString()
}

// Record appends an entry. payload is marshalled to JSON.
func (t *Trail) Record(traceID, eventType string, scope Scope, decision string, payload any) {
	if t == nil {
		return
	}
	t.record(Entry{
		TraceID:   traceID,
		EventType: eventType,
		Timestamp: time.Now(),
		UserID:    scope.UserID,
		Network:   scope.Network,
		Token:     scope.Token,
		Decision:  decision,
		Payload:   mustMarshal(payload),
	})
}

// Scope identifies what an entry is about.
type Scope struct {
	UserID  string
	Network string
	Token   string
}

// Query returns all buffered entries for a trace ID, oldest first.
func (t *Trail) Query(traceID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	for _, e := range t.entries {
		if e.TraceID == traceID {
			result = append(result, e)
		}
	}
	return result
}

// ByUser returns up to limit of a user's most recent entries, newest first.
func (t *Trail) ByUser(userID string, limit int) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].UserID != userID {
			continue
		}
		result = append(result, t.entries[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result
}

// Entries returns a copy of the buffer.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Entry, len(t.entries))
	copy(result, t.entries)
	return result
}

func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Trail) record(entry Entry) {
	t.mu.Lock()
	if t.maxBuf > 0 {
		if len(t.entries) >= t.maxBuf {
			copy(t.entries, t.entries[1:])
			t.entries[len(t.entries)-1] = entry
		} else {
			t.entries = append(t.entries, entry)
		}
	}
	t.mu.Unlock()

	log.Debug().
		Str("trace_id", entry.TraceID).
		Str("event_type", entry.EventType).
		Str("user", entry.UserID).
		Str("token", entry.Token).
		Str("decision", entry.Decision).
		RawJSON("payload", []byte(entry.Payload)).
		Msg("audit: entry")
}

// mustMarshal marshals v to JSON, returning "{}" on error.
func mustMarshal(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("audit: marshal payload")
		return "{}"
	}
	return string(data)
}
