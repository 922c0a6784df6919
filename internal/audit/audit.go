package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Phases an audit record can belong to.
const (
	PhaseProbe    = "probe"
	PhaseBuild    = "build"
	PhaseDeploy   = "deploy"
	PhaseGuardian = "guardian"
	PhaseMemory   = "memory"
	PhaseAdmin    = "admin"
)

// Record is one append-only audit event.
type Record struct {
	ID        string         `json:"id"`
	Phase     string         `json:"phase"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewRecord stamps a record with an ID and the current time.
func NewRecord(phase, action string, details map[string]any) Record {
	return Record{
		ID:        uuid.New().String(),
		Phase:     phase,
		Action:    action,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// Sink receives audit records. Append must not block the caller for long and
// must be safe for concurrent use.
type Sink interface {
	Append(r Record)
}

// Nop discards records.
type Nop struct{}

func (Nop) Append(Record) {}

// Fanout delivers each record to every sink. A sink that panics is logged and
// skipped.
type Fanout []Sink

func (f Fanout) Append(r Record) {
	for _, s := range f {
		appendSafely(s, r)
	}
}

func appendSafely(s Sink, r Record) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("action", r.Action).Msg("audit sink panicked")
		}
	}()
	s.Append(r)
}

// History keeps the most recent records in a fixed-size ring.
type History struct {
	mu    sync.RWMutex
	buf   []Record
	next  int
	count int
}

func NewHistory(size int) *History {
	if size < 1 {
		size = 500
	}
	return &History{buf: make([]Record, size)}
}

func (h *History) Append(r Record) {
	h.mu.Lock()
	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
	h.mu.Unlock()
}

// Recent returns up to limit records, newest first. A limit <= 0 returns
// everything held.
func (h *History) Recent(limit int) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 || limit > h.count {
		limit = h.count
	}
	out := make([]Record, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (h.next - 1 - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
