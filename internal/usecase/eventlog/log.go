// Package eventlog keeps a bounded, in-memory history of gateway events.
//
// The log is a drop-oldest ring: once capacity is reached, appending a new
// event discards the oldest one. Alongside the history it tracks per-event
// sequence numbers so gaps in the gateway's seq stream are detected and
// counted, which is the first signal that events were missed while the
// connection was down.
package eventlog

import (
	"context"
	"log/slog"
	"sync"

	"clawdeck/internal/domain"
)

const defaultCapacity = 512

// Log is a thread-safe, bounded event history that drops old entries
// when the capacity is exceeded.
type Log struct {
	mu       sync.Mutex
	events   []domain.Event
	max      int
	appended int64 // total events ever appended (including dropped)

	// lastSeq remembers the highest sequence number seen per event name.
	// A jump of more than one counts as a gap; a decrease means the
	// gateway restarted its stream and is not a gap.
	lastSeq map[domain.EventType]int64
	gaps    int64

	logger *slog.Logger
}

// New creates a Log holding at most capacity events. A capacity of zero
// or less falls back to the default.
func New(capacity int, logger *slog.Logger) *Log {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		events:  make([]domain.Event, 0, min(capacity, 64)),
		max:     capacity,
		lastSeq: make(map[domain.EventType]int64),
		logger:  logger,
	}
}

// Append records an event, evicting the oldest entries if the log is full.
func (l *Log) Append(e domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.noteSeqLocked(e)

	l.events = append(l.events, e)
	l.appended++
	if len(l.events) > l.max {
		l.events = l.events[len(l.events)-l.max:]
	}
}

// noteSeqLocked updates gap accounting for the event's sequence number.
// Events without a sequence (seq <= 0) are ignored.
func (l *Log) noteSeqLocked(e domain.Event) {
	if e.Seq <= 0 {
		return
	}
	last, seen := l.lastSeq[e.Name]
	if seen {
		switch {
		case e.Seq > last+1:
			missed := e.Seq - last - 1
			l.gaps += missed
			l.logger.Warn("sequence gap in event stream",
				"event", string(e.Name),
				"last_seq", last,
				"seq", e.Seq,
				"missed", missed)
		case e.Seq <= last:
			// Stream restarted, typically after a reconnect.
			l.logger.Debug("event sequence restarted",
				"event", string(e.Name),
				"last_seq", last,
				"seq", e.Seq)
		}
	}
	l.lastSeq[e.Name] = e.Seq
}

// Snapshot returns a copy of the current history, oldest first.
func (l *Log) Snapshot() []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.Event, len(l.events))
	copy(out, l.events)
	return out
}

// Since returns the events recorded after the entry with the given receipt
// ID, oldest first. If the receipt is unknown (never seen, or already
// evicted) the full history is returned so the caller misses nothing.
func (l *Log) Since(receiptID string) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].ReceiptID == receiptID {
			out := make([]domain.Event, len(l.events)-i-1)
			copy(out, l.events[i+1:])
			return out
		}
	}
	out := make([]domain.Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of events currently held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// TotalAppended returns the total number of events ever appended,
// including entries that have been dropped due to overflow.
func (l *Log) TotalAppended() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appended
}

// Gaps returns the cumulative count of sequence numbers that were skipped.
func (l *Log) Gaps() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gaps
}

// Handler adapts the log to a bus subscriber.
func (l *Log) Handler() domain.EventHandler {
	return func(_ context.Context, e domain.Event) {
		l.Append(e)
	}
}
