// Package history keeps a bounded in-memory log of applied changes,
// newest-first. The log is advisory: it feeds the history listing, not undo.
package history

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultLimit = 100

// Entry describes one applied change.
type Entry struct {
	ID            string    `json:"id"`
	AppliedAt     time.Time `json:"applied_at"`
	SpreadsheetID string    `json:"spreadsheet_id"`
	SheetTitle    string    `json:"sheet_title"`
	Prompt        string    `json:"prompt,omitempty"`
	ActionKind    string    `json:"action"`
	Range         string    `json:"range,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	Undone        bool      `json:"undone,omitempty"`
}

// Log is a bounded newest-first list. When full, appending evicts the oldest
// entry. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
	now     func() time.Time
	newID   func() string
}

func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Log{
		limit: limit,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Append records an applied change and returns the stored entry.
func (l *Log) Append(entry Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.ID = l.newID()
	entry.AppliedAt = l.now()
	l.entries = append([]Entry{entry}, l.entries...)
	if len(l.entries) > l.limit {
		l.entries = l.entries[:l.limit]
	}
	return entry
}

// List returns up to max entries, newest first. max <= 0 means all retained.
func (l *Log) List(max int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.entries)
	if max > 0 && max < n {
		n = max
	}
	out := make([]Entry, n)
	copy(out, l.entries[:n])
	return out
}

// MarkUndone flags the newest matching entry after a successful undo.
func (l *Log) MarkUndone(spreadsheetID, sheetTitle, rangeA1 string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		e := &l.entries[i]
		if e.Undone || e.SpreadsheetID != spreadsheetID || e.SheetTitle != sheetTitle {
			continue
		}
		if rangeA1 != "" && e.Range != rangeA1 {
			continue
		}
		e.Undone = true
		return
	}
}
