// Package undo keeps single-level restore snapshots for applied changes.
// One snapshot per (spreadsheet, sheet, range) key: a second apply to the
// same target overwrites the first, so undo always restores the state before
// the most recent change.
package undo

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNothingToUndo is returned when no snapshot matches the undo request,
// including the case where it was already consumed.
var ErrNothingToUndo = errors.New("nothing to undo")

// Snapshot is the pre-change state of a range. Unavailable marks targets
// whose prior values could not be read (chart insertions, read failures);
// undo for those reports the limitation instead of writing garbage back.
type Snapshot struct {
	ID            string     `json:"id"`
	SpreadsheetID string     `json:"spreadsheet_id"`
	SheetTitle    string     `json:"sheet_title"`
	Range         string     `json:"range"`
	Values        [][]string `json:"values,omitempty"`
	Unavailable   bool       `json:"unavailable,omitempty"`
	CapturedAt    time.Time  `json:"captured_at"`
}

// Ledger is an in-memory snapshot store keyed by spreadsheet, sheet and
// range. Safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
	now       func() time.Time
	newID     func() string
}

func NewLedger() *Ledger {
	return &Ledger{
		snapshots: make(map[string]Snapshot),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

func snapshotKey(spreadsheetID, sheetTitle, rangeA1 string) string {
	return spreadsheetID + ":" + sheetTitle + ":" + rangeA1
}

// Record stores the pre-change state for a target, overwriting any earlier
// snapshot for the same key, and returns the stored snapshot.
func (l *Ledger) Record(spreadsheetID, sheetTitle, rangeA1 string, values [][]string, unavailable bool) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := Snapshot{
		ID:            l.newID(),
		SpreadsheetID: spreadsheetID,
		SheetTitle:    sheetTitle,
		Range:         rangeA1,
		Values:        values,
		Unavailable:   unavailable,
		CapturedAt:    l.now(),
	}
	l.snapshots[snapshotKey(spreadsheetID, sheetTitle, rangeA1)] = snapshot
	return snapshot
}

// Take removes and returns the snapshot to restore. With a range the lookup
// is exact; without one it picks the newest snapshot for the sheet. The
// snapshot is consumed either way, so a second undo of the same change
// reports ErrNothingToUndo.
func (l *Ledger) Take(spreadsheetID, sheetTitle, rangeA1 string) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rangeA1 != "" {
		key := snapshotKey(spreadsheetID, sheetTitle, rangeA1)
		snapshot, ok := l.snapshots[key]
		if !ok {
			return Snapshot{}, ErrNothingToUndo
		}
		delete(l.snapshots, key)
		return snapshot, nil
	}
	prefix := spreadsheetID + ":" + sheetTitle + ":"
	var (
		newestKey string
		newest    Snapshot
		found     bool
	)
	for key, snapshot := range l.snapshots {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !found || snapshot.CapturedAt.After(newest.CapturedAt) {
			newestKey = key
			newest = snapshot
			found = true
		}
	}
	if !found {
		return Snapshot{}, ErrNothingToUndo
	}
	delete(l.snapshots, newestKey)
	return newest, nil
}

// Peek reports whether a snapshot exists for the sheet without consuming it.
func (l *Ledger) Peek(spreadsheetID, sheetTitle string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix := spreadsheetID + ":" + sheetTitle + ":"
	for key := range l.snapshots {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
