package ledger

import (
	"time"

	"github.com/cassiomorais/coursepay/internal/domain/session"
)

// Status is the terminal outcome recorded by the platform ledger.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry is the platform's durable record of a session outcome. It is owned by
// the backend and read-only here.
type Entry struct {
	ID          string
	SessionID   string
	UserID      string
	CourseID    string
	CourseTitle string
	Provider    session.Provider
	Amount      session.Money
	Status      Status
	CreatedAt   time.Time
}

// Filter selects entries by terminal status. The zero value matches everything.
type Filter struct {
	Status Status
}

// ParseFilter accepts "", "all", "completed" or "failed".
func ParseFilter(s string) (Filter, bool) {
	switch s {
	case "", "all":
		return Filter{}, true
	case string(StatusCompleted):
		return Filter{Status: StatusCompleted}, true
	case string(StatusFailed):
		return Filter{Status: StatusFailed}, true
	default:
		return Filter{}, false
	}
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e Entry) bool {
	return f.Status == "" || e.Status == f.Status
}

// View holds one fetch of a user's history. Filtering never goes back to the backend.
type View struct {
	UserID    string
	FetchedAt time.Time
	entries   []Entry
}

// NewView copies entries so callers cannot mutate the snapshot.
func NewView(userID string, entries []Entry) *View {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return &View{UserID: userID, FetchedAt: time.Now().UTC(), entries: cp}
}

// Filter returns the matching entries in the order the backend returned them.
func (v *View) Filter(f Filter) []Entry {
	out := make([]Entry, 0, len(v.entries))
	for _, e := range v.entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries in the snapshot.
func (v *View) Len() int { return len(v.entries) }
