package notify

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// Priority orders notifications for display emphasis only.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank is higher for more emphasis. Unknown priorities rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Notification is fetched from the server and only ever mutated by read
// toggles.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Category  string    `json:"category"`
	Priority  Priority  `json:"priority"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
	Link      string    `json:"link,omitempty"`
}

// SortByEmphasis orders unread before read, then by priority, then newest
// first. It sorts in place.
func SortByEmphasis(list []Notification) {
	slices.SortStableFunc(list, func(a, b Notification) int {
		if a.Read != b.Read {
			if !a.Read {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(b.Priority.Rank(), a.Priority.Rank()); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}

// QuietHours is a daily window given as "HH:MM" times of day. The window may
// wrap midnight.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// Validate checks both bounds parse as times of day.
func (q QuietHours) Validate() error {
	for _, v := range []string{q.Start, q.End} {
		if v == "" && !q.Enabled {
			continue
		}
		if _, err := time.Parse("15:04", v); err != nil {
			return fmt.Errorf("quiet hours %q: want HH:MM", v)
		}
	}
	return nil
}

// Contains reports whether the time of day of t falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, err1 := time.Parse("15:04", q.Start)
	end, err2 := time.Parse("15:04", q.End)
	if err1 != nil || err2 != nil {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()
	if s <= e {
		return m >= s && m < e
	}
	return m >= s || m < e
}

// Preferences mirrors the server-held notification settings.
type Preferences struct {
	Messages      bool       `json:"messages"`
	QuoteRequests bool       `json:"quoteRequests"`
	Bookings      bool       `json:"bookings"`
	Payments      bool       `json:"payments"`
	Reviews       bool       `json:"reviews"`
	System        bool       `json:"system"`
	QuietHours    QuietHours `json:"quietHours"`
}

// PreferencesPatch is a partial update. Nil fields are left unchanged.
type PreferencesPatch struct {
	Messages      *bool       `json:"messages,omitempty"`
	QuoteRequests *bool       `json:"quoteRequests,omitempty"`
	Bookings      *bool       `json:"bookings,omitempty"`
	Payments      *bool       `json:"payments,omitempty"`
	Reviews       *bool       `json:"reviews,omitempty"`
	System        *bool       `json:"system,omitempty"`
	QuietHours    *QuietHours `json:"quietHours,omitempty"`
}

// Apply returns p with patch applied.
func (p Preferences) Apply(patch PreferencesPatch) Preferences {
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&p.Messages, patch.Messages)
	set(&p.QuoteRequests, patch.QuoteRequests)
	set(&p.Bookings, patch.Bookings)
	set(&p.Payments, patch.Payments)
	set(&p.Reviews, patch.Reviews)
	set(&p.System, patch.System)
	if patch.QuietHours != nil {
		p.QuietHours = *patch.QuietHours
	}
	return p
}

// Category toggles by name, as used on the command line.
var categoryNames = []string{"messages", "quoteRequests", "bookings", "payments", "reviews", "system"}

// Categories lists the toggle names accepted by PatchFromMap.
func Categories() []string { return slices.Clone(categoryNames) }

// PatchFromMap builds a patch from category name to toggle value.
func PatchFromMap(m map[string]bool) (PreferencesPatch, error) {
	var p PreferencesPatch
	for k, v := range m {
		v := v
		switch k {
		case "messages":
			p.Messages = &v
		case "quoteRequests":
			p.QuoteRequests = &v
		case "bookings":
			p.Bookings = &v
		case "payments":
			p.Payments = &v
		case "reviews":
			p.Reviews = &v
		case "system":
			p.System = &v
		default:
			return PreferencesPatch{}, fmt.Errorf("unknown category %q", k)
		}
	}
	return p, nil
}

// UnreadEvent is the payload of bus.KindNotifyUnreadChanged.
type UnreadEvent struct {
	Count int
}
