package orgs

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	DefaultConcurrentCallLimit = 20
	DefaultTimezone            = "America/New_York"
)

// Organization is the tenant that owns campaigns, runs and rows.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Phone is the outbound caller id.
	Phone string `json:"phone,omitempty"`

	// ConcurrentCallLimit caps rows in calling across all runs of the organization.
	ConcurrentCallLimit int `json:"concurrent_call_limit"`

	Timezone    string      `json:"timezone"`
	OfficeHours OfficeHours `json:"office_hours,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Limit returns the effective concurrent call limit.
func (o Organization) Limit() int {
	if o.ConcurrentCallLimit <= 0 {
		return DefaultConcurrentCallLimit
	}
	return o.ConcurrentCallLimit
}

func (o Organization) Location() *time.Location {
	tz := o.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// WithinOfficeHours reports whether calls may be placed at now.
// An organization without office hours is always open.
func (o Organization) WithinOfficeHours(now time.Time) bool {
	if len(o.OfficeHours) == 0 {
		return true
	}
	return o.OfficeHours.Open(now.In(o.Location()))
}

// Window is an HH:MM opening window in the organization's local time.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// OfficeHours maps lowercase weekday names to their window. A missing or null
// day is closed.
type OfficeHours map[string]*Window

var ErrInvalidOfficeHours = errors.New("orgs: invalid office hours")

func (h OfficeHours) Validate() error {
	for day, w := range h {
		if _, ok := weekdays[day]; !ok {
			return fmt.Errorf("%w: unknown day %q", ErrInvalidOfficeHours, day)
		}
		if w == nil {
			continue
		}
		start, err := parseClock(w.Start)
		if err != nil {
			return fmt.Errorf("%w: %s start: %v", ErrInvalidOfficeHours, day, err)
		}
		end, err := parseClock(w.End)
		if err != nil {
			return fmt.Errorf("%w: %s end: %v", ErrInvalidOfficeHours, day, err)
		}
		if end <= start {
			return fmt.Errorf("%w: %s ends before it starts", ErrInvalidOfficeHours, day)
		}
	}
	return nil
}

// Open reports whether local falls inside the window of its weekday.
// local must already be in the organization's timezone.
func (h OfficeHours) Open(local time.Time) bool {
	w := h[strings.ToLower(local.Weekday().String())]
	if w == nil {
		return false
	}
	start, err := parseClock(w.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= start && minute < end
}

var weekdays = map[string]struct{}{
	"monday": {}, "tuesday": {}, "wednesday": {}, "thursday": {},
	"friday": {}, "saturday": {}, "sunday": {},
}

// parseClock returns minutes since midnight for an HH:MM string.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
