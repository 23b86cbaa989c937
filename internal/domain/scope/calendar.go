package scope

import (
	"time"
)

// DefaultAnchor is the period key of the `all` granularity and the earliest
// date navigation may reach.
var DefaultAnchor = Date(2018, time.January, 1)

// Calendar performs period arithmetic in one fixed time zone. Its bucket
// boundaries match Postgres date_trunc over `ts AT TIME ZONE <zone>`.
type Calendar struct {
	loc    *time.Location
	anchor time.Time
	now    func() time.Time
}

// NewCalendar returns a calendar for loc. A zero anchor uses DefaultAnchor.
func NewCalendar(loc *time.Location, anchor time.Time) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	if anchor.IsZero() {
		anchor = DefaultAnchor
	}
	return &Calendar{
		loc:    loc,
		anchor: Date(anchor.Year(), anchor.Month(), anchor.Day()),
		now:    time.Now,
	}
}

// WithClock returns a copy of the calendar that reads "now" from fn.
func (c *Calendar) WithClock(fn func() time.Time) *Calendar {
	cp := *c
	cp.now = fn
	return &cp
}

func (c *Calendar) Location() *time.Location { return c.loc }

func (c *Calendar) Anchor() time.Time { return c.anchor }

// Today is the current civil date in the calendar's zone.
func (c *Calendar) Today() time.Time {
	y, m, d := c.now().In(c.loc).Date()
	return Date(y, m, d)
}

// LocalDate converts an instant to its civil date in the calendar's zone.
func (c *Calendar) LocalDate(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return Date(y, m, d)
}

// HourOfDay returns the local hour (0-23) of an instant.
func (c *Calendar) HourOfDay(t time.Time) int {
	return t.In(c.loc).Hour()
}

// BucketStart returns the period key of the bucket that contains instant t.
func (c *Calendar) BucketStart(g Granularity, t time.Time) time.Time {
	return c.Truncate(g, c.LocalDate(t))
}

// Truncate maps a civil date onto the start of its bucket.
func (c *Calendar) Truncate(g Granularity, d time.Time) time.Time {
	y, m, day := d.Date()
	switch g {
	case All:
		return c.anchor
	case Year:
		return Date(y, time.January, 1)
	case Quarter:
		return Date(y, ((m-1)/3)*3+1, 1)
	case Month:
		return Date(y, m, 1)
	case Week:
		offset := (int(d.Weekday()) + 6) % 7
		return Date(y, m, day-offset)
	default:
		return Date(y, m, day)
	}
}

// Add moves a period key by n buckets without clamping.
func (c *Calendar) Add(g Granularity, key time.Time, n int) time.Time {
	key = c.Truncate(g, key)
	switch g {
	case All:
		return c.anchor
	case Year:
		return key.AddDate(n, 0, 0)
	case Quarter:
		return key.AddDate(0, 3*n, 0)
	case Month:
		return key.AddDate(0, n, 0)
	case Week:
		return key.AddDate(0, 0, 7*n)
	default:
		return key.AddDate(0, 0, n)
	}
}

// Previous returns the preceding period key, never earlier than the bucket
// containing the anchor.
func (c *Calendar) Previous(g Granularity, key time.Time) time.Time {
	prev := c.Add(g, key, -1)
	if lowest := c.Truncate(g, c.anchor); prev.Before(lowest) {
		return lowest
	}
	return prev
}

// Next returns the following period key, never later than the bucket
// containing today.
func (c *Calendar) Next(g Granularity, key time.Time) time.Time {
	next := c.Add(g, key, 1)
	if highest := c.Truncate(g, c.Today()); next.After(highest) {
		return highest
	}
	return next
}

// Clamp bounds a period key to [anchor bucket, today's bucket].
func (c *Calendar) Clamp(g Granularity, key time.Time) time.Time {
	key = c.Truncate(g, key)
	if lowest := c.Truncate(g, c.anchor); key.Before(lowest) {
		return lowest
	}
	if highest := c.Truncate(g, c.Today()); key.After(highest) {
		return highest
	}
	return key
}

// End returns the exclusive end date of a bucket.
func (c *Calendar) End(g Granularity, key time.Time) time.Time {
	if g == All {
		return c.Today().AddDate(0, 0, 1)
	}
	return c.Add(g, key, 1)
}

// SubPeriods lists the keys of granularity sub that start inside the bucket
// (g, key). For `all` it returns the single anchor key.
func (c *Calendar) SubPeriods(g Granularity, key time.Time, sub Granularity) []time.Time {
	if g == All || sub == All {
		return []time.Time{c.anchor}
	}
	start := c.Truncate(g, key)
	end := c.End(g, start)
	var keys []time.Time
	for k := c.Truncate(sub, start); k.Before(end); k = c.Add(sub, k, 1) {
		if k.Before(start) {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}
