// Package dateutil formats and caches the HTTP Date/Expires header values
// each worker attaches to its responses. Recomputing these on every
// request would mean a gettimeofday/strftime pair per response; instead
// each worker holds one cache and refreshes it only when the wall-clock
// second has actually changed.
package dateutil

import "time"

// rfc1123GMT is the wire format of an HTTP-date (RFC 7231 §7.1.1.1),
// always rendered in GMT.
const rfc1123GMT = "Mon, 02 Jan 2006 15:04:05 GMT"

// FormatRFCTime renders t in the fixed HTTP-date format.
func FormatRFCTime(t time.Time) string {
	return t.UTC().Format(rfc1123GMT)
}

// Cache holds the current Date and Expires header values for one worker,
// recomputed lazily on second boundaries.
type Cache struct {
	lastSecond    int64
	expiresOffset time.Duration
	Date          string
	Expires       string
}

// NewCache returns a cache whose Expires value is offset later than Date.
func NewCache(expiresOffset time.Duration) *Cache {
	c := &Cache{expiresOffset: expiresOffset, lastSecond: -1}
	c.Refresh(time.Now())
	return c
}

// Refresh updates Date and Expires if now falls in a different wall-clock
// second than the last refresh; otherwise it is a no-op.
func (c *Cache) Refresh(now time.Time) {
	sec := now.Unix()
	if sec == c.lastSecond {
		return
	}
	c.lastSecond = sec
	c.Date = FormatRFCTime(now)
	c.Expires = FormatRFCTime(now.Add(c.expiresOffset))
}
