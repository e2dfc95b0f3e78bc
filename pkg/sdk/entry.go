package sdk

import "time"

// Entry is a single cached value with its expiry metadata.
type Entry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	TTL       int       `json:"ttl"`
}

// Expired reports whether e is logically expired at now.
// An entry expires strictly after CreatedAt+TTL; Forever never expires.
func (e Entry) Expired(now time.Time) bool {
	if e.TTL == Forever {
		return false
	}
	return now.After(e.CreatedAt.Add(time.Duration(e.TTL) * time.Second))
}

// Clock supplies the current time to stores and sessions.
type Clock func() time.Time

// Now returns c() or time.Now when c is nil.
func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}
