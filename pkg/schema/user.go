// Package schema defines data structures shared by celerix binaries and plugins.
package schema

import "time"

// User is the identity stored in a session under CurrentUserKey.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	Roles       []string  `json:"roles"`
	LoginAt     time.Time `json:"login_at"`
}

// CurrentUserKey is the session field holding the authenticated User.
const CurrentUserKey = "current_user"

// AccessRecord is one finished request as reported by the access log plugin.
type AccessRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	Target    string        `json:"target"`
	Method    string        `json:"method"`
	Path      string        `json:"path"`
	Status    int           `json:"status"`
	Elapsed   time.Duration `json:"elapsed"`
	Actor     string        `json:"actor,omitempty"`
}
