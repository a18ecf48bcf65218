// Package sessions manages the set of known accounts and which one is
// active. Exactly one session is active at a time; switching atomically
// swaps credentials and clears account-scoped cache state.
package sessions

import "time"

// Profile is the denormalized display snapshot of one account. The
// session ID is the source of truth; the profile is a derived view,
// refreshed whenever fresh account data is fetched.
type Profile struct {
	Username  string `json:"username"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

// Session is one known account.
type Session struct {
	ID          string    `json:"id"`
	Profile     Profile   `json:"profile"`
	LastRefresh time.Time `json:"lastRefresh"`
}
