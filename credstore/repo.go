// Package credstore provides the durable key/value storage the client
// core persists state into. Storage is split into two partitions: a
// secure partition for token material and a plain partition for
// non-sensitive metadata such as the session list.
package credstore

import "errors"

var (
	ErrNotFound   = errors.New("key not found")
	ErrSealFailed = errors.New("unable to decrypt stored value")
)

// Logical storage keys. Per-account values are namespaced with
// ScopedKey.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyActiveUserID = "activeUserId"
	KeySessionList  = "sessionList"
)

// ScopedKey namespaces a key to one account, so multiple accounts can
// keep credentials side by side.
func ScopedKey(userID, key string) string {
	return userID + ":" + key
}

// Repo is one storage partition.
type Repo interface {
	// Get retrieves a value, or ErrNotFound.
	Get(key string) (string, error)

	// Set creates or updates a value.
	Set(key, value string) error

	// Delete removes a value. Deleting an absent key is not an error.
	Delete(key string) error
}

// Store is the two-partition durable store. Values written to the
// secure partition must not be readable by other processes on the
// device; plain values may use ordinary storage.
type Store interface {
	Secure() Repo
	Plain() Repo
}
