package domain

import "time"

// AdminKey authorizes calls to the administrative API. Only the hash of the
// token is stored.
type AdminKey struct {
	TokenHash string
	Name      string
	Active    bool
	CreatedAt time.Time
}
