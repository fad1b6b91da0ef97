// Package credentials manages the access credential used to authenticate
// against the artifact store: a file-backed secret store for persistence
// across invocations, and a Manager that refreshes the access token before
// it expires. The package owns no network transport; the HTTP refresh
// exchange is injected by the caller.
package credentials

import (
	"time"
)

// Credential is an access credential for the artifact store.
type Credential struct {
	// AccessToken is the bearer token attached to authenticated requests.
	AccessToken string `json:"access_token"`

	// RefreshToken is the opaque token exchanged for a new access token.
	// Empty for static API keys, which never expire client-side.
	RefreshToken string `json:"refresh_token,omitempty"`

	// Expiry is when the access token stops being accepted. Zero means
	// the token does not expire (static API key).
	Expiry time.Time `json:"expiry,omitempty"`
}

// Static reports whether the credential is a non-expiring API key.
func (c *Credential) Static() bool {
	return c.Expiry.IsZero() && c.RefreshToken == ""
}

// ValidAt reports whether the access token is still usable at the given
// time, keeping the safety margin before the actual expiry.
func (c *Credential) ValidAt(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	if c.Expiry.IsZero() {
		return true
	}
	return now.Add(margin).Before(c.Expiry)
}
