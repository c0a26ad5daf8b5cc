package server

import (
	"net/url"
	"time"
)

// PermissionLevel orders the roles a user can hold. Higher levels include
// every capability of the levels below them.
type PermissionLevel int

const (
	LevelUser PermissionLevel = iota
	LevelBilling
	LevelAdmin
)

// ParsePermissionLevel maps the permission_level token claim to a level.
// Unknown values degrade to the lowest level.
func ParsePermissionLevel(s string) PermissionLevel {
	switch s {
	case "admin":
		return LevelAdmin
	case "billing":
		return LevelBilling
	default:
		return LevelUser
	}
}

func (l PermissionLevel) String() string {
	switch l {
	case LevelAdmin:
		return "admin"
	case LevelBilling:
		return "billing"
	default:
		return "user"
	}
}

// ServiceEntry describes one backend service from the registry document.
type ServiceEntry struct {
	Name    string
	Origin  *url.URL
	Visible bool
	// MinRole is the lowest permission level allowed to reach the service.
	MinRole PermissionLevel
}

// UserClaims is the per-request view of a validated bearer token. It is
// reconstructed on every request and never persisted.
type UserClaims struct {
	Subject   string
	Email     string
	Name      string
	Level     PermissionLevel
	ExpiresAt time.Time
	TokenID   string
}

// SessionState is the decrypted payload of the browser session cookie.
// Version gates payload evolution: cookies written by an older format are
// discarded rather than misread.
type SessionState struct {
	Version int `json:"v"`
	// Token is the gateway JWT minted by the auth service, or empty.
	Token string `json:"token,omitempty"`
	// OAuthState is present only while an authorization-code flow is in
	// flight; it is consumed at /auth-callback.
	OAuthState string `json:"oauth_state,omitempty"`
	// Target is the path+query the user asked for before being sent to
	// /login.
	Target string `json:"target,omitempty"`
}

// Authenticated reports whether the session carries a token.
func (s SessionState) Authenticated() bool { return s.Token != "" }
