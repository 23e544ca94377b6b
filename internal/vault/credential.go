// Package vault stores surface credentials behind interchangeable backends:
// an in-memory store for tests, a read-only environment scanner, and an
// encrypted file store (scrypt + AES-256-GCM).
package vault

import (
	"errors"
	"fmt"
	"time"
)

// Type discriminates the credential payload.
type Type string

const (
	TypeAPIKey           Type = "api_key"
	TypeBearerToken      Type = "bearer_token"
	TypeSessionCookie    Type = "session_cookie"
	TypeOAuthToken       Type = "oauth_token"
	TypeUsernamePassword Type = "username_password"
)

// IsValid reports whether t is a known credential type.
func (t Type) IsValid() bool {
	switch t {
	case TypeAPIKey, TypeBearerToken, TypeSessionCookie, TypeOAuthToken, TypeUsernamePassword:
		return true
	}
	return false
}

// Credential is a tagged union: the shared base plus the payload fields of
// its Type. Unused payload fields stay empty and are omitted on the wire.
type Credential struct {
	ID        string     `json:"id"`
	SurfaceID string     `json:"surfaceId"`
	Type      Type       `json:"type"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	IsActive  bool       `json:"isActive"`

	// api_key
	APIKey string `json:"apiKey,omitempty"`

	// bearer_token / oauth_token
	Token        string `json:"token,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`

	// session_cookie
	CookieName   string `json:"cookieName,omitempty"`
	CookieValue  string `json:"cookieValue,omitempty"`
	CookieDomain string `json:"cookieDomain,omitempty"`

	// username_password
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Active reports whether the credential may be handed out: it is flagged
// active and its expiry, when set, is in the future.
func (c Credential) Active(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// Validate checks that the payload matches the declared type.
func (c Credential) Validate() error {
	if c.ID == "" {
		return errors.New("credential: empty id")
	}
	if c.SurfaceID == "" {
		return errors.New("credential: empty surface id")
	}
	switch c.Type {
	case TypeAPIKey:
		if c.APIKey == "" {
			return errors.New("credential: api_key requires apiKey")
		}
	case TypeBearerToken, TypeOAuthToken:
		if c.Token == "" {
			return fmt.Errorf("credential: %s requires token", c.Type)
		}
	case TypeSessionCookie:
		if c.CookieName == "" || c.CookieValue == "" {
			return errors.New("credential: session_cookie requires cookieName and cookieValue")
		}
	case TypeUsernamePassword:
		if c.Username == "" || c.Password == "" {
			return errors.New("credential: username_password requires username and password")
		}
	default:
		return fmt.Errorf("credential: unknown type %q", c.Type)
	}
	return nil
}

// Backend is the operation set shared by all vault implementations.
type Backend interface {
	Store(c Credential) error
	Update(c Credential) error
	Delete(id string) error
	Get(id string) (Credential, bool)
	Exists(id string) bool
	List() []Credential
	ListByType(t Type) []Credential
	GetBySurface(surfaceID string) []Credential
	GetActiveBySurface(surfaceID string, now time.Time) []Credential
	Flush() error
	Reload() error
}

// ErrReadOnly is returned by backends that cannot accept writes.
var ErrReadOnly = errors.New("vault: backend is read-only")
