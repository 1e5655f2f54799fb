package domain

import "time"

// Account represents a configured GitLab account
type Account struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	InstanceURL string    `json:"instance_url"`
	Username    string    `json:"username"`
	AvatarURL   string    `json:"avatar_url"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AccountInput carries the data needed to register a new account
type AccountInput struct {
	Name        string `json:"name"`
	InstanceURL string `json:"instance_url"`
	Token       string `json:"token"`
}

// User represents a GitLab user as returned by the API
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	WebURL    string `json:"web_url,omitempty"`
}

// UserRef identifies a user either explicitly or as "whoever the token belongs to".
// The zero value is not valid; use Explicit or CurrentUser.
type UserRef struct {
	id      int64
	current bool
}

// Explicit refers to a concrete user ID.
func Explicit(id int64) UserRef { return UserRef{id: id} }

// CurrentUser refers to the authenticated user of the account.
func CurrentUser() UserRef { return UserRef{current: true} }

// IsCurrentUser reports whether the reference must be resolved against the account.
func (r UserRef) IsCurrentUser() bool { return r.current }

// ID returns the explicit user ID. It is 0 for CurrentUser references.
func (r UserRef) ID() int64 { return r.id }
