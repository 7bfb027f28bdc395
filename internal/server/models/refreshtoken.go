package models

import "time"

// RefreshToken is one long-lived session credential. RevokedAt is never
// cleared once set and ReplacedByToken is set only when the token is rotated.
type RefreshToken struct {
	ID              string     `json:"id"`
	Seq             int64      `json:"seq"`
	UserID          string     `json:"user_id"`
	Token           string     `json:"token"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	CreatedByIP     *string    `json:"created_by_ip,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	RevokedByIP     *string    `json:"revoked_by_ip,omitempty"`
	ReplacedByToken *string    `json:"replaced_by_token,omitempty"`
}

func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

func (t *RefreshToken) IsActive(now time.Time) bool {
	return t.RevokedAt == nil && !t.IsExpired(now)
}

// Clone returns a deep copy so in-memory stores never hand out shared pointers.
func (t *RefreshToken) Clone() *RefreshToken {
	c := *t
	c.CreatedByIP = cloneString(t.CreatedByIP)
	c.RevokedByIP = cloneString(t.RevokedByIP)
	c.ReplacedByToken = cloneString(t.ReplacedByToken)
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		c.RevokedAt = &at
	}
	return &c
}

// OptionalString maps "" to nil, for nullable ip columns.
func OptionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
