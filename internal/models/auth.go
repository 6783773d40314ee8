package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims represents the JWT payload for access tokens issued by the identity provider.
type JWTClaims struct {
	UserID   string     `json:"user_id"`
	Role     UserRole   `json:"role"`
	Roles    []UserRole `json:"roles,omitempty"`
	Email    string     `json:"email,omitempty"`
	FullName string     `json:"full_name,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims grant role, either as primary or additional role.
func (c *JWTClaims) HasRole(role UserRole) bool {
	if c == nil {
		return false
	}
	if c.Role == role {
		return true
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Actor is the authenticated caller acting in exactly one role for a request.
type Actor struct {
	ID   string   `json:"id"`
	Role UserRole `json:"role"`
}
