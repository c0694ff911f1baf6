package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

// TokenTypeAccess is the only type issued; Verify still checks the claim so
// tokens minted for other purposes with the same secret are refused.
const TokenTypeAccess TokenType = "access"

// Claims are the only supported JWT claims shape for this service.
// OrganizationID scopes every run a token can see; super_admin may read
// across organizations, which is enforced server-side, never by claims.
type Claims struct {
	jwt.RegisteredClaims

	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	Role           string    `json:"role"`
	TokenType      TokenType `json:"token_type"`
}

// Identity returns the caller identity carried by the token.
func (c *Claims) Identity() Identity {
	return Identity{UserID: c.UserID, OrganizationID: c.OrganizationID, Role: c.Role}
}
