package auth

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenData is the bearer credential currently held by a Manager.
type TokenData struct {
	AccessToken    string    `json:"-"`
	RefreshToken   string    `json:"-"`
	ExpiresAt      time.Time `json:"expiresAt"`
	UserID         string    `json:"userId"`
	OrganizationID string    `json:"organizationId,omitempty"`
	TenantID       string    `json:"tenantId,omitempty"`
}

// fallbackLifetime applies when an access token carries no readable exp claim.
const fallbackLifetime = time.Hour

// expiryBuffer is subtracted from ExpiresAt when deciding whether a token is
// still usable.
const expiryBuffer = 10 * time.Second

// tokenExpiry reads the exp claim of a JWT-shaped token without verifying its
// signature. ok is false when the token is malformed or has no exp.
func tokenExpiry(tok string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return time.Time{}, false
	}
	nd, err := claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time, true
}

// identifier accepts ids encoded as JSON strings or numbers.
type identifier string

func (id *identifier) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = identifier(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*id = identifier(strconv.FormatInt(i, 10))
		return nil
	}
	*id = identifier(n.String())
	return nil
}

type userInfo struct {
	ID             identifier `json:"id"`
	OrganizationID identifier `json:"organization_id"`
	TenantID       identifier `json:"tenant_id"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token"`
	User         *userInfo `json:"user"`
}

// meResponse accepts both a bare user object and one wrapped in "user".
type meResponse struct {
	userInfo
	User *userInfo `json:"user"`
}

func (r meResponse) info() userInfo {
	if r.User != nil {
		return *r.User
	}
	return r.userInfo
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}
