// Package session persists and restores the login session through the
// local store. The token is written under both the current and legacy
// keys so older pages keep working; the profile snapshot lets a reload
// show the user without a network round trip.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"huaxuanbooks/pkg/domain"
	"huaxuanbooks/pkg/localstore"
)

const expiryLeeway = 30 * time.Second

// Session is the in-memory login state. A non-empty Token with a nil
// User is a degraded but valid state: profile resolution failed but
// read-only browsing still works.
type Session struct {
	Token string
	User  *domain.UserProfile
}

// Save writes the full session to the local store after login.
func Save(s localstore.Store, token string, user domain.UserProfile) error {
	if err := s.Set(localstore.KeyAuthToken, token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	if err := s.Set(localstore.KeyLegacyToken, token); err != nil {
		return fmt.Errorf("save legacy token: %w", err)
	}
	if err := SaveProfile(s, user); err != nil {
		return err
	}
	if err := s.Set(localstore.KeyIsLoggedIn, "true"); err != nil {
		return fmt.Errorf("save login flag: %w", err)
	}
	return nil
}

// SaveProfile mirrors the profile snapshot into the store. Called on
// every successful profile fetch or update, not only at login.
func SaveProfile(s localstore.Store, user domain.UserProfile) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := s.Set(localstore.KeyUserInfo, string(data)); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if err := s.Set(localstore.KeyUsername, user.Username); err != nil {
		return fmt.Errorf("save username: %w", err)
	}
	if err := s.Set(localstore.KeyUserEmail, user.Email); err != nil {
		return fmt.Errorf("save email: %w", err)
	}
	return nil
}

// Clear removes all session keys.
func Clear(s localstore.Store) error {
	return s.Delete(localstore.SessionKeys...)
}

// Restore rebuilds the session from the store at startup. A stored
// token that is a JWT with a past expiry is discarded up front instead
// of bouncing off the server with a 401.
func Restore(s localstore.Store) (Session, bool) {
	token := localstore.Token(s)
	if token == "" || token == "null" {
		return Session{}, false
	}
	if tokenExpired(token) {
		_ = Clear(s)
		return Session{}, false
	}
	sess := Session{Token: token}
	if user, ok := LoadProfile(s); ok {
		sess.User = &user
	}
	return sess, true
}

// LoadProfile reads the stored profile snapshot, if any.
func LoadProfile(s localstore.Store) (domain.UserProfile, bool) {
	raw, ok, err := s.Get(localstore.KeyUserInfo)
	if err != nil || !ok || raw == "" {
		return domain.UserProfile{}, false
	}
	var user domain.UserProfile
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return domain.UserProfile{}, false
	}
	if user.ID == 0 {
		return domain.UserProfile{}, false
	}
	return user, true
}

// tokenExpired inspects the exp claim without verifying the signature;
// verification is the server's job. Opaque non-JWT tokens pass through.
func tokenExpired(token string) bool {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().After(exp.Add(expiryLeeway))
}
