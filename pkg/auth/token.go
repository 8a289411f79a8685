// Package auth inspects the bearer credential the client is handed. It
// never issues or refreshes credentials.
package auth

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmpty   = errors.New("credential is empty")
	ErrExpired = errors.New("credential expired")
)

type Credential struct {
	Token     string
	UserID    string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// Parse inspects token without verifying its signature; verification is
// the server's job. Opaque (non-JWT) tokens are accepted as-is.
func Parse(token string) (*Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrEmpty
	}

	cred := &Credential{Token: token}
	if strings.Count(token, ".") != 2 {
		return cred, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parsing credential: %w", err)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		cred.ExpiresAt = exp.Time
	}
	if sub, err := claims.GetSubject(); err == nil {
		cred.UserID = sub
	}
	if cred.UserID == "" {
		if uid, ok := claims["userId"].(string); ok {
			cred.UserID = uid
		}
	}
	return cred, nil
}

// Check returns ErrExpired when the credential's exp claim is not after now.
func (c *Credential) Check(now time.Time) error {
	if c == nil || c.Token == "" {
		return ErrEmpty
	}
	if !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
		return fmt.Errorf("%w at %s", ErrExpired, c.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// LoginPasteToken reads a token pasted on r, for CLI use.
func LoginPasteToken(server string, w io.Writer, r io.Reader) (*Credential, error) {
	fmt.Fprintf(w, "Paste your session token for %s:\n", server)
	fmt.Fprint(w, "> ")

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading token: %w", err)
		}
		return nil, errors.New("no input received")
	}

	return Parse(scanner.Text())
}

// AuthError reports that the server refused the credential. It is surfaced
// to the caller for credential refresh and never retried.
type AuthError struct {
	Status  int
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("authentication rejected (status %d)", e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }
