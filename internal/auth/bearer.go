// Package auth extracts caller credentials from gateway requests.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ActorHeader names the caller once the bearer token is accepted.
const ActorHeader = "X-Actor-Id"

// Anonymous is the actor recorded when a request names none.
const Anonymous = "anonymous"

var (
	ErrMissing   = errors.New("authorization required")
	ErrMalformed = errors.New("authorization must be a bearer token")
	ErrRejected  = errors.New("bearer token rejected")
)

// Credentials are what a request presents: a bearer token and the actor it
// acts for.
type Credentials struct {
	Token string
	Actor string
}

// FromRequest reads the Authorization bearer token (scheme matched
// case-insensitively) and the actor header. A missing header is ErrMissing;
// the actor is still filled in.
func FromRequest(r *http.Request) (Credentials, error) {
	creds := Credentials{Actor: strings.TrimSpace(r.Header.Get(ActorHeader))}
	if creds.Actor == "" {
		creds.Actor = Anonymous
	}
	hdr := strings.TrimSpace(r.Header.Get("Authorization"))
	if hdr == "" {
		return creds, ErrMissing
	}
	scheme, token, ok := strings.Cut(hdr, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return creds, ErrMalformed
	}
	creds.Token = token
	return creds, nil
}

// Verify compares the presented token with want in constant time.
func (c Credentials) Verify(want string) error {
	if c.Token == "" || subtle.ConstantTimeCompare([]byte(c.Token), []byte(want)) != 1 {
		return ErrRejected
	}
	return nil
}
