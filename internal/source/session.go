// Package source reads coursework from the upstream portals and normalizes it
// into models.CommonAssignment records.
package source

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrNotAuthenticated indicates the portal rejected or lacks the session cookie.
var ErrNotAuthenticated = errors.New("portal session is not authenticated")

// Session carries the captured browser cookies for one student.
type Session struct {
	ID              string
	QuercusCookie   string
	CrowdmarkCookie string
}

// NewSession builds a session. An empty id is derived from the cookies so that the
// same browser state always lands in the same enrichment session.
func NewSession(id, quercusCookie, crowdmarkCookie string) Session {
	session := Session{
		ID:              strings.TrimSpace(id),
		QuercusCookie:   strings.TrimSpace(quercusCookie),
		CrowdmarkCookie: strings.TrimSpace(crowdmarkCookie),
	}
	if session.ID == "" && !session.Anonymous() {
		sum := sha256.Sum256([]byte(session.QuercusCookie + "\x00" + session.CrowdmarkCookie))
		session.ID = "cookie:" + hex.EncodeToString(sum[:16])
	}

	return session
}

// Anonymous reports whether no portal cookie was supplied.
func (s Session) Anonymous() bool {
	return s.QuercusCookie == "" && s.CrowdmarkCookie == ""
}

// CacheKey is the fragment used to namespace per-session cache entries.
func (s Session) CacheKey() string {
	if s.ID == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(s.ID + "\x00" + s.QuercusCookie + "\x00" + s.CrowdmarkCookie))
	return hex.EncodeToString(sum[:16])
}
