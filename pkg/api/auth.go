package api

import (
	"slices"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/arxiv/compiler/pkg/types"
)

// Session identifies the caller of an authenticated request.
type Session struct {
	UserID string

	// Capabilities holds task IDs the caller may read regardless of
	// ownership.
	Capabilities []string
}

type sessionClaims struct {
	UserID       string   `json:"user_id"`
	Capabilities []string `json:"capabilities"`
}

// parseSession decodes a bearer token as an HS256-signed JWT under the
// shared secret. An empty token, an empty secret, or a token that fails
// verification all yield an anonymous caller.
func parseSession(token, secret string) *Session {
	if token == "" || secret == "" {
		return nil
	}
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil
	}
	var claims sessionClaims
	if err := parsed.Claims([]byte(secret), &claims); err != nil {
		return nil
	}
	return &Session{UserID: claims.UserID, Capabilities: claims.Capabilities}
}

// defaultIsAuthorized is the default read-access policy: an ownerless task
// is public; an owned task requires the owner's session or a task-scoped
// capability.
func defaultIsAuthorized(task types.Task, session *Session) bool {
	if task.Owner == "" {
		return true
	}
	if session == nil {
		return false
	}
	if session.UserID == task.Owner {
		return true
	}
	return slices.Contains(session.Capabilities, task.TaskID)
}
