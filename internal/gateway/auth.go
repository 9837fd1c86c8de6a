package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Identity headers set by the connecting client. Query parameters of the
// same meaning are accepted for browsers, which cannot set upgrade headers.
const (
	HeaderActor = "X-Tasksync-Actor"
	HeaderName  = "X-Tasksync-Name"
)

// ExtractToken returns the bearer token from the Authorization header or
// the token query param.
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// authorize checks the shared bearer secret. With no token configured
// every request passes.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token := ExtractToken(r)
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// identity reads the actor id and display name of an upgrade request.
func identity(r *http.Request) (actorID, name string) {
	actorID = strings.TrimSpace(r.Header.Get(HeaderActor))
	if actorID == "" {
		actorID = strings.TrimSpace(r.URL.Query().Get("actor"))
	}
	name = strings.TrimSpace(r.Header.Get(HeaderName))
	if name == "" {
		name = strings.TrimSpace(r.URL.Query().Get("name"))
	}
	return actorID, name
}
