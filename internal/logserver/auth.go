package logserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.jetify.com/typeid"
)

const TokenHeader = "X-Dominion-Token"

var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier checks a client token and returns the subject it belongs
// to.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (subject string, err error)
}

// StaticTokens maps accepted tokens to their subject. An empty set accepts
// any non-empty token.
type StaticTokens map[string]string

// NewStaticTokens builds the set from subject -> token pairs as written in
// the config file.
func NewStaticTokens(bySubject map[string]string) StaticTokens {
	set := StaticTokens{}
	for subject, token := range bySubject {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		set[token] = subject
	}
	return set
}

func (s StaticTokens) Verify(_ context.Context, token string) (string, error) {
	if len(s) == 0 {
		return "anonymous", nil
	}
	subject, ok := s[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return subject, nil
}

type session struct {
	ID      string
	Subject string
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) session {
	s, _ := ctx.Value(sessionKey{}).(session)
	return s
}

var newSessionID = func() string {
	id, err := typeid.WithPrefix("session")
	if err != nil {
		return ""
	}
	return id.String()
}

func tokenFromRequest(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(TokenHeader))
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		verifier := s.verifier
		if verifier == nil {
			verifier = StaticTokens{}
		}
		subject, err := verifier.Verify(r.Context(), token)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("rejected log session", "remote_addr", r.RemoteAddr, "error", err)
			}
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, session{ID: newSessionID(), Subject: subject})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
