package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

type authContextKey string

type authInfo struct {
	Actor string
}

const contextKeyAuth authContextKey = "iwa-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireOperator guards mutating routes with the configured operator tokens.
// An empty token list leaves the API open, which suits local development.
func (r *Router) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureOperator(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureOperator validates the Authorization header and enriches the context
// with the acting operator.
func (r *Router) ensureOperator(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	if len(r.operatorTokens) > 0 {
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return req.Context(), authInfo{}, false
		}
		if !r.tokenRecognized(token) {
			r.logger.Warn("operator token mismatch", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid operator token")
			return req.Context(), authInfo{}, false
		}
	}
	info := authInfo{Actor: actorFromRequest(req)}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

func (r *Router) tokenRecognized(token string) bool {
	for _, expected := range r.operatorTokens {
		if len(token) == len(expected) && subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1 {
			return true
		}
	}
	return false
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

// actorFromRequest names the operator for audit rows and release records.
// Clients state who they are via X-Actor; without it the token owner is
// recorded generically.
func actorFromRequest(req *http.Request) string {
	if actor := strings.TrimSpace(req.Header.Get("X-Actor")); actor != "" {
		return actor
	}
	return "operator"
}

func actorFromContext(ctx context.Context) string {
	if info, ok := authInfoFromContext(ctx); ok && info.Actor != "" {
		return info.Actor
	}
	return "operator"
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
