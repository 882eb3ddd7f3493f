package devapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/olajaido/platform-hub/pkg/api/client"
)

var (
	errNoAuthHeader  = errors.New("missing authorization header")
	errBadAuthHeader = errors.New("authorization header is not a bearer token")
)

type userKey struct{}

// contextSetter lets the audit recorder see the authenticated user.
type contextSetter interface {
	SetContext(context.Context)
}

func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth resolves the bearer token to a user. On failure it has already
// written a 401 with a Bearer challenge.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, client.User, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.unauthorized(w, req, err, "Not authenticated")
		return req.Context(), client.User{}, false
	}
	user, err := r.auth.Authorize(token)
	if err != nil {
		r.unauthorized(w, req, err, ErrInvalidToken.Error())
		return req.Context(), client.User{}, false
	}
	return context.WithValue(req.Context(), userKey{}, user), user, true
}

func (r *Router) unauthorized(w http.ResponseWriter, req *http.Request, cause error, detail string) {
	r.logger.Warn("request not authenticated", "path", req.URL.Path, "error", cause)
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, detail)
}

func userFromContext(ctx context.Context) (client.User, bool) {
	user, ok := ctx.Value(userKey{}).(client.User)
	return user, ok
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errNoAuthHeader
	}
	scheme, token, found := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.ContainsAny(token, " \t") {
		return "", errBadAuthHeader
	}
	return token, nil
}
