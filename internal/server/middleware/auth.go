package middleware

import (
	"crypto/subtle"
	"net/http"

	apperrors "github.com/HarrisonFulford/cacheout/internal/errors"
	"github.com/HarrisonFulford/cacheout/pkg/api"
	"github.com/HarrisonFulford/cacheout/pkg/model"
)

// RequireAdmin rejects requests whose X-Admin-Token does not equal token.
// An empty token rejects everything.
func RequireAdmin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(api.AdminTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				apperrors.RespondWithError(w, r, &model.OpError{Op: r.Method + " " + r.URL.Path, Err: model.ErrUnauthorized, Detail: "missing or invalid admin token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
