package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/HarrisonFulford/cacheout/internal/errors"
	"github.com/HarrisonFulford/cacheout/internal/observability"
	"github.com/HarrisonFulford/cacheout/pkg/api"
)

// ErrorResponse is the envelope written by this package.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns a handler panic into a 500 envelope, logging through the
// CLI logger.
func Recovery(next http.Handler) http.Handler {
	return RecoveryWithLogger(observability.CLILogger)(next)
}

// RecoveryWithLogger is Recovery logging to logger. A nil logger discards.
func RecoveryWithLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				requestID := chimw.GetReqID(r.Context())
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("request_id", requestID),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)

				env := apperrors.NewEnvelope(http.StatusInternalServerError, api.CodeInternal, fmt.Sprintf("panic: %v", rec), nil).
					WithCorrelationID(requestID)
				writeErrorResponse(w, env, http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// ErrorHandler is Recovery under the name used in the router chain.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	apperrors.WriteEnvelope(w, status, env)
}
