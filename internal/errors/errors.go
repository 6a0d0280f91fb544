// Package errors maps scheduler failures onto HTTP responses and CLI exit
// codes.
//
// Domain code reports through the model sentinels; this package is the one
// place that decides which status and wire code each sentinel becomes.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/HarrisonFulford/cacheout/pkg/api"
	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/scriptgen"
)

// HTTPErrorResponse is the envelope written for every failed request.
type HTTPErrorResponse = api.ErrorResponse

// AppError is an application failure that carries its own wire code.
type AppError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewExternalServiceError reports an unavailable collaborator.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Status: http.StatusServiceUnavailable, Code: api.CodeUnavailable, Message: message}
}

// NewNotFoundError reports an unknown route or resource.
func NewNotFoundError(message string) *AppError {
	return &AppError{Status: http.StatusNotFound, Code: api.CodeNotFound, Message: message}
}

// NewMethodNotAllowedError reports a route hit with the wrong verb.
func NewMethodNotAllowedError(message string) *AppError {
	return &AppError{Status: http.StatusMethodNotAllowed, Code: api.CodeMethodNotAllowed, Message: message}
}

// NewValidationError reports malformed input found at the transport layer.
func NewValidationError(message string, details map[string]any) *AppError {
	return &AppError{Status: http.StatusBadRequest, Code: api.CodeValidation, Message: message, Details: details, Err: model.ErrValidation}
}

// WrapInternal marks err as an unexpected internal failure.
func WrapInternal(_ context.Context, err error, message string) *AppError {
	return &AppError{Status: http.StatusInternalServerError, Code: api.CodeInternal, Message: message, Err: err}
}

// Classify returns the HTTP status and wire code for err.
func Classify(err error) (int, string) {
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Status, appErr.Code
	}
	switch {
	case stderrors.Is(err, model.ErrNoTask):
		return http.StatusNotFound, api.CodeNoTask
	case model.IsValidation(err):
		return http.StatusBadRequest, api.CodeValidation
	case model.IsNotFound(err):
		return http.StatusNotFound, api.CodeNotFound
	case model.IsConflict(err):
		return http.StatusConflict, api.CodeConflict
	case model.IsInsufficientCredits(err):
		return http.StatusPaymentRequired, api.CodeInsufficientCredits
	case model.IsUnauthorized(err):
		return http.StatusUnauthorized, api.CodeUnauthorized
	case stderrors.Is(err, scriptgen.ErrUnavailable):
		return http.StatusServiceUnavailable, api.CodeUnavailable
	}
	return http.StatusInternalServerError, api.CodeInternal
}

// ExitCode returns the foundry exit code for err.
func ExitCode(err error) int {
	status, code := Classify(err)
	switch {
	case code == api.CodeNoTask:
		return foundry.ExitFileNotFound
	case status == http.StatusServiceUnavailable:
		return foundry.ExitExternalServiceUnavailable
	case status >= 400 && status < 500:
		return foundry.ExitInvalidArgument
	}
	return foundry.ExitExternalServiceUnavailable
}

// RespondWithError writes the envelope for err. Internal failures never
// echo the underlying message.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, env := Envelope(r, err)
	WriteEnvelope(w, status, env)
}

// Envelope classifies err and builds its gofulmen envelope, correlated
// with the request id when r carries one.
func Envelope(r *http.Request, err error) (int, *gferrors.ErrorEnvelope) {
	status, code := Classify(err)

	message := err.Error()
	var details map[string]any
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		message = appErr.Message
		details = appErr.Details
	} else if status == http.StatusInternalServerError {
		message = "internal server error"
	}

	env := NewEnvelope(status, code, message, details)
	if r != nil {
		env = env.WithCorrelationID(chimw.GetReqID(r.Context()))
	}
	return status, env
}

// NewEnvelope builds an envelope whose severity follows status. Flat
// details become envelope context; nested ones ride in Details.
func NewEnvelope(status int, code, message string, details map[string]any) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, message)
	severity := gferrors.SeverityLow
	if status >= http.StatusInternalServerError {
		severity = gferrors.SeverityHigh
	}
	env = gferrors.SafeWithSeverity(env, severity)

	if len(details) == 0 {
		return env
	}
	if _, err := env.WithContext(details); err != nil {
		env = env.WithDetails(details)
	}
	return env
}

// WriteEnvelope writes env as the wire error envelope with status.
func WriteEnvelope(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: Body(env)})
}

// Body flattens env into the wire shape decoded by pkg/client.
func Body(env *gferrors.ErrorEnvelope) api.ErrorBody {
	body := api.ErrorBody{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
		Severity:  string(env.Severity),
		Timestamp: env.Timestamp,
	}
	if len(env.Details)+len(env.Context) > 0 {
		body.Details = make(map[string]any, len(env.Details)+len(env.Context))
		for k, v := range env.Details {
			body.Details[k] = v
		}
		for k, v := range env.Context {
			body.Details[k] = v
		}
	}
	return body
}
