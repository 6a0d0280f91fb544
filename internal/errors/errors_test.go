package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HarrisonFulford/cacheout/pkg/api"
	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/scriptgen"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", model.Invalid("submit", "bad"), http.StatusBadRequest, api.CodeValidation},
		{"not found", model.NotFound("poll", "worker", "w1"), http.StatusNotFound, api.CodeNotFound},
		{"no task", &model.OpError{Op: "poll", Err: model.ErrNoTask}, http.StatusNotFound, api.CodeNoTask},
		{"conflict", model.Errorf(model.ErrConflict, "report", "job", "j1", "job is completed"), http.StatusConflict, api.CodeConflict},
		{"credits", fmt.Errorf("wrap: %w", model.ErrInsufficientCredits), http.StatusPaymentRequired, api.CodeInsufficientCredits},
		{"unauthorized", model.ErrUnauthorized, http.StatusUnauthorized, api.CodeUnauthorized},
		{"scriptgen", scriptgen.ErrUnavailable, http.StatusServiceUnavailable, api.CodeUnavailable},
		{"app error", NewMethodNotAllowedError("nope"), http.StatusMethodNotAllowed, api.CodeMethodNotAllowed},
		{"unknown", assert.AnError, http.StatusInternalServerError, api.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(model.ErrValidation))
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(scriptgen.ErrUnavailable))
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(assert.AnError))
}

func TestRespondWithError(t *testing.T) {
	t.Run("domain error keeps message and request id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req = req.WithContext(context.WithValue(req.Context(), chimw.RequestIDKey, "req-1"))
		rec := httptest.NewRecorder()

		RespondWithError(rec, req, model.NotFound("get", "job", "j9"))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var body HTTPErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, api.CodeNotFound, body.Error.Code)
		assert.Equal(t, "get job j9: not found", body.Error.Message)
		assert.Equal(t, "req-1", body.Error.RequestID)
	})

	t.Run("internal error hides detail", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), fmt.Errorf("db path /secret: boom"))

		var body HTTPErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, api.CodeInternal, body.Error.Code)
		assert.Equal(t, "internal server error", body.Error.Message)
	})

	t.Run("app error details", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RespondWithError(rec, nil, NewValidationError("invalid request body", map[string]any{"field": "cpu_cores"}))

		var body HTTPErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "invalid request body", body.Error.Message)
		assert.Equal(t, "cpu_cores", body.Error.Details["field"])
	})
}

func TestNewEnvelope(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		details      map[string]any
		wantSeverity string
		wantDetails  map[string]any
	}{
		{
			name:         "client error is low severity",
			status:       http.StatusConflict,
			wantSeverity: "low",
		},
		{
			name:         "server error is high severity",
			status:       http.StatusServiceUnavailable,
			wantSeverity: "high",
		},
		{
			name:         "flat details become context",
			status:       http.StatusBadRequest,
			details:      map[string]any{"field": "amount"},
			wantSeverity: "low",
			wantDetails:  map[string]any{"field": "amount"},
		},
		{
			name:         "nested details survive",
			status:       http.StatusServiceUnavailable,
			details:      map[string]any{"checks": map[string]string{"store": "unhealthy"}},
			wantSeverity: "high",
			wantDetails:  map[string]any{"checks": map[string]any{"store": "unhealthy"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnvelope(tt.status, api.CodeValidation, "msg", tt.details)
			assert.Equal(t, tt.wantSeverity, string(env.Severity))

			rec := httptest.NewRecorder()
			WriteEnvelope(rec, tt.status, env)

			var body HTTPErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.wantSeverity, body.Error.Severity)
			assert.NotEmpty(t, body.Error.Timestamp)
			if tt.wantDetails == nil {
				assert.Empty(t, body.Error.Details)
				return
			}
			assert.Equal(t, tt.wantDetails, body.Error.Details)
		})
	}
}

func TestEnvelopeCorrelatesRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submit", nil)
	req = req.WithContext(context.WithValue(req.Context(), chimw.RequestIDKey, "req-9"))

	status, env := Envelope(req, model.Errorf(model.ErrInsufficientCredits, "submit", "account", "acme", "balance 1.00 below cost 1.80"))
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, api.CodeInsufficientCredits, env.Code)
	assert.Equal(t, "req-9", env.CorrelationID)
	assert.Equal(t, "req-9", Body(env).RequestID)
}
