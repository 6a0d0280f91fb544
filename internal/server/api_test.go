package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/HarrisonFulford/cacheout/internal/errors"
	"github.com/HarrisonFulford/cacheout/pkg/api"
	"github.com/HarrisonFulford/cacheout/pkg/lifecycle"
	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/scriptgen"
	"github.com/HarrisonFulford/cacheout/pkg/store/memstore"
)

const testToken = "s3cret"

type stubGenerator struct {
	out scriptgen.Suggestion
	err error
}

func (g stubGenerator) Generate(ctx context.Context, prompt string) (scriptgen.Suggestion, error) {
	if strings.TrimSpace(prompt) == "" {
		return scriptgen.Suggestion{}, scriptgen.ErrEmptyPrompt
	}
	return g.out, g.err
}

type apiHarness struct {
	t    *testing.T
	ctrl *lifecycle.Controller
	h    http.Handler
}

func newAPIHarness(t *testing.T, opts ...Option) *apiHarness {
	t.Helper()
	ctrl := lifecycle.New(memstore.New(), lifecycle.DefaultConfig())
	opts = append([]Option{WithScheduler(ctrl), WithAdminToken(testToken)}, opts...)
	return &apiHarness{t: t, ctrl: ctrl, h: New("127.0.0.1", 0, opts...).Handler()}
}

func (a *apiHarness) do(method, path string, body any, admin bool) *httptest.ResponseRecorder {
	a.t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(a.t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, api.BasePath+path, rd)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set(api.AdminTokenHeader, testToken)
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[apperrors.HTTPErrorResponse](t, rec).Error.Code
}

func (a *apiHarness) grant(account string, amount string) {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/credits/"+account+"/grant", `{"amount": `+amount+`}`, true)
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (a *apiHarness) register(id string, cores, ram int) {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/register", api.RegisterRequest{WorkerID: id, Hostname: id + ".local", CPUCores: cores, RAMMB: ram}, false)
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(a.t, api.AckRegistered, decodeBody[string](a.t, rec))
}

func (a *apiHarness) submit(req api.SubmitRequest) string {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/submit", req, true)
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[string](a.t, rec)
}

func TestAPI_SubmitDispatchCompleteSettles(t *testing.T) {
	a := newAPIHarness(t)
	a.grant("buyer", "50")
	a.register("w1", 8, 16384)

	jobID := a.submit(api.SubmitRequest{
		Title:         "render",
		Command:       "echo hi",
		RequiredCores: 4,
		RequiredRAMMB: 8192,
		BuyerID:       "buyer",
	})
	require.NotEmpty(t, jobID)

	rec := a.do(http.MethodGet, "/credits/buyer", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "48.20", strings.TrimSpace(rec.Body.String()))

	rec = a.do(http.MethodGet, "/task?worker_id=w1", nil, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job := decodeBody[model.Job](t, rec)
	assert.Equal(t, jobID, job.JobID)
	assert.Equal(t, model.JobRunning, job.Status)
	assert.Equal(t, model.Cents(180), job.Cost)

	rec = a.do(http.MethodPost, "/status", api.StatusRequest{JobID: jobID, WorkerID: "w1", Status: "completed", Result: "hi"}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ok", decodeBody[api.StatusResponse](t, rec).Status)

	rec = a.do(http.MethodGet, "/credits/w1", nil, false)
	assert.Equal(t, "1.80", strings.TrimSpace(rec.Body.String()))

	rec = a.do(http.MethodGet, "/jobs/"+jobID, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	job = decodeBody[model.Job](t, rec)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, "hi", job.Result)

	// A second terminal report loses.
	rec = a.do(http.MethodPost, "/status", api.StatusRequest{JobID: jobID, Status: "failed"}, false)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, api.CodeConflict, errorCode(t, rec))
}

func TestAPI_SubmitErrors(t *testing.T) {
	a := newAPIHarness(t)
	a.grant("poor", "1")

	t.Run("missing token", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/submit", api.SubmitRequest{RequiredCores: 1, RequiredRAMMB: 1024, BuyerID: "poor"}, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, api.CodeUnauthorized, errorCode(t, rec))
	})

	t.Run("insufficient credits", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/submit", api.SubmitRequest{RequiredCores: 4, RequiredRAMMB: 8192, BuyerID: "poor"}, true)
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.Equal(t, api.CodeInsufficientCredits, errorCode(t, rec))

		bal := a.do(http.MethodGet, "/credits/poor", nil, false)
		assert.Equal(t, "1.00", strings.TrimSpace(bal.Body.String()))
	})

	t.Run("validation", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/submit", `{"buyer_id":"poor","required_cores":0,"required_ram_mb":1024}`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decodeBody[apperrors.HTTPErrorResponse](t, rec)
		assert.Equal(t, api.CodeValidation, body.Error.Code)
		fields, ok := body.Error.Details["fields"].(map[string]any)
		require.True(t, ok, "details: %v", body.Error.Details)
		assert.Equal(t, "gt", fields["required_cores"])
	})

	t.Run("malformed json", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/submit", `{"buyer_id":`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, api.CodeValidation, errorCode(t, rec))
	})

	t.Run("empty body", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/submit", nil, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeBody[apperrors.HTTPErrorResponse](t, rec).Error.Message, "required")
	})
}

func TestAPI_SubmitAcceptsStringParameters(t *testing.T) {
	a := newAPIHarness(t)
	a.grant("buyer", "10")

	rec := a.do(http.MethodPost, "/submit", `{
		"title": "sweep",
		"command": "true",
		"required_cores": 1,
		"required_ram_mb": 1024,
		"buyer_id": "buyer",
		"parameters": "{\"seed\": 7}"
	}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	jobID := decodeBody[string](t, rec)

	job, err := a.ctrl.Job(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"seed": float64(7)}, job.Parameters)
}

func TestAPI_TaskEndpoint(t *testing.T) {
	a := newAPIHarness(t)

	t.Run("requires worker id", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/task", nil, false)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown worker", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/task?worker_id=ghost", nil, false)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, api.CodeNotFound, errorCode(t, rec))
	})

	t.Run("no task", func(t *testing.T) {
		a.register("w1", 2, 2048)
		rec := a.do(http.MethodGet, "/task?worker_id=w1", nil, false)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		body := decodeBody[apperrors.HTTPErrorResponse](t, rec)
		assert.Equal(t, api.CodeNoTask, body.Error.Code)
		assert.NotEmpty(t, body.Error.RequestID)
	})

	t.Run("job too big for worker", func(t *testing.T) {
		a.grant("buyer", "20")
		a.submit(api.SubmitRequest{RequiredCores: 16, RequiredRAMMB: 1024, BuyerID: "buyer"})
		rec := a.do(http.MethodGet, "/task?worker_id=w1", nil, false)
		assert.Equal(t, api.CodeNoTask, errorCode(t, rec))
	})
}

func TestAPI_UnregisterRequeuesRunningJob(t *testing.T) {
	a := newAPIHarness(t)
	a.grant("buyer", "10")
	a.register("w1", 4, 4096)
	jobID := a.submit(api.SubmitRequest{Command: "sleep 60", RequiredCores: 1, RequiredRAMMB: 512, BuyerID: "buyer"})

	rec := a.do(http.MethodGet, "/task?worker_id=w1", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodPost, "/unregister", api.UnregisterRequest{WorkerID: "w1"}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, api.AckUnregistered, decodeBody[string](t, rec))

	rec = a.do(http.MethodGet, "/jobs?status=pending", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decodeBody[[]model.Job](t, rec)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].JobID)
	assert.Equal(t, 1, jobs[0].RequeueCount)

	rec = a.do(http.MethodGet, "/workers", nil, false)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestAPI_StatusValidation(t *testing.T) {
	a := newAPIHarness(t)

	rec := a.do(http.MethodPost, "/status", api.StatusRequest{JobID: "j1", Status: "exploded"}, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/status", api.StatusRequest{JobID: "missing", Status: "completed"}, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ListFilters(t *testing.T) {
	a := newAPIHarness(t)
	a.grant("alice", "10")
	a.grant("bob", "10")
	a.submit(api.SubmitRequest{Title: "render-1", RequiredCores: 1, RequiredRAMMB: 512, BuyerID: "alice"})
	a.submit(api.SubmitRequest{Title: "train", RequiredCores: 1, RequiredRAMMB: 512, BuyerID: "bob"})

	rec := a.do(http.MethodGet, "/jobs", nil, false)
	assert.Len(t, decodeBody[[]model.Job](t, rec), 2)

	rec = a.do(http.MethodGet, "/jobs?buyer_id=bob", nil, false)
	jobs := decodeBody[[]model.Job](t, rec)
	require.Len(t, jobs, 1)
	assert.Equal(t, "train", jobs[0].Title)

	rec = a.do(http.MethodGet, "/jobs?title=render-*", nil, false)
	jobs = decodeBody[[]model.Job](t, rec)
	require.Len(t, jobs, 1)
	assert.Equal(t, "alice", jobs[0].BuyerID)

	rec = a.do(http.MethodGet, "/jobs?status=running", nil, false)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	rec = a.do(http.MethodGet, "/jobs?status=bogus", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Quote(t *testing.T) {
	a := newAPIHarness(t)

	rec := a.do(http.MethodGet, "/quote?cores=4&ram_mb=8192", nil, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"base":1.00,"cores":0.40,"ram":0.40,"cost":1.80}`, rec.Body.String())

	rec = a.do(http.MethodGet, "/quote?cores=four&ram_mb=1", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodGet, "/quote?cores=1", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodGet, "/quote?cores=100000&ram_mb=1", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Grant(t *testing.T) {
	a := newAPIHarness(t)

	rec := a.do(http.MethodPost, "/credits/acct/grant", `{"amount": 12.345}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "12.35", strings.TrimSpace(rec.Body.String()))

	rec = a.do(http.MethodPost, "/credits/acct/grant", `{"amount": -1}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/credits/acct/grant", `{"amount": 5}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	for _, huge := range []string{"184467440737095517", "92233720368547759", "1e30"} {
		rec = a.do(http.MethodPost, "/credits/acct/grant", `{"amount": `+huge+`}`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, huge)
		assert.Equal(t, api.CodeValidation, errorCode(t, rec), huge)
	}
	rec = a.do(http.MethodPost, "/credits/acct/grant", `{"amount": 92233720368547758}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "balance overflow")
	rec = a.do(http.MethodGet, "/credits/acct", nil, false)
	assert.Equal(t, "12.35", strings.TrimSpace(rec.Body.String()))

	rec = a.do(http.MethodGet, "/credits/nobody", nil, false)
	assert.Equal(t, "0.00", strings.TrimSpace(rec.Body.String()))
}

func TestAPI_Generate(t *testing.T) {
	suggestion := scriptgen.Suggestion{Script: "echo hi", EstimatedCores: 2, EstimatedRAM: 1024}

	tests := []struct {
		name     string
		gen      scriptgen.Generator
		body     string
		wantCode int
	}{
		{"not configured", nil, `{"text":"say hi"}`, http.StatusServiceUnavailable},
		{"ok", stubGenerator{out: suggestion}, `{"text":"say hi"}`, http.StatusOK},
		{"missing text", stubGenerator{out: suggestion}, `{}`, http.StatusBadRequest},
		{"blank text", stubGenerator{out: suggestion}, `{"text":"   "}`, http.StatusBadRequest},
		{"upstream failure", stubGenerator{err: errors.New("connection refused")}, `{"text":"say hi"}`, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.gen != nil {
				opts = append(opts, WithGenerator(tt.gen))
			}
			a := newAPIHarness(t, opts...)
			rec := a.do(http.MethodPost, "/process-natural-language", tt.body, true)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode == http.StatusOK {
				got := decodeBody[scriptgen.Suggestion](t, rec)
				assert.Equal(t, suggestion, got)
			}
		})
	}
}

func TestAPI_RegisterValidation(t *testing.T) {
	a := newAPIHarness(t)

	tests := []struct {
		body string
		code int
	}{
		{`{"worker_id":"w1","cpu_cores":2,"ram_mb":1024}`, http.StatusOK},
		{`{"worker_id":"w2","cpu_cores":2,"ram_mb":1024,"status":"OFFLINE"}`, http.StatusOK},
		{`{"worker_id":"w3","cpu_cores":2,"ram_mb":1024,"status":"busy"}`, http.StatusBadRequest},
		{`{"cpu_cores":2,"ram_mb":1024}`, http.StatusBadRequest},
		{`{"worker_id":"w4","cpu_cores":0,"ram_mb":1024}`, http.StatusBadRequest},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			rec := a.do(http.MethodPost, "/register", tt.body, false)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}
