package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	apperrors "github.com/HarrisonFulford/cacheout/internal/errors"
	"github.com/HarrisonFulford/cacheout/pkg/api"
	"github.com/HarrisonFulford/cacheout/pkg/ledger"
	"github.com/HarrisonFulford/cacheout/pkg/lifecycle"
	"github.com/HarrisonFulford/cacheout/pkg/model"
	"github.com/HarrisonFulford/cacheout/pkg/scriptgen"
)

// maxBodyBytes bounds request bodies; job code payloads dominate.
const maxBodyBytes = 4 << 20

// Scheduler is the controller surface the API exposes.
type Scheduler interface {
	Submit(ctx context.Context, spec model.JobSpec) (model.Job, error)
	RegisterWorker(ctx context.Context, reg model.Registration) (model.Worker, error)
	UnregisterWorker(ctx context.Context, workerID string) error
	Poll(ctx context.Context, workerID string) (model.Job, error)
	Report(ctx context.Context, r lifecycle.Report) (model.Job, error)
	Job(ctx context.Context, id string) (model.Job, error)
	Jobs(ctx context.Context, filter model.JobFilter) ([]model.Job, error)
	Workers(ctx context.Context) ([]model.Worker, error)
	Balance(ctx context.Context, accountID string) (model.Amount, error)
	Grant(ctx context.Context, accountID string, amount model.Amount) (model.Amount, error)
	Quote(cores, ramMB int) (ledger.Breakdown, error)
}

var _ Scheduler = (*lifecycle.Controller)(nil)

// SchedulerAPI serves the /api/v1 routes.
type SchedulerAPI struct {
	sched    Scheduler
	gen      scriptgen.Generator
	validate *validator.Validate
	log      *zap.Logger
}

// NewSchedulerAPI returns handlers over sched. gen may be nil, in which case
// script generation answers 503.
func NewSchedulerAPI(sched Scheduler, gen scriptgen.Generator, logger *zap.Logger) *SchedulerAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json names in validation errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &SchedulerAPI{
		sched:    sched,
		gen:      gen,
		validate: v,
		log:      logger,
	}
}

// Register registers or refreshes a worker.
func (a *SchedulerAPI) Register(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if !a.decode(w, r, &req) {
		return
	}
	_, err := a.sched.RegisterWorker(r.Context(), model.Registration{
		WorkerID: req.WorkerID,
		Hostname: req.Hostname,
		CPUCores: req.CPUCores,
		RAMMB:    req.RAMMB,
		Status:   model.WorkerStatus(strings.ToLower(strings.TrimSpace(req.Status))),
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.AckRegistered)
}

// Unregister removes a worker, requeueing or failing its running job.
func (a *SchedulerAPI) Unregister(w http.ResponseWriter, r *http.Request) {
	var req api.UnregisterRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.sched.UnregisterWorker(r.Context(), req.WorkerID); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.AckUnregistered)
}

// Task hands the polling worker a job, or 404 NO_TASK.
func (a *SchedulerAPI) Task(w http.ResponseWriter, r *http.Request) {
	workerID := strings.TrimSpace(r.URL.Query().Get("worker_id"))
	if workerID == "" {
		respondWithError(w, r, apperrors.NewValidationError("worker_id query parameter is required", nil))
		return
	}
	job, err := a.sched.Poll(r.Context(), workerID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Status records a worker's report for a running job.
func (a *SchedulerAPI) Status(w http.ResponseWriter, r *http.Request) {
	var req api.StatusRequest
	if !a.decode(w, r, &req) {
		return
	}
	status, ok := model.ParseJobStatus(req.Status)
	if !ok {
		respondWithError(w, r, apperrors.NewValidationError(
			fmt.Sprintf("unknown status %q", req.Status),
			map[string]any{"field": "status"},
		))
		return
	}
	_, err := a.sched.Report(r.Context(), lifecycle.Report{
		JobID:    req.JobID,
		WorkerID: req.WorkerID,
		Status:   status,
		Result:   req.Result,
		Error:    req.ErrorMessage,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: "ok"})
}

// Submit creates a job and answers with its id.
func (a *SchedulerAPI) Submit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	if !a.decode(w, r, &req) {
		return
	}
	job, err := a.sched.Submit(r.Context(), model.JobSpec{
		Title:         req.Title,
		Description:   req.Description,
		Code:          req.Code,
		Command:       req.Command,
		Priority:      req.Priority,
		RequiredCores: req.RequiredCores,
		RequiredRAMMB: req.RequiredRAMMB,
		Parameters:    map[string]any(req.Parameters),
		BuyerID:       req.BuyerID,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job.JobID)
}

// Jobs lists jobs, optionally filtered by status, worker, buyer or title
// glob.
func (a *SchedulerAPI) Jobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.JobFilter{
		WorkerID:  strings.TrimSpace(q.Get("worker_id")),
		BuyerID:   strings.TrimSpace(q.Get("buyer_id")),
		TitleGlob: strings.TrimSpace(q.Get("title")),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		filter.Status = model.JobStatus(strings.ToLower(raw))
	}
	jobs, err := a.sched.Jobs(r.Context(), filter)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// Job returns one job.
func (a *SchedulerAPI) Job(w http.ResponseWriter, r *http.Request) {
	job, err := a.sched.Job(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Workers lists registered workers.
func (a *SchedulerAPI) Workers(w http.ResponseWriter, r *http.Request) {
	workers, err := a.sched.Workers(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if workers == nil {
		workers = []model.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

// Credits returns an account balance; unknown accounts read as 0.
func (a *SchedulerAPI) Credits(w http.ResponseWriter, r *http.Request) {
	bal, err := a.sched.Balance(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// Grant deposits credits and returns the new balance.
func (a *SchedulerAPI) Grant(w http.ResponseWriter, r *http.Request) {
	var req api.GrantRequest
	if !a.decode(w, r, &req) {
		return
	}
	amount, err := model.ParseAmount(req.Amount.String())
	if err != nil {
		respondWithError(w, r, apperrors.NewValidationError(err.Error(), map[string]any{"field": "amount"}))
		return
	}
	bal, err := a.sched.Grant(r.Context(), chi.URLParam(r, "accountID"), amount)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// Quote returns the cost of a job shape with each formula term.
func (a *SchedulerAPI) Quote(w http.ResponseWriter, r *http.Request) {
	cores, err := intParam(r, "cores")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	ram, err := intParam(r, "ram_mb")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	b, err := a.sched.Quote(cores, ram)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Generate drafts a job script from a natural-language prompt.
func (a *SchedulerAPI) Generate(w http.ResponseWriter, r *http.Request) {
	var req api.GenerateRequest
	if !a.decode(w, r, &req) {
		return
	}
	if a.gen == nil {
		respondWithError(w, r, apperrors.NewExternalServiceError("script generation is not configured"))
		return
	}
	s, err := a.gen.Generate(r.Context(), req.Text)
	if err != nil {
		if errors.Is(err, scriptgen.ErrEmptyPrompt) {
			respondWithError(w, r, apperrors.NewValidationError("text must not be blank", map[string]any{"field": "text"}))
			return
		}
		a.log.Warn("script generation failed", zap.Error(err))
		if !errors.Is(err, scriptgen.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", scriptgen.ErrUnavailable, err)
		}
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// decode reads a JSON body into dst and validates it. It writes the error
// response and returns false on failure.
func (a *SchedulerAPI) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		msg := "invalid JSON body"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		respondWithError(w, r, apperrors.NewValidationError(msg, map[string]any{"cause": err.Error()}))
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make(map[string]any, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			respondWithError(w, r, apperrors.NewValidationError(
				fmt.Sprintf("invalid %s: failed %q", verrs[0].Field(), verrs[0].Tag()),
				map[string]any{"fields": fields},
			))
			return false
		}
		respondWithError(w, r, apperrors.NewValidationError(err.Error(), nil))
		return false
	}
	return true
}

func intParam(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, apperrors.NewValidationError(name+" query parameter is required", map[string]any{"field": name})
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.NewValidationError(name+" must be an integer", map[string]any{"field": name})
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
