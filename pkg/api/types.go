// Package api holds the JSON request and response bodies of the /api/v1
// surface. The server decodes them and pkg/client encodes them, so both
// sides share one definition.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// BasePath is the mount point of every scheduler route.
const BasePath = "/api/v1"

// AdminTokenHeader carries the admin credential on privileged routes.
const AdminTokenHeader = "X-Admin-Token"

// Error codes carried in ErrorBody.Code.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeNoTask              = "NO_TASK"
	CodeConflict            = "CONFLICT"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeUnavailable         = "SERVICE_UNAVAILABLE"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeInternal            = "INTERNAL_ERROR"
)

// Acknowledgement strings returned by the worker routes.
const (
	AckRegistered   = "worker registered"
	AckUnregistered = "worker unregistered"
)

// ErrorResponse is the error envelope written for every failed request.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes one failure.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	WorkerID string `json:"worker_id" validate:"required,max=128"`
	Hostname string `json:"hostname" validate:"max=255"`
	CPUCores int    `json:"cpu_cores" validate:"gt=0"`
	RAMMB    int    `json:"ram_mb" validate:"gt=0"`
	Status   string `json:"status"`
}

// UnregisterRequest is the body of POST /unregister.
type UnregisterRequest struct {
	WorkerID string `json:"worker_id" validate:"required"`
}

// StatusRequest is the body of POST /status.
type StatusRequest struct {
	JobID        string `json:"job_id" validate:"required"`
	WorkerID     string `json:"worker_id,omitempty"`
	Status       string `json:"status" validate:"required"`
	Result       string `json:"result,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// StatusResponse acknowledges a report.
type StatusResponse struct {
	Status string `json:"status"`
}

// SubmitRequest is the body of POST /submit.
type SubmitRequest struct {
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Code          string     `json:"code"`
	Command       string     `json:"command"`
	Priority      int        `json:"priority"`
	RequiredCores int        `json:"required_cores" validate:"gt=0"`
	RequiredRAMMB int        `json:"required_ram_mb" validate:"gt=0"`
	Parameters    Parameters `json:"parameters,omitempty"`
	BuyerID       string     `json:"buyer_id" validate:"required"`
}

// GrantRequest is the body of POST /credits/{account_id}/grant.
type GrantRequest struct {
	Amount json.Number `json:"amount" validate:"required"`
}

// GenerateRequest is the body of POST /process-natural-language.
type GenerateRequest struct {
	Text string `json:"text" validate:"required"`
}

// Parameters is the opaque bag attached to a job. It decodes from either a
// JSON object or a string holding a JSON object; the dashboard sends the
// latter. An empty string or null decodes to nil.
type Parameters map[string]any

// UnmarshalJSON implements json.Unmarshaler.
func (p *Parameters) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = nil
		return nil
	}
	if b[0] == '"' {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*p = nil
			return nil
		}
		b = []byte(raw)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("parameters must be a JSON object: %w", err)
	}
	*p = m
	return nil
}
