package web

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"actiongate/internal/failure"
	"actiongate/internal/render"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "error", err)
	}
}

// respond writes v as JSON or, with ?format=text, as its text rendering.
func respond(w http.ResponseWriter, r *http.Request, status int, v any) {
	format, err := render.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{ErrorCode: "BadRequest", Message: err.Error()})
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(status)
	if err := render.Write(w, format, v); err != nil {
		slog.Error("write response", "error", err)
	}
}

type errorBody struct {
	ErrorCode   string            `json:"error_code"`
	Message     string            `json:"message"`
	Remediation string            `json:"remediation,omitempty"`
	Step        int               `json:"step_number,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// statusFor maps a failure code onto an HTTP status.
func statusFor(code failure.Code) int {
	switch code {
	case failure.ValidationError:
		return http.StatusBadRequest
	case failure.PlanNotFound:
		return http.StatusNotFound
	case failure.PlanExpired, failure.ApprovalConsumed, failure.PlanHashMismatch:
		return http.StatusConflict
	case failure.ApprovalMissing, failure.ApprovalExpired, failure.PolicyDenied:
		return http.StatusForbidden
	case failure.ApprovalLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusUnprocessableEntity
	}
}

// writeError reports coded failures with their remediation and hides
// everything else behind a 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	fe, ok := failure.As(err)
	if !ok {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{ErrorCode: "Internal", Message: "internal error"})
		return
	}
	body := errorBody{
		ErrorCode:   string(fe.Code),
		Message:     fe.Message,
		Remediation: fe.Remediation,
		Step:        fe.Step,
		Details:     fe.Details,
	}
	respond(w, r, statusFor(fe.Code), body)
}
