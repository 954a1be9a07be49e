package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

// ErrorResponse represents the standard error response structure
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Display string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := ierr.HTTPStatusFromErr(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{
		Display: displayMessage(err, status),
		Details: safeDetails(err),
	}})
}

func displayMessage(err error, status int) string {
	for _, hint := range errors.GetAllHints(err) {
		if hint = strings.TrimSpace(hint); hint != "" {
			return hint
		}
	}
	if status >= http.StatusInternalServerError {
		return "An unexpected error occurred"
	}
	return err.Error()
}

func safeDetails(err error) map[string]any {
	details := make(map[string]any)
	for _, sdp := range errors.GetAllSafeDetails(err) {
		for _, payload := range sdp.SafeDetails {
			jsonStr, ok := strings.CutPrefix(payload, "__json__:")
			if !ok {
				continue
			}
			var d map[string]any
			if err := json.Unmarshal([]byte(jsonStr), &d); err == nil {
				for k, v := range d {
					details[k] = v
				}
			}
		}
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

// decode reads a JSON body into dst and validates its tags.
func (h *Handler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return ierr.WithError(err).WithHint("Request body is not valid JSON for this endpoint").Mark(ierr.ErrValidation)
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		fields := map[string]any{}
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
		}
		return ierr.WithError(err).
			WithHint("Request validation failed").
			WithReportableDetails(map[string]any{"fields": fields}).
			Mark(ierr.ErrValidation)
	}
	return nil
}
