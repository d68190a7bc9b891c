package errors

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

const detailsPrefix = "__json__:"

// ErrorResponse is the wire form of an error.
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// NewErrorResponse flattens hints and reportable details out of err.
func NewErrorResponse(err error) ErrorResponse {
	resp := ErrorResponse{
		Code:    Code(err),
		Message: err.Error(),
	}

	if hints := errors.GetAllHints(err); len(hints) > 0 {
		resp.Hint = strings.Join(hints, "; ")
	}

	for _, detail := range errors.GetAllSafeDetails(err) {
		for _, payload := range detail.SafeDetails {
			if !strings.HasPrefix(payload, detailsPrefix) {
				continue
			}
			var details map[string]any
			if json.Unmarshal([]byte(strings.TrimPrefix(payload, detailsPrefix)), &details) != nil {
				continue
			}
			if resp.Details == nil {
				resp.Details = make(map[string]any)
			}
			for k, v := range details {
				resp.Details[k] = v
			}
		}
	}

	return resp
}
