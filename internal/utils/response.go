package utils

import (
	"encoding/json"
	"net/http"
	"time"

	"ms-fulfillment/internal/errs"
)

type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func SuccessResponse(message string, data interface{}) APIResponse {
	return APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func ErrorResponse(message, errMsg string) APIResponse {
	return APIResponse{
		Success:   false,
		Message:   message,
		Error:     errMsg,
		Timestamp: time.Now(),
	}
}

func WriteJSON(w http.ResponseWriter, status int, body APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError maps an application error onto the envelope. Only the public
// message leaves the process; internal detail stays in the logs.
func WriteError(w http.ResponseWriter, err error) {
	if appErr, ok := errs.As(err); ok {
		resp := ErrorResponse(appErr.Public, appErr.Public)
		resp.Reason = appErr.Reason
		WriteJSON(w, appErr.StatusCode(), resp)
		return
	}
	WriteJSON(w, http.StatusInternalServerError, ErrorResponse("internal error", "internal error"))
}
