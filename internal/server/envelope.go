package server

import (
	"net/http"

	"github.com/LouYuanbo1/apicapture/internal/domain/model"
)

const TimeoutMessage = "Target API request not found within time limit."

// Envelope is the JSON body of every capture response, shared with the CLI.
type Envelope struct {
	Success   bool          `json:"success"`
	ElapsedMs *int64        `json:"elapsedMs,omitempty"`
	Data      *model.Record `json:"data,omitempty"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func InputError(msg string) (int, Envelope) {
	return http.StatusBadRequest, Envelope{Success: false, Error: msg}
}

// NewEnvelope 把会话结果映射为 HTTP 状态码和响应体
func NewEnvelope(o *model.Outcome) (int, Envelope) {
	elapsed := o.Elapsed.Milliseconds()
	switch o.Kind {
	case model.OutcomeMatched:
		return http.StatusOK, Envelope{Success: true, ElapsedMs: &elapsed, Data: o.Record}
	case model.OutcomeTimedOut:
		return http.StatusOK, Envelope{Success: false, ElapsedMs: &elapsed, Message: TimeoutMessage}
	}

	msg := string(o.Cause)
	if o.Err != nil {
		msg = o.Err.Error()
	}
	switch o.Cause {
	case model.ErrKindInput:
		return InputError(msg)
	case model.ErrKindCanceled:
		return http.StatusServiceUnavailable, Envelope{Success: false, ElapsedMs: &elapsed, Error: msg}
	default:
		return http.StatusInternalServerError, Envelope{Success: false, ElapsedMs: &elapsed, Error: msg}
	}
}
