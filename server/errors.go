package server

import (
	"encoding/json"
	"errors"
	"net/http"

	lottery "github.com/kydenul/ticket-lottery"
)

type errorBody struct {
	Code      lottery.ErrorCode `json:"code"`
	Message   string            `json:"message"`
	Details   string            `json:"details,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

var statusByError = []struct {
	err    error
	status int
}{
	{lottery.ErrBadDeposit, http.StatusBadRequest},
	{lottery.ErrInvalidParameters, http.StatusBadRequest},
	{lottery.ErrInvalidCount, http.StatusBadRequest},
	{lottery.ErrInvalidAccount, http.StatusBadRequest},
	{lottery.ErrInvalidAmount, http.StatusBadRequest},
	{lottery.ErrNotAuthorized, http.StatusForbidden},
	{lottery.ErrNotAWinner, http.StatusNotFound},
	{lottery.ErrTransferNotFound, http.StatusNotFound},
	{lottery.ErrAlreadyClaimed, http.StatusConflict},
	{lottery.ErrDrawOverdraw, http.StatusConflict},
	{lottery.ErrNotClaimed, http.StatusConflict},
	{lottery.ErrTransferInFlight, http.StatusConflict},
	{lottery.ErrRateLimitExceeded, http.StatusTooManyRequests},
	{lottery.ErrLockAcquisitionFailed, http.StatusServiceUnavailable},
	{lottery.ErrLockTimeout, http.StatusServiceUnavailable},
	{lottery.ErrCircuitBreakerOpen, http.StatusServiceUnavailable},
	{lottery.ErrLedgerUnavailable, http.StatusServiceUnavailable},
	{lottery.ErrDispatchQueueFull, http.StatusServiceUnavailable},
	{lottery.ErrRedisConnectionFailed, http.StatusServiceUnavailable},
	{lottery.ErrRedisTimeout, http.StatusServiceUnavailable},
	{lottery.ErrServiceUnavailable, http.StatusServiceUnavailable},
}

// statusOf maps an error to its HTTP status; unknown errors are 500
func statusOf(err error) int {
	for _, e := range statusByError {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)

	body := errorBody{Code: lottery.ErrCodeSystem, Message: "internal error"}
	var le *lottery.LotteryError
	if errors.As(err, &le) {
		body.Code = le.Code
		body.Details = le.Details
		body.RequestID = le.RequestID
		if status != http.StatusInternalServerError {
			body.Message = le.Message
		}
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
