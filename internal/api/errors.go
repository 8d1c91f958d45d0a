package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-xmv/internal/bridges/xmv"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeInternal           = "internal_error"
	ErrCodeUnavailable        = "service_unavailable"
	ErrCodeDeviceUnreachable  = "device_unreachable"
	ErrCodeDeviceTimeout      = "device_timeout"
	ErrCodeDeviceRejected     = "device_rejected"
	ErrCodeCommandSuperseded  = "command_superseded"
	ErrCodeInvalidParameters  = "invalid_parameters"
	ErrCodeChannelNotFound    = "channel_not_found"
	ErrCodeControllerShutdown = "controller_shutdown"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeControllerError maps a controller error onto an HTTP status.
func writeControllerError(w http.ResponseWriter, err error) {
	status, code := controllerErrorStatus(err)
	writeError(w, status, code, err.Error())
}

func controllerErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, xmv.ErrUnknownChannel):
		return http.StatusNotFound, ErrCodeChannelNotFound
	case errors.Is(err, xmv.ErrInvalidValue):
		return http.StatusBadRequest, ErrCodeInvalidParameters
	case errors.Is(err, xmv.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeDeviceTimeout
	case errors.Is(err, xmv.ErrDeviceRejected):
		return http.StatusBadGateway, ErrCodeDeviceRejected
	case errors.Is(err, xmv.ErrCommandSuperseded):
		return http.StatusConflict, ErrCodeCommandSuperseded
	case errors.Is(err, xmv.ErrNotConnected), errors.Is(err, xmv.ErrTransport):
		return http.StatusServiceUnavailable, ErrCodeDeviceUnreachable
	case errors.Is(err, xmv.ErrClosed):
		return http.StatusServiceUnavailable, ErrCodeControllerShutdown
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}
