package protocol

import (
	"errors"

	"imageflow/realtime/internal/metrics"
	"imageflow/realtime/internal/models"
)

const (
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodePermissionDenied     = "PERMISSION_DENIED"
	CodeOperationFailed      = "OPERATION_FAILED"
	CodeInvalidMessage       = "INVALID_MESSAGE"
	CodeUnknownType          = "UNKNOWN_TYPE"
)

var ErrUnknownType = errors.New("unknown message type")

// ErrorFrame maps err onto the error event sent back to the originating connection.
// Anything unrecognised is reported as a generic processing failure.
func ErrorFrame(err error) models.WSFrame {
	ev := classify(err)
	metrics.ProtocolErrors.WithLabelValues(ev.Code).Inc()
	return models.WSFrame{Type: models.EvtError, Data: ev}
}

func classify(err error) models.ErrorEvent {
	switch {
	case errors.Is(err, models.ErrAuthenticationFailed):
		return models.ErrorEvent{Code: CodeAuthenticationFailed, Message: "Authentication failed"}
	case errors.Is(err, models.ErrSessionNotFound):
		return models.ErrorEvent{Code: CodeSessionNotFound, Message: "Session not found or expired"}
	case errors.Is(err, models.ErrPermissionDenied):
		return models.ErrorEvent{Code: CodePermissionDenied, Message: "Permission denied"}
	case errors.Is(err, models.ErrInvalidMessage):
		return models.ErrorEvent{Code: CodeInvalidMessage, Message: err.Error()}
	case errors.Is(err, ErrUnknownType):
		return models.ErrorEvent{Code: CodeUnknownType, Message: err.Error()}
	default:
		return models.ErrorEvent{Code: CodeOperationFailed, Message: "Failed to process operation"}
	}
}
