package models

import "errors"

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrSessionNotFound      = errors.New("session not found or expired")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrOperationFailed      = errors.New("operation failed")
	ErrInvalidMessage       = errors.New("invalid message")
)
