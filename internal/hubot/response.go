package hubot

import (
	"encoding/json"
	"errors"

	"cibot/pkg/logx"
)

// ResponseData is the uniform result of one delivery attempt. Created
// fresh per attempt, never reused.
type ResponseData struct {
	Successful bool
	// Code is the HTTP status, or -1 for a failure before/below HTTP.
	Code int
	// Message is the HTTP status line of a completed exchange.
	Message string
	// Error is the response body text on HTTP failure, or the root cause
	// text on transport failure.
	Error string
	// Data is the raw body of a successful exchange. One-way notifications
	// ignore it; unknown fields are preserved as-is for forward compat.
	Data json.RawMessage
}

// ErrorResponse normalizes an error into the uniform failure shape:
// code -1, error text from the innermost cause.
func ErrorResponse(err error) *ResponseData {
	return &ResponseData{
		Successful: false,
		Code:       -1,
		Error:      rootCause(err).Error(),
	}
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// LogResponse logs one attempt and, when failOnError is set and the attempt
// failed, returns an error carrying the original error text. This is the
// single place a normalized failure may turn fatal.
func LogResponse(log logx.Logger, r *ResponseData, failOnError bool) error {
	if r.Successful {
		log.Info("delivery successful", logx.Int("code", r.Code))
		return nil
	}
	log.Error("delivery failed", logx.Int("code", r.Code), logx.String("error", r.Error))
	if failOnError {
		return errors.New(r.Error)
	}
	return nil
}
