// Package apperr defines the failure taxonomy shared by the capture,
// transcription, extraction and commit stages of the voice pipeline.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindPermissionDenied
	KindDevice
	KindNetwork
	KindAPI
	KindInvalidResponse
	KindDecoding
	KindEmptyTranscript
	KindNoFoodItems
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindDevice:
		return "device_error"
	case KindNetwork:
		return "network_error"
	case KindAPI:
		return "api_error"
	case KindInvalidResponse:
		return "invalid_response"
	case KindDecoding:
		return "decoding_error"
	case KindEmptyTranscript:
		return "empty_transcript"
	case KindNoFoodItems:
		return "no_food_items"
	case KindStorage:
		return "storage_error"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks. Any *Error of the same kind matches.
var (
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrDevice           = &Error{Kind: KindDevice}
	ErrNetwork          = &Error{Kind: KindNetwork}
	ErrAPI              = &Error{Kind: KindAPI}
	ErrInvalidResponse  = &Error{Kind: KindInvalidResponse}
	ErrDecoding         = &Error{Kind: KindDecoding}
	ErrEmptyTranscript  = &Error{Kind: KindEmptyTranscript}
	ErrNoFoodItems      = &Error{Kind: KindNoFoodItems}
	ErrStorage          = &Error{Kind: KindStorage}
)

// Error carries a kind, a user-facing message and the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind so callers can write errors.Is(err, apperr.ErrDecoding).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// API builds an ApiError carrying the remote service's message.
func API(message string) *Error {
	if message == "" {
		message = "Unknown API error"
	}
	return &Error{Kind: KindAPI, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// MessageOf returns the user-facing message of err, falling back to err.Error().
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Transport classifies a failed round trip. Cancellation of ctx is returned
// as the context error so callers can tell an abort from an outage.
func Transport(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindNetwork, "The request timed out. Please try again.", err)
	}
	return Wrap(KindNetwork, "Network error. Please check your connection.", err)
}
