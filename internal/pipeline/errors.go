package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"powerquality-backend/internal/shared/util"
)

// Kind classifies why a run failed.
type Kind string

const (
	// KindPrecondition is a missing or unusable input. Retrying does not help.
	KindPrecondition Kind = "precondition"
	// KindTransport is a blob or record store failure.
	KindTransport Kind = "transport"
	// KindAIStage is an AI call that failed or returned no usable output.
	KindAIStage Kind = "ai_stage"
	// KindCancelled marks a run stopped by cancellation. It is never persisted as an error.
	KindCancelled Kind = "cancelled"
)

// Retryable reports whether an operator retry of the whole run may succeed.
func (k Kind) Retryable() bool {
	return k == KindTransport || k == KindAIStage
}

// ErrNoUsableOutput is wrapped when a stage response lacks its required fields.
var ErrNoUsableOutput = errors.New("AI produced no usable output")

// errStopped ends a run that observed cancellation or deletion.
var errStopped = &Error{Kind: KindCancelled, Subsystem: "pipeline", Err: errors.New("run stopped")}

const maxMessageLen = 500

// Error is the tagged failure of one run.
type Error struct {
	Kind      Kind
	Subsystem string
	Stage     string
	Err       error
}

func (e *Error) Error() string {
	cause := "unknown failure"
	if e.Err != nil {
		cause = e.Err.Error()
	}
	if e.Subsystem == "" {
		return cause
	}
	return e.Subsystem + ": " + cause
}

func (e *Error) Unwrap() error { return e.Err }

func preconditionError(format string, args ...any) *Error {
	return &Error{Kind: KindPrecondition, Subsystem: "input", Err: fmt.Errorf(format, args...)}
}

func storageError(stage string, err error) *Error {
	return &Error{Kind: KindTransport, Subsystem: "storage", Stage: stage, Err: err}
}

func recordError(stage string, err error) *Error {
	return &Error{Kind: KindTransport, Subsystem: "database", Stage: stage, Err: err}
}

func aiError(stage string, err error) *Error {
	return &Error{Kind: KindAIStage, Subsystem: "AI service (" + stage + ")", Stage: stage, Err: err}
}

// KindOf returns the kind of err, treating untagged errors as transport failures.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransport
}

// Message renders err for the record's errorMessage field.
func Message(err error) string {
	return util.ErrorMessage(err, maxMessageLen)
}

// transient reports failures likely to clear on their own, logged as a hint for operators.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset")
}
