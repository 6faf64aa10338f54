package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind int

const (
	kindInternal errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// Error classifies a Firestore failure so callers can branch without
// inspecting gRPC status codes themselves.
type Error struct {
	op   string
	kind errorKind
	err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("firestore %s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) IsNotFound() bool { return e.kind == kindNotFound }

func (e *Error) IsConflict() bool { return e.kind == kindConflict }

func (e *Error) IsUnavailable() bool { return e.kind == kindUnavailable }

// WrapError classifies err under the named operation. Context
// cancellation and deadline errors pass through untouched so callers
// can keep matching them with errors.Is.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &Error{op: op, kind: kindOf(err), err: err}
}

func kindOf(err error) errorKind {
	switch status.Code(err) {
	case codes.NotFound:
		return kindNotFound
	case codes.AlreadyExists, codes.Aborted, codes.FailedPrecondition:
		return kindConflict
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return kindUnavailable
	default:
		return kindInternal
	}
}
