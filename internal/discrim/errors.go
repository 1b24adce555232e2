package discrim

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed computation.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindFilterService    ErrorKind = "filter_service"
	KindWorkerInvocation ErrorKind = "worker_invocation"
	KindArtifactFormat   ErrorKind = "artifact_format"
	KindUnknown          ErrorKind = "unknown"
)

// Sentinels, one per kind. Match with errors.Is.
var (
	ErrNoClusters       = errors.New("no clusters requested")
	ErrFilterService    = errors.New("filter service failed")
	ErrWorkerInvocation = errors.New("worker invocation failed")
	ErrArtifactFormat   = errors.New("malformed artifact")
)

// StageError reports which pipeline stage failed and why.
type StageError struct {
	Kind  ErrorKind
	Stage string // "validate", "locate", "filter", "run", "fetch", "read"
	Err   error
}

// NewStageError wraps err for the given kind and stage. Nil err yields nil.
func NewStageError(kind ErrorKind, stage string, err error) *StageError {
	if err == nil {
		return nil
	}
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the error's kind.
func (e *StageError) Is(target error) bool {
	switch e.Kind {
	case KindValidation:
		return target == ErrNoClusters
	case KindFilterService:
		return target == ErrFilterService
	case KindWorkerInvocation:
		return target == ErrWorkerInvocation
	case KindArtifactFormat:
		return target == ErrArtifactFormat
	}
	return false
}

// KindOf returns the kind of the first StageError in err's chain.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// AsStageError returns err as a *StageError, wrapping foreign errors as
// KindUnknown so callers always get stage context.
func AsStageError(err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Kind: KindUnknown, Stage: "compute", Err: err}
}
