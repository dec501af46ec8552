package pipeline

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a stage failure for recovery decisions.
type ErrorClass string

const (
	// ErrorClassRecoverable indicates the stage failed but the
	// pipeline continues on a fallback. Examples: instruction parsing,
	// repository analysis.
	ErrorClassRecoverable ErrorClass = "recoverable"

	// ErrorClassFatal indicates the deployment cannot proceed.
	// Examples: terraform init/plan/apply failures.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassVerification indicates the infrastructure came up but
	// the application did not pass its checks.
	ErrorClassVerification ErrorClass = "verification"

	// ErrorClassCleanup indicates teardown left resources behind.
	ErrorClassCleanup ErrorClass = "cleanup"
)

// StageError is a classified pipeline failure with the reason and hint
// that surface in status output.
type StageError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Stage is the pipeline stage that failed.
	Stage string `json:"stage"`

	// DeploymentID names the deployment the stage belonged to, when
	// one was created before the failure.
	DeploymentID string `json:"deployment_id,omitempty"`

	// Reason is the human-readable failure reason.
	Reason string `json:"reason"`

	// Hint suggests what the operator should look at.
	Hint string `json:"hint,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Class, e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Stage, e.Reason)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the pipeline should stop.
func (e *StageError) IsFatal() bool {
	return e.Class == ErrorClassFatal
}

// DestroyCommand returns the CLI invocation that tears down whatever
// the failed deployment provisioned, or "" when no deployment exists.
func (e *StageError) DestroyCommand() string {
	if e.DeploymentID == "" {
		return ""
	}
	return "skylift destroy " + e.DeploymentID
}

func fatalError(stage, reason, hint string, err error) *StageError {
	return &StageError{Class: ErrorClassFatal, Stage: stage, Reason: reason, Hint: hint, Err: err}
}

func verificationError(stage, reason, hint string, err error) *StageError {
	return &StageError{Class: ErrorClassVerification, Stage: stage, Reason: reason, Hint: hint, Err: err}
}

// AsStageError extracts a StageError from an error chain.
func AsStageError(err error) (*StageError, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr, true
	}
	return nil, false
}
