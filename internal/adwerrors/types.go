package adwerrors

import (
	"errors"
	"fmt"
)

// StorageReason classifies State Store failures.
type StorageReason string

const (
	StorageOpen      StorageReason = "open"
	StorageQuery     StorageReason = "query"
	StorageExec      StorageReason = "exec"
	StorageSerialize StorageReason = "serialize"
)

// ValidationError is returned by HTTP handlers and the CLI parser for
// malformed input. It never has side effects.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// NotFoundError indicates a missing or soft-deleted workflow.
type NotFoundError struct {
	ADWID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("adw %s not found", e.ADWID)
}

// StorageError wraps any database failure with a reason enum. The engine
// treats it as fatal to the current stage but never rolls back prior writes.
type StorageError struct {
	Reason StorageReason
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s): %v", e.Reason, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// PreconditionError aborts a stage before execute runs.
type PreconditionError struct {
	Stage   string
	Message string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("stage %s precondition failed: %s", e.Stage, e.Message)
}

// ProcessTimeoutError reports a child process killed for overrunning its
// deadline. ExitCode is always -1 for timed-out runs.
type ProcessTimeoutError struct {
	Command string
	Seconds float64
}

func (e *ProcessTimeoutError) Error() string {
	return fmt.Sprintf("process timed out after %.0fs: %s", e.Seconds, e.Command)
}

// ProcessFailedError reports a non-zero child exit, carrying the exit code
// and the tail of captured output.
type ProcessFailedError struct {
	Command    string
	ExitCode   int
	OutputTail string
}

func (e *ProcessFailedError) Error() string {
	return fmt.Sprintf("process exited %d: %s", e.ExitCode, e.Command)
}

// ConflictUnresolvedError is raised by the merge stage when conflicts remain
// after agent-assisted resolution. The worktree is left intact for manual
// intervention.
type ConflictUnresolvedError struct {
	Branch string
	Files  []string
}

func (e *ConflictUnresolvedError) Error() string {
	return fmt.Sprintf("merge conflicts unresolved on %s: %d files", e.Branch, len(e.Files))
}

// IsNotFound reports whether err is a NotFoundError anywhere in its chain.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is a ValidationError anywhere in its chain.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStorage reports whether err is a StorageError anywhere in its chain.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsTimeout reports whether err is a ProcessTimeoutError anywhere in its chain.
func IsTimeout(err error) bool {
	var te *ProcessTimeoutError
	return errors.As(err, &te)
}

// IsProcessFailed reports whether err is a ProcessFailedError anywhere in its chain.
func IsProcessFailed(err error) bool {
	var pe *ProcessFailedError
	return errors.As(err, &pe)
}

// IsConflict reports whether err is a ConflictUnresolvedError anywhere in its chain.
func IsConflict(err error) bool {
	var ce *ConflictUnresolvedError
	return errors.As(err, &ce)
}
