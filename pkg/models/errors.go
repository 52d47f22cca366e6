package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity grades an error record.
type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ErrorCategory groups error codes by origin.
type ErrorCategory string

const (
	CategoryAgent    ErrorCategory = "agent"
	CategoryWorkflow ErrorCategory = "workflow"
	CategorySystem   ErrorCategory = "system"
	CategoryExternal ErrorCategory = "external"
	CategoryUser     ErrorCategory = "user"
)

// ErrorCode is a stable string enum. Recovery strategy tables key on these
// codes, so they must be preserved verbatim.
type ErrorCode string

const (
	CodeAgentSpawnFailed   ErrorCode = "AGENT_SPAWN_FAILED"
	CodeAgentTimeout       ErrorCode = "AGENT_TIMEOUT"
	CodeAgentCrashed       ErrorCode = "AGENT_CRASHED"
	CodeAgentInvalidOutput ErrorCode = "AGENT_INVALID_OUTPUT"
	CodeAgentBlocked       ErrorCode = "AGENT_BLOCKED"
	CodeWorkflowNotFound   ErrorCode = "WORKFLOW_NOT_FOUND"
	CodeWorkflowTimeout    ErrorCode = "WORKFLOW_TIMEOUT"
	CodeMaxIterations      ErrorCode = "MAX_ITERATIONS"
	CodeStageFailed        ErrorCode = "STAGE_FAILED"
	CodeRoutingFailed      ErrorCode = "ROUTING_FAILED"
	CodeTmuxNotFound       ErrorCode = "TMUX_NOT_FOUND"
	CodeTmuxSessionFailed  ErrorCode = "TMUX_SESSION_FAILED"
	CodeGitWorktreeFailed  ErrorCode = "GIT_WORKTREE_FAILED"
	CodeDatabaseError      ErrorCode = "DATABASE_ERROR"
	CodeFilesystemError    ErrorCode = "FILESYSTEM_ERROR"
	CodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeNetworkError       ErrorCode = "NETWORK_ERROR"
	CodeInvalidArgument    ErrorCode = "INVALID_ARGUMENT"
	CodeSessionExists      ErrorCode = "SESSION_EXISTS"
	CodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
)

// ErrorRecord is the structured error that flows through the recovery
// engine. It implements error so components can return it directly.
type ErrorRecord struct {
	ID          string         `json:"id"`
	Severity    Severity       `json:"severity"`
	Category    ErrorCategory  `json:"category"`
	Code        ErrorCode      `json:"code"`
	Component   string         `json:"component"`
	Role        Role           `json:"role,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Message     string         `json:"message"`
	Context     map[string]any `json:"context,omitempty"`
	Recoverable bool           `json:"recoverable"`
	Retryable   bool           `json:"retryable"`
	RetryCount  int            `json:"retryCount"`
	Recovered   bool           `json:"recovered"`
	Strategy    string         `json:"strategy,omitempty"`
	Cause       error          `json:"-"`
}

// Error implements the error interface.
func (e *ErrorRecord) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("[%s] %s (%s): %s", e.Code, e.Component, e.Role, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the causing error, if any.
func (e *ErrorRecord) Unwrap() error {
	return e.Cause
}

// codeProfile carries the static classification for a code.
type codeProfile struct {
	severity    Severity
	category    ErrorCategory
	recoverable bool
	retryable   bool
}

var codeProfiles = map[ErrorCode]codeProfile{
	CodeAgentSpawnFailed:   {SeverityError, CategoryAgent, true, true},
	CodeAgentTimeout:       {SeverityError, CategoryAgent, true, true},
	CodeAgentCrashed:       {SeverityError, CategoryAgent, true, false},
	CodeAgentInvalidOutput: {SeverityWarning, CategoryAgent, true, false},
	CodeAgentBlocked:       {SeverityWarning, CategoryAgent, true, false},
	CodeWorkflowNotFound:   {SeverityFatal, CategoryUser, false, false},
	CodeWorkflowTimeout:    {SeverityError, CategoryWorkflow, true, false},
	CodeMaxIterations:      {SeverityWarning, CategoryWorkflow, true, false},
	CodeStageFailed:        {SeverityError, CategoryWorkflow, true, false},
	CodeRoutingFailed:      {SeverityError, CategoryWorkflow, true, true},
	CodeTmuxNotFound:       {SeverityFatal, CategoryExternal, false, false},
	CodeTmuxSessionFailed:  {SeverityError, CategoryExternal, true, true},
	CodeGitWorktreeFailed:  {SeverityError, CategoryExternal, true, true},
	CodeDatabaseError:      {SeverityError, CategorySystem, true, true},
	CodeFilesystemError:    {SeverityFatal, CategorySystem, false, false},
	CodePermissionDenied:   {SeverityFatal, CategorySystem, false, false},
	CodeRateLimited:        {SeverityWarning, CategoryExternal, true, true},
	CodeNetworkError:       {SeverityError, CategoryExternal, true, true},
	CodeInvalidArgument:    {SeverityFatal, CategoryUser, false, false},
	CodeSessionExists:      {SeverityFatal, CategoryUser, false, false},
	CodeSessionNotFound:    {SeverityError, CategoryUser, false, false},
}

// NewError builds an error record from a code and context. Severity,
// category and the recoverable/retryable flags come from the static
// per-code profile; unknown codes default to a non-retryable system error.
func NewError(code ErrorCode, component, message string, opts ...ErrorOption) *ErrorRecord {
	profile, ok := codeProfiles[code]
	if !ok {
		profile = codeProfile{SeverityError, CategorySystem, false, false}
	}
	rec := &ErrorRecord{
		ID:          uuid.New().String(),
		Severity:    profile.severity,
		Category:    profile.category,
		Code:        code,
		Component:   component,
		Timestamp:   time.Now().UTC(),
		Message:     message,
		Recoverable: profile.recoverable,
		Retryable:   profile.retryable,
	}
	for _, opt := range opts {
		opt(rec)
	}
	return rec
}

// ErrorOption customizes an error record at construction.
type ErrorOption func(*ErrorRecord)

// WithRole attaches the agent role the error concerns.
func WithRole(role Role) ErrorOption {
	return func(e *ErrorRecord) { e.Role = role }
}

// WithCause attaches the underlying error.
func WithCause(err error) ErrorOption {
	return func(e *ErrorRecord) { e.Cause = err }
}

// WithContext merges structured context into the record.
func WithContext(ctx map[string]any) ErrorOption {
	return func(e *ErrorRecord) {
		if e.Context == nil {
			e.Context = make(map[string]any, len(ctx))
		}
		for k, v := range ctx {
			e.Context[k] = v
		}
	}
}

// WithSeverity overrides the profile severity.
func WithSeverity(s Severity) ErrorOption {
	return func(e *ErrorRecord) { e.Severity = s }
}

// AsErrorRecord extracts an ErrorRecord from err, or wraps err in a new
// record with the given fallback code.
func AsErrorRecord(err error, fallback ErrorCode, component string) *ErrorRecord {
	if err == nil {
		return nil
	}
	var rec *ErrorRecord
	if errors.As(err, &rec) {
		return rec
	}
	return NewError(fallback, component, err.Error(), WithCause(err))
}
