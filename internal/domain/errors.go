package domain

import (
	"errors"
	"fmt"
	"time"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
)

// Tool execution errors.
var (
	ErrToolNotFound  = fmt.Errorf("tool not found")
	ErrValidation    = fmt.Errorf("tool input validation failed")
	ErrRateLimit     = fmt.Errorf("rate limit exceeded")
	ErrToolTimeout   = fmt.Errorf("tool %w", ErrTimeout)
	ErrToolExecution = fmt.Errorf("tool execution failed")

	ErrPathOutsideSandbox = fmt.Errorf("path is outside sandbox boundary")
	ErrCommandNotAllowed  = fmt.Errorf("command not in allowlist")
	ErrBridgeMethod       = fmt.Errorf("host bridge method not supported")
)

// Routing errors.
var (
	ErrAgentNotFound     = fmt.Errorf("agent %w", ErrNotFound)
	ErrNoAgentsAvailable = fmt.Errorf("no agents available")
	ErrProviderNotFound  = fmt.Errorf("llm provider not found")
)

// Task errors.
var (
	ErrTaskNotFound    = fmt.Errorf("task %w", ErrNotFound)
	ErrTaskTerminal    = fmt.Errorf("task already finished")
	ErrIterationLimit  = fmt.Errorf("iteration limit exceeded")
	ErrAntiLoop        = fmt.Errorf("repeated identical tool calls")
	ErrOutputSchema    = fmt.Errorf("result does not match output schema")
	ErrTaskStoreFailed = fmt.Errorf("task store operation failed")
	ErrAuditWrite      = fmt.Errorf("audit log write failed")
)

// Gateway errors.
var (
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
	ErrDecryption        = fmt.Errorf("decryption failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Executor.Invoke")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "tool", "router"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RateLimitError is returned when a (tool, caller) pair exhausted its window.
// It unwraps to ErrRateLimit.
type RateLimitError struct {
	Tool       string
	Caller     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: tool %q for caller %q, retry after %dms",
		ErrRateLimit, e.Tool, e.Caller, e.RetryAfter.Milliseconds())
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimit }

// RetryAfterOf extracts the retry delay from a rate limit error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and API bodies.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeToolNotFound      ErrorCode = "TOOL_NOT_FOUND"
	CodeValidation        ErrorCode = "VALIDATION_ERROR"
	CodeRateLimit         ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeToolTimeout       ErrorCode = "TOOL_TIMEOUT"
	CodeToolExecution     ErrorCode = "TOOL_EXECUTION_ERROR"
	CodePathOutside       ErrorCode = "PATH_OUTSIDE_SANDBOX"
	CodeCommandNotAllowed ErrorCode = "COMMAND_NOT_ALLOWED"
	CodeBridgeMethod      ErrorCode = "BRIDGE_METHOD"
	CodeAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	CodeNoAgents          ErrorCode = "NO_AGENTS_AVAILABLE"
	CodeProviderNotFound  ErrorCode = "PROVIDER_NOT_FOUND"
	CodeTaskNotFound      ErrorCode = "TASK_NOT_FOUND"
	CodeTaskTerminal      ErrorCode = "TASK_TERMINAL"
	CodeIterationLimit    ErrorCode = "ITERATION_LIMIT_EXCEEDED"
	CodeAntiLoop          ErrorCode = "ANTI_LOOP_TRIGGERED"
	CodeOutputSchema      ErrorCode = "OUTPUT_SCHEMA"
	CodeTaskStore         ErrorCode = "TASK_STORE"
	CodeAuditWrite        ErrorCode = "AUDIT_WRITE"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"

	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,

	ErrToolNotFound:       CodeToolNotFound,
	ErrValidation:         CodeValidation,
	ErrRateLimit:          CodeRateLimit,
	ErrToolTimeout:        CodeToolTimeout,
	ErrToolExecution:      CodeToolExecution,
	ErrPathOutsideSandbox: CodePathOutside,
	ErrCommandNotAllowed:  CodeCommandNotAllowed,
	ErrBridgeMethod:       CodeBridgeMethod,
	ErrAgentNotFound:      CodeAgentNotFound,
	ErrNoAgentsAvailable:  CodeNoAgents,
	ErrProviderNotFound:   CodeProviderNotFound,
	ErrTaskNotFound:       CodeTaskNotFound,
	ErrTaskTerminal:       CodeTaskTerminal,
	ErrIterationLimit:     CodeIterationLimit,
	ErrAntiLoop:           CodeAntiLoop,
	ErrOutputSchema:       CodeOutputSchema,
	ErrTaskStoreFailed:    CodeTaskStore,
	ErrAuditWrite:         CodeAuditWrite,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrGatewayAuthFailed:  CodeGatewayAuth,
	ErrRPCMethodNotFound:  CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:  CodeRPCInvalidPayload,
	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
}

// specificSentinels are checked before the category sentinels they wrap so
// that, e.g., ErrAgentNotFound resolves to AGENT_NOT_FOUND and not NOT_FOUND.
var specificSentinels = []error{
	ErrToolTimeout,
	ErrAgentNotFound,
	ErrTaskNotFound,
	ErrGatewayAuthFailed,
	ErrRateLimit,
	ErrValidation,
	ErrToolNotFound,
	ErrToolExecution,
	ErrPathOutsideSandbox,
	ErrCommandNotAllowed,
	ErrBridgeMethod,
	ErrNoAgentsAvailable,
	ErrProviderNotFound,
	ErrTaskTerminal,
	ErrIterationLimit,
	ErrAntiLoop,
	ErrOutputSchema,
	ErrTaskStoreFailed,
	ErrRPCMethodNotFound,
	ErrRPCInvalidPayload,
	ErrConfigLoad,
	ErrDecryption,
	ErrAuthInvalid,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent": CodeAgentNotFound,
		"task":  CodeTaskNotFound,
		"tool":  CodeToolNotFound,
	},
	ErrTimeout: {
		"tool": CodeToolTimeout,
	},
	ErrInvalidInput: {
		"tool": CodeValidation,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, sentinel := range specificSentinels {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
