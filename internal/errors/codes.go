package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for grid operations
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeInvalidArgument     ErrorCode = 1000
	ErrCodeKeyNotFound         ErrorCode = 1001
	ErrCodeWriteSkewConflict   ErrorCode = 1002
	ErrCodeTransactionFinished ErrorCode = 1003

	// Topology errors
	ErrCodeNoOwnerAvailable ErrorCode = 3000
	ErrCodeSegmentDegraded  ErrorCode = 3001
	ErrCodePeerUnreachable  ErrorCode = 3002
	ErrCodeStaleTopology    ErrorCode = 3003

	// Server errors
	ErrCodeInternal  ErrorCode = 2000
	ErrCodeTimeout   ErrorCode = 2001
	ErrCodeShutdown  ErrorCode = 2002
	ErrCodeQueueFull ErrorCode = 2003
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                  "OK",
	ErrCodeInvalidArgument:     "INVALID_ARGUMENT",
	ErrCodeKeyNotFound:         "KEY_NOT_FOUND",
	ErrCodeWriteSkewConflict:   "WRITE_SKEW_CONFLICT",
	ErrCodeTransactionFinished: "TRANSACTION_FINISHED",
	ErrCodeNoOwnerAvailable:    "NO_OWNER_AVAILABLE",
	ErrCodeSegmentDegraded:     "SEGMENT_DEGRADED",
	ErrCodePeerUnreachable:     "PEER_UNREACHABLE",
	ErrCodeStaleTopology:       "STALE_TOPOLOGY",
	ErrCodeInternal:            "INTERNAL",
	ErrCodeTimeout:             "TIMEOUT",
	ErrCodeShutdown:            "SHUTDOWN",
	ErrCodeQueueFull:           "QUEUE_FULL",
}

// String returns the symbolic name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// GridError represents a structured error with code and context
type GridError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *GridError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *GridError) Unwrap() error {
	return e.Cause
}

// Is matches another GridError by code so errors.Is works against sentinels
func (e *GridError) Is(target error) bool {
	t, ok := target.(*GridError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the operation may succeed on another attempt
func (e *GridError) Retryable() bool {
	switch e.Code {
	case ErrCodePeerUnreachable, ErrCodeStaleTopology, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// ToGRPCStatus converts GridError to gRPC status
func (e *GridError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *GridError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeKeyNotFound:
		return codes.NotFound
	case ErrCodeWriteSkewConflict:
		return codes.Aborted
	case ErrCodeTransactionFinished, ErrCodeStaleTopology:
		return codes.FailedPrecondition
	case ErrCodeNoOwnerAvailable, ErrCodeSegmentDegraded, ErrCodePeerUnreachable, ErrCodeShutdown:
		return codes.Unavailable
	case ErrCodeTimeout:
		return codes.DeadlineExceeded
	case ErrCodeQueueFull:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// NewGridError creates a new GridError
func NewGridError(code ErrorCode, message string, cause error) *GridError {
	return &GridError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *GridError) WithDetail(key string, value interface{}) *GridError {
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is checks
var (
	ErrNoOwnerAvailable  = &GridError{Code: ErrCodeNoOwnerAvailable, Message: "no owner available"}
	ErrWriteSkewConflict = &GridError{Code: ErrCodeWriteSkewConflict, Message: "write skew conflict"}
	ErrSegmentDegraded   = &GridError{Code: ErrCodeSegmentDegraded, Message: "segment degraded"}
	ErrPeerUnreachable   = &GridError{Code: ErrCodePeerUnreachable, Message: "peer unreachable"}
	ErrStaleTopology     = &GridError{Code: ErrCodeStaleTopology, Message: "stale topology"}
	ErrKeyNotFound       = &GridError{Code: ErrCodeKeyNotFound, Message: "key not found"}
)

func InvalidArgument(message string, cause error) *GridError {
	return NewGridError(ErrCodeInvalidArgument, message, cause)
}

func KeyNotFound(key string) *GridError {
	return NewGridError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %s", key), nil).
		WithDetail("key", key)
}

// WriteSkewConflict names every key whose committed version moved
func WriteSkewConflict(keys []string) *GridError {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return NewGridError(ErrCodeWriteSkewConflict,
		fmt.Sprintf("write skew detected on keys [%s]", strings.Join(sorted, ", ")), nil).
		WithDetail("keys", sorted)
}

func TransactionFinished(txID, state string) *GridError {
	return NewGridError(ErrCodeTransactionFinished, fmt.Sprintf("transaction %s already %s", txID, state), nil).
		WithDetail("tx_id", txID).
		WithDetail("state", state)
}

func NoOwnerAvailable(key string, segment int) *GridError {
	return NewGridError(ErrCodeNoOwnerAvailable, fmt.Sprintf("no owner available for segment %d", segment), nil).
		WithDetail("key", key).
		WithDetail("segment", segment)
}

func SegmentDegraded(segment int) *GridError {
	return NewGridError(ErrCodeSegmentDegraded, fmt.Sprintf("segment %d is degraded", segment), nil).
		WithDetail("segment", segment)
}

func PeerUnreachable(peer string, cause error) *GridError {
	return NewGridError(ErrCodePeerUnreachable, fmt.Sprintf("peer %s unreachable", peer), cause).
		WithDetail("peer", peer)
}

func StaleTopology(requestGen, localGen int64) *GridError {
	return NewGridError(ErrCodeStaleTopology,
		fmt.Sprintf("request routed with topology %d, local topology is %d", requestGen, localGen), nil).
		WithDetail("request_topology", requestGen).
		WithDetail("local_topology", localGen)
}

func Timeout(operation string, cause error) *GridError {
	return NewGridError(ErrCodeTimeout, fmt.Sprintf("%s timed out", operation), cause)
}

func Shutdown(component string) *GridError {
	return NewGridError(ErrCodeShutdown, fmt.Sprintf("%s is shut down", component), nil)
}

func QueueFull(resource string, size int) *GridError {
	return NewGridError(ErrCodeQueueFull, fmt.Sprintf("%s queue full (%d)", resource, size), nil).
		WithDetail("resource", resource).
		WithDetail("size", size)
}

func InternalError(message string, cause error) *GridError {
	return NewGridError(ErrCodeInternal, message, cause)
}

// AsGridError extracts a GridError from an error chain
func AsGridError(err error) (*GridError, bool) {
	var ge *GridError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	if ge, ok := AsGridError(err); ok {
		return ge.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsRetryable reports whether err is a retryable GridError
func IsRetryable(err error) bool {
	ge, ok := AsGridError(err)
	return ok && ge.Retryable()
}

// ConflictKeys returns the keys named by a WriteSkewConflict error
func ConflictKeys(err error) []string {
	ge, ok := AsGridError(err)
	if !ok || ge.Code != ErrCodeWriteSkewConflict {
		return nil
	}
	keys, _ := ge.Details["keys"].([]string)
	return keys
}
