package types

import (
	"errors"
	"fmt"
)

// Result is the integer result code returned by the IPC runtimes.
// Transport-level failures and in-band server errors are surfaced
// through the same taxonomy so callers handle them uniformly.
type Result int32

const (
	// ResultSuccess indicates the operation completed normally
	ResultSuccess Result = iota
	// ResultInvalidArgument indicates a malformed request rejected before any I/O
	ResultInvalidArgument
	// ResultConnectError indicates a channel could not be opened
	ResultConnectError
	// ResultSendError indicates a write failed or was incomplete
	ResultSendError
	// ResultReadError indicates a receive failed, was malformed, or the peer closed early
	ResultReadError
	// ResultTimeout indicates the operation exceeded the caller's deadline
	ResultTimeout
	// ResultServiceDisabled indicates a deliberate shutdown is in progress
	ResultServiceDisabled
	// ResultGeneralError indicates a well-formed response signaling server-side failure
	ResultGeneralError
)

// resultNames maps result codes to their string form
var resultNames = map[Result]string{
	ResultSuccess:         "SUCCESS",
	ResultInvalidArgument: "INVALID_ARGUMENT",
	ResultConnectError:    "CONNECT_ERROR",
	ResultSendError:       "SEND_ERROR",
	ResultReadError:       "READ_ERROR",
	ResultTimeout:         "TIMEOUT",
	ResultServiceDisabled: "SERVICE_DISABLED",
	ResultGeneralError:    "GENERAL_ERROR",
}

// String returns the string representation of the result code
func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RESULT(%d)", int32(r))
}

// Ok returns true if the result indicates success
func (r Result) Ok() bool {
	return r == ResultSuccess
}

// MessageCode is the request/response discriminator carried in every envelope.
// Code ranges partition into success (0), stock administrative codes (1-99),
// application codes (>= 100), and a contiguous error band (900-999).
type MessageCode int32

const (
	// MsgCodeSuccess is the code carried by a successful response
	MsgCodeSuccess MessageCode = 0

	// Stock administrative request/response codes
	MsgCodePing           MessageCode = 1
	MsgCodePingResponse   MessageCode = 2
	MsgCodeShutdown       MessageCode = 3
	MsgCodeRuntimeStats   MessageCode = 4
	MsgCodeServiceStatus  MessageCode = 5
	MsgCodeConfigRestored MessageCode = 6

	// MsgCodeUserBase is the first code available to application messages
	MsgCodeUserBase MessageCode = 100

	// MsgCodeErrorFirst and MsgCodeErrorLast bound the reserved error band
	MsgCodeErrorFirst MessageCode = 900
	MsgCodeErrorLast  MessageCode = 999
)

// IsError returns true if the code falls within the reserved error band
func (c MessageCode) IsError() bool {
	return c >= MsgCodeErrorFirst && c <= MsgCodeErrorLast
}

// Result converts an error-band message code into its result code.
// Codes inside the band that do not map to a known result collapse
// to ResultGeneralError; codes outside the band are ResultSuccess.
func (c MessageCode) Result() Result {
	if !c.IsError() {
		return ResultSuccess
	}
	r := Result(c - MsgCodeErrorFirst)
	if _, ok := resultNames[r]; ok && r != ResultSuccess {
		return r
	}
	return ResultGeneralError
}

// ErrorCode converts a result code into its in-band message code,
// used by servers to signal application failures in a response envelope.
func ErrorCode(r Result) MessageCode {
	return MsgCodeErrorFirst + MessageCode(r)
}

// ResultError creates an error carrying a result code
func ResultError(r Result, message string) *Error {
	return &Error{
		Code:    r.String(),
		Message: message,
		Result:  r,
	}
}

// WrapResultError wraps an existing error with a result code and message
func WrapResultError(r Result, message string, err error) *Error {
	return &Error{
		Code:    r.String(),
		Message: message,
		Err:     err,
		Result:  r,
	}
}

// ResultOf extracts the result code from an error. A nil error is
// ResultSuccess; errors without a result code are ResultGeneralError.
func ResultOf(err error) Result {
	if err == nil {
		return ResultSuccess
	}
	var e *Error
	if errors.As(err, &e) && e.Result != ResultSuccess {
		return e.Result
	}
	return ResultGeneralError
}
