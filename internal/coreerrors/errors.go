// Package coreerrors implements the error taxonomy from spec §7 and the
// CLI/host API error codes from spec §6.
package coreerrors

import (
	"errors"
	"fmt"
)

// Code is one of the CLI/host API error codes from spec §6.
type Code int

const (
	OK Code = iota
	CodeConfigPath
	CodeConfig
	CodeIO
	CodeWatcher
	CodeAsyncChannelSend
	CodeSyncChannelRecv
	CodeRuntimeManager
	CodeNoConfigFile
)

// String renders the code the way cmd/leaf reports it on exit.
func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case CodeConfigPath:
		return "CONFIG_PATH"
	case CodeConfig:
		return "CONFIG"
	case CodeIO:
		return "IO"
	case CodeWatcher:
		return "WATCHER"
	case CodeAsyncChannelSend:
		return "ASYNC_CHANNEL_SEND"
	case CodeSyncChannelRecv:
		return "SYNC_CHANNEL_RECV"
	case CodeRuntimeManager:
		return "RUNTIME_MANAGER"
	case CodeNoConfigFile:
		return "NO_CONFIG_FILE"
	default:
		return "UNKNOWN"
	}
}

// Error wraps a cause with a taxonomy [Code].
//
// Config errors are fatal at construction (outbound/router build);
// IO errors are non-fatal per flow but fatal at startup; Watcher errors
// are non-fatal and only logged; ChannelSend/ChannelRecv are generally
// fatal to the owning task; RuntimeManager and NoConfigFile are surfaced
// directly to the control-plane caller.
type Error struct {
	Code  Code
	Cause error
}

// New constructs an [*Error].
func New(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

// Newf constructs an [*Error] from a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Cause: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Cause)
}

// Unwrap enables errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// CodeOf extracts the [Code] from err, defaulting to CodeIO for any error
// that did not originate from this package — every non-taxonomy failure
// that escapes to the control plane is an I/O-class failure by default.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeIO
}
