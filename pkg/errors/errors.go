// Unified error handling for the zalign host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Command surface errors
	ErrCommandParse        ErrorCode = "COMMAND_PARSE"
	ErrCommandUnknown      ErrorCode = "COMMAND_UNKNOWN"
	ErrCommandMissingParam ErrorCode = "COMMAND_MISSING_PARAM"
	ErrCommandInvalidParam ErrorCode = "COMMAND_INVALID_PARAM"

	// Alignment run errors
	ErrInvalidParameter ErrorCode = "INVALID_PARAMETER"
	ErrPointBounds      ErrorCode = "POINT_BOUNDS"
	ErrAlignBusy        ErrorCode = "ALIGN_BUSY"

	// Board link errors
	ErrBoardIO       ErrorCode = "BOARD_IO"
	ErrBoardProtocol ErrorCode = "BOARD_PROTOCOL"
	ErrBoardTimeout  ErrorCode = "BOARD_TIMEOUT"

	// Host state errors
	ErrShutdown ErrorCode = "SHUTDOWN"
	ErrInternal ErrorCode = "INTERNAL"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or context
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigOptionError creates an error for missing or invalid config option
func ConfigOptionError(section, option string) *HostError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// ConfigTypeError creates an error for config type conversion failure
func ConfigTypeError(section, option, value string, targetType string, err error) *HostError {
	return Wrap(err, ErrConfigType, fmt.Sprintf("option '%s' in section '%s': failed to parse '%s' as %s", option, section, value, targetType)).
		SetSection(section).
		SetOption(option)
}

// Command surface errors

// CommandParseError creates an error for a malformed command line
func CommandParseError(line string, reason string) *HostError {
	return New(ErrCommandParse, fmt.Sprintf("failed to parse command: %s (reason: %s)", line, reason))
}

// UnknownCommandError creates an error for an unrecognized command
func UnknownCommandError(command string) *HostError {
	return New(ErrCommandUnknown, fmt.Sprintf("unknown command: %s", command))
}

// MissingParameterError creates an error for a missing command parameter
func MissingParameterError(command, param string) *HostError {
	return New(ErrCommandMissingParam, fmt.Sprintf("command '%s' missing required parameter: %s", command, param))
}

// CommandParamError creates an error for an unparsable command parameter
func CommandParamError(command, param, value string, reason string) *HostError {
	return New(ErrCommandInvalidParam, fmt.Sprintf("command '%s': invalid parameter '%s=%s' (%s)", command, param, value, reason))
}

// Alignment run errors

// InvalidParameterError rejects an out-of-range run parameter. The
// parameter name is recorded so callers can tell which bound tripped.
func InvalidParameterError(param string, value, min, max float64) *HostError {
	return New(ErrInvalidParameter,
		fmt.Sprintf("parameter '%s' value %g out of range [%g, %g]", param, value, min, max)).
		SetOption(param)
}

// PointBoundsError rejects a probe point outside machine travel limits
func PointBoundsError(axis string, coord, min, max float64) *HostError {
	return New(ErrPointBounds, fmt.Sprintf("%s coordinate %.3f out of bounds [%.3f, %.3f]", axis, coord, min, max))
}

// BusyError reports that an alignment run is already in progress
func BusyError() *HostError {
	return New(ErrAlignBusy, "alignment run already in progress")
}

// Board link errors

// BoardIOError creates an error for board communication failure
func BoardIOError(operation string, err error) *HostError {
	return Wrap(err, ErrBoardIO, fmt.Sprintf("board %s failed", operation))
}

// BoardProtocolError creates an error for a malformed board response
func BoardProtocolError(detail string) *HostError {
	return New(ErrBoardProtocol, detail)
}

// BoardTimeoutError creates an error for a board response timeout
func BoardTimeoutError(command string) *HostError {
	return New(ErrBoardTimeout, fmt.Sprintf("no response to '%s'", command))
}

// Host state errors

// ShutdownError reports that the host is in the shutdown state
func ShutdownError(reason string) *HostError {
	return New(ErrShutdown, fmt.Sprintf("host is shutdown: %s", reason))
}

// InternalError creates a general internal error
func InternalError(message string) *HostError {
	return New(ErrInternal, message)
}

// PanicError converts a value obtained from recover() into a HostError.
// recover() must be called directly in the deferred function; pass its
// result here:
//
//	defer func() {
//		if r := recover(); r != nil {
//			err = errors.PanicError(r)
//		}
//	}()
func PanicError(r interface{}) *HostError {
	switch x := r.(type) {
	case string:
		return InternalError(fmt.Sprintf("panic: %s", x))
	case runtime.Error:
		return InternalError(x.Error())
	case error:
		return InternalError(x.Error())
	default:
		return InternalError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if error matches given error code
func Is(err error, code ErrorCode) bool {
	if hostErr, ok := err.(*HostError); ok {
		return hostErr.Code == code
	}
	return false
}

// CodeOf returns the error's code, or ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if hostErr, ok := err.(*HostError); ok {
		return hostErr.Code
	}
	return ErrInternal
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsCommand checks if error is a command surface error
func IsCommand(err error) bool {
	return Is(err, ErrCommandParse) ||
		Is(err, ErrCommandUnknown) ||
		Is(err, ErrCommandMissingParam) ||
		Is(err, ErrCommandInvalidParam)
}

// IsBoard checks if error is a board link error
func IsBoard(err error) bool {
	return Is(err, ErrBoardIO) ||
		Is(err, ErrBoardProtocol) ||
		Is(err, ErrBoardTimeout)
}
