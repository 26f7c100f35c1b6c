/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

// Package status implements the tagged status/error taxonomy that every
// core component returns in place of throwing. No component in this
// module panics or propagates a language-level exception across a
// package boundary; everything that can fail returns a Status (or a
// (T, Status) pair).
package status

import "fmt"

// Code enumerates the error taxonomy.
type Code int

const (
	OK Code = iota
	AlreadyConnectedToEndpoint
	EndpointUnknown
	EndpointIoError
	InvalidProtocolBuffer
	ConnectionRejected
	AuthenticationFailure
	OutOfOrderApiCall
	Timeout
	Cancelled
	Error
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case AlreadyConnectedToEndpoint:
		return "AlreadyConnectedToEndpoint"
	case EndpointUnknown:
		return "EndpointUnknown"
	case EndpointIoError:
		return "EndpointIoError"
	case InvalidProtocolBuffer:
		return "InvalidProtocolBuffer"
	case ConnectionRejected:
		return "ConnectionRejected"
	case AuthenticationFailure:
		return "AuthenticationFailure"
	case OutOfOrderApiCall:
		return "OutOfOrderApiCall"
	case Timeout:
		return "Timeout"
	case Cancelled:
		return "Cancelled"
	default:
		return "Error"
	}
}

// Status is a small wrapped-code value implementing error.
type Status struct {
	code       Code
	endpointID string
	cause      error
}

func New(code Code) Status {
	return Status{code: code}
}

func Wrap(code Code, cause error) Status {
	return Status{code: code, cause: cause}
}

func ForEndpoint(code Code, endpointID string, cause error) Status {
	return Status{code: code, endpointID: endpointID, cause: cause}
}

func (s Status) Code() Code {
	return s.code
}

func (s Status) EndpointID() string {
	return s.endpointID
}

func (s Status) Ok() bool {
	return s.code == OK
}

func (s Status) Unwrap() error {
	return s.cause
}

func (s Status) Error() string {
	if s.cause != nil && s.endpointID != "" {
		return fmt.Sprintf("%s(%s): %v", s.code, s.endpointID, s.cause)
	}
	if s.cause != nil {
		return fmt.Sprintf("%s: %v", s.code, s.cause)
	}
	if s.endpointID != "" {
		return fmt.Sprintf("%s(%s)", s.code, s.endpointID)
	}
	return s.code.String()
}

// OKStatus is the zero-value success status, returned wherever a
// plain nil error would otherwise be.
var OKStatus = Status{code: OK}
