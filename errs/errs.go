// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

// Package errs defines the error taxonomy shared by eventq, stream,
// subproc and pgcore. Every kind except QueryError is a value of the
// single *Error type, told apart by its Kind field (see Is); QueryError
// is its own type, reachable with errors.As. All give a message via
// Error().
package errs

import "fmt"

// Kind identifies one row of the error taxonomy.
type Kind string

const (
	BadArgument       Kind = "bad_argument"
	ResourceExhausted Kind = "resource_exhausted"
	IoError           Kind = "io_error"
	PeerClosed        Kind = "peer_closed"
	InvalidState      Kind = "invalid_state"
	Interrupted       Kind = "interrupted"
	Registration      Kind = "registration"
	ExecFailed        Kind = "exec_failed"
	IpcCorrupt        Kind = "ipc_corrupt"
	ConnectFailed     Kind = "connect_failed"
	PipelineAborted   Kind = "pipeline_aborted"
	ConnectionBroken  Kind = "connection_broken"
)

// Error is the concrete error value for every taxonomy kind except
// QueryError, which carries an additional SQLSTATE code.
type Error struct {
	Kind    Kind
	Message string
	// Ident, when non-empty, names the offending identifier (fd, signal
	// number, path) for Registration/IoError style faults.
	Ident string
	cause error
}

func (e *Error) Error() string {
	if e.Ident != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Ident)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a bare taxonomy error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a bare taxonomy error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithIdent attaches the offending identifier (fd, path, signal number).
func (e *Error) WithIdent(ident string) *Error {
	e.Ident = ident
	return e
}

// Wrap builds a taxonomy error carrying cause as its wrapped error,
// reachable through Unwrap. No stack trace is recorded.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// QueryError is PGCORE's get_result failure: a message plus the
// SQLSTATE code reported by the server (empty if the server supplied
// none), matching libpq's {message, code} error-object surface.
type QueryError struct {
	Message string
	Code    string
}

func (e *QueryError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (SQLSTATE %s)", e.Message, e.Code)
}

// Is reports whether err is any taxonomy error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return asError(err, &e) && e.Kind == kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
