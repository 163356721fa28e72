// Copyright 2018-2019 The logrange Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"fmt"

	"github.com/pkg/errors"
)

type (
	// ErrorKind classifies errors produced by the streamprobe components
	ErrorKind int

	// Error is the error returned by the components. It keeps the kind of the
	// failure and the cause, which is wrapped with a stack trace.
	Error struct {
		Kind ErrorKind
		err  error
	}
)

const (
	// KindConfig - a required setting is missing or invalid. Fatal.
	KindConfig ErrorKind = iota + 1

	// KindAuth - credentials could not be obtained. Fatal.
	KindAuth

	// KindConnection - the stream connection could not be established or
	// maintained. Fatal on startup only.
	KindConnection

	// KindSchema - the table schema could not be retrieved or converted into
	// a row descriptor. Fatal.
	KindSchema

	// KindWrite - an append failed. Never fatal.
	KindWrite
)

// NewConfigError returns new KindConfig error with the formatted message
func NewConfigError(format string, args ...interface{}) error {
	return &Error{Kind: KindConfig, err: errors.Errorf(format, args...)}
}

// NewAuthError wraps cause into KindAuth error
func NewAuthError(cause error, msg string) error {
	return newError(KindAuth, cause, msg)
}

// NewConnectionError wraps cause into KindConnection error
func NewConnectionError(cause error, msg string) error {
	return newError(KindConnection, cause, msg)
}

// NewSchemaError wraps cause into KindSchema error
func NewSchemaError(cause error, msg string) error {
	return newError(KindSchema, cause, msg)
}

// NewWriteError wraps cause into KindWrite error
func NewWriteError(cause error, msg string) error {
	return newError(KindWrite, cause, msg)
}

// IsKind returns whether err, or any error it wraps, is an *Error of the kind
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func newError(kind ErrorKind, cause error, msg string) error {
	if cause == nil {
		return &Error{Kind: kind, err: errors.New(msg)}
	}
	return &Error{Kind: kind, err: errors.Wrap(cause, msg)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.err)
}

// Cause is a part of pkg/errors causer
func (e *Error) Cause() error {
	return errors.Cause(e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Format prints the stack trace of the cause for %+v
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s: %+v", e.Kind, e.err)
		return
	}
	fmt.Fprint(s, e.Error())
}

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindAuth:
		return "AuthError"
	case KindConnection:
		return "ConnectionError"
	case KindSchema:
		return "SchemaError"
	case KindWrite:
		return "WriteError"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}
