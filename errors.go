// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ifile

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Kind classifies IFile failures. None of them is recoverable at
// this layer: a reader or writer that returns an error of any kind
// is unusable, and every subsequent call returns the same error.
type Kind int

const (
	// Other is an error not otherwise classified, typically an I/O
	// error of the underlying stream.
	Other Kind = iota
	// Format indicates a malformed length prefix, an inconsistent
	// region header, a misplaced sentinel, or a segment whose length
	// does not match its index entry. An invalid Spec is also a
	// Format error.
	Format
	// Truncated indicates that the stream ended before a declared
	// length was satisfied.
	Truncated
	// Checksum indicates a digest mismatch on a partition.
	Checksum
	// Protocol indicates that an operation was called outside of its
	// valid sequence, for example Value before NextKey or a write
	// after Finish.
	Protocol
)

var kinds = map[Kind]string{
	Other:     "I/O error",
	Format:    "format error",
	Truncated: "truncated stream",
	Checksum:  "checksum mismatch",
	Protocol:  "protocol violation",
}

// String returns a description of the kind.
func (k Kind) String() string {
	if s, ok := kinds[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the error type returned by IFile readers and writers.
type Error struct {
	// Kind classifies the error.
	Kind Kind
	// Op is the operation during which the error occurred.
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("ifile %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is tells whether err is an *Error of the given kind, or wraps
// one.
func Is(kind Kind, err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// newError constructs an *Error. The underlying error carries the
// matching github.com/grailbio/base/errors kind and fatal severity
// so that orchestration code can classify it without importing this
// package.
func newError(kind Kind, op string, args ...interface{}) *Error {
	var baseKind errors.Kind
	switch kind {
	case Format, Protocol:
		baseKind = errors.Invalid
	case Truncated, Checksum:
		baseKind = errors.Integrity
	default:
		baseKind = errors.Other
	}
	return &Error{Kind: kind, Op: op, Err: errors.E(append([]interface{}{baseKind, errors.Fatal}, args...)...)}
}

func errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return newError(kind, op, fmt.Sprintf(format, args...))
}
