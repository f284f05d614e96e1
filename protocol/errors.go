// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors matched by RejectionError.Is.
var (
	ErrAlreadyExists   = errors.New("already exists")
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidArgument = errors.New("invalid argument")
)

// RejectionError is returned to the originator of a rejected command.
type RejectionError struct {
	Type   RejectionType
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Reason)
}

// Is reports whether target is the sentinel of the rejection type.
func (e *RejectionError) Is(target error) bool {
	switch e.Type {
	case RejectionAlreadyExists:
		return target == ErrAlreadyExists
	case RejectionNotFound:
		return target == ErrNotFound
	case RejectionInvalidState:
		return target == ErrInvalidState
	case RejectionForbidden:
		return target == ErrForbidden
	case RejectionInvalidArgument:
		return target == ErrInvalidArgument
	}
	return false
}

// Rejectf builds a rejection with a formatted reason.
func Rejectf(t RejectionType, format string, args ...any) *RejectionError {
	return &RejectionError{Type: t, Reason: fmt.Sprintf(format, args...)}
}

// RejectionTypeOf returns the rejection type wrapped by err, or RejectionNone.
func RejectionTypeOf(err error) RejectionType {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Type
	}
	return RejectionNone
}
