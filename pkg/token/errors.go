// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package token

import (
	"errors"
	"fmt"
)

// Sentinel errors for credential handling. Handlers translate these into the
// matching HTTP status and WWW-Authenticate challenge.
var (
	// ErrInvalidRequest indicates a malformed header or parameter.
	ErrInvalidRequest = errors.New("invalid_request")
	// ErrInvalidToken indicates a credential that could not be resolved.
	ErrInvalidToken = errors.New("invalid_token")
	// ErrInsufficientScope indicates a valid token lacking a required scope.
	ErrInsufficientScope = errors.New("insufficient_scope")
	// ErrPermissionDenied indicates an ACL violation.
	ErrPermissionDenied = errors.New("permission_denied")
	// ErrNotFound indicates an unknown token, user, or admin.
	ErrNotFound = errors.New("not_found")
	// ErrProviderFailure indicates an upstream identity provider failure.
	ErrProviderFailure = errors.New("provider_failure")
)

// Validation error types, surfaced to clients as detail.type in 422 bodies.
const (
	TypeBadExpires         = "bad_expires"
	TypeBadScopes          = "bad_scopes"
	TypeDuplicateTokenName = "duplicate_token_name"
	TypeBadCursor          = "bad_cursor"
	TypeBadIPAddress       = "bad_ip_address"
	TypeBadTokenName       = "bad_token_name"
	TypeBadUsername        = "bad_username"
)

// ValidationError is a request validation failure carrying the machine
// readable fields of the API's structured detail body.
type ValidationError struct {
	// Type is the stable machine-readable error type.
	Type string
	// Loc locates the offending field, e.g. ["body", "scopes"].
	Loc []string
	// Msg is the human-readable explanation.
	Msg string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Msg)
}

// NewValidationError builds a ValidationError for the given field path.
func NewValidationError(errType, msg string, loc ...string) *ValidationError {
	return &ValidationError{Type: errType, Loc: loc, Msg: msg}
}

// AsValidationError unwraps err into a *ValidationError if it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	ok := errors.As(err, &verr)
	return verr, ok
}
