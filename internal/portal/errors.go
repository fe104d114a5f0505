// SPDX-License-Identifier: MIT

// Package portal is the Go contract the external HTTP/WebSocket layer
// consumes: status, coin insert, pause/resume, voucher redeem, restore and
// the startup resync. Every failure carries a uniform reason code.
package portal

import (
	"errors"
	"fmt"
	"time"
)

// Code is the uniform portal result code.
type Code string

const (
	CodeOK        Code = "ok"
	CodeBusy      Code = "busy"
	CodeBanned    Code = "banned"
	CodeNotFound  Code = "not_found"
	CodeConflict  Code = "conflict"
	CodeInvalid   Code = "invalid"
	CodeTransient Code = "transient"
	CodeExpired   Code = "expired"
	CodeNoRate    Code = "no_rate_for_amount"
)

// Error is the portal failure envelope.
type Error struct {
	Code        Code
	Message     string
	BannedUntil time.Time // set with CodeBanned
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func failf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func banned(until time.Time) *Error {
	return &Error{Code: CodeBanned, Message: "try again later", BannedUntil: until}
}

// CodeOf extracts the portal code from any error, defaulting to transient:
// an unclassified failure is always safe to retry.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeTransient
}
