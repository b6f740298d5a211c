// Copyright 2025 The runshim Authors.
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

// Package errdefs defines the error kinds surfaced to callers of the shim.
// All failures crossing a component boundary are classified as exactly one
// of these kinds; the service layer maps them to transport status codes and
// never invents kinds of its own.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrUnavailable        = errors.New("unavailable")
	ErrInternal           = errors.New("internal")
	ErrCancelled          = errors.New("cancelled")
)

func IsNotFound(err error) bool           { return errors.Is(err, ErrNotFound) }
func IsAlreadyExists(err error) bool      { return errors.Is(err, ErrAlreadyExists) }
func IsInvalidArgument(err error) bool    { return errors.Is(err, ErrInvalidArgument) }
func IsFailedPrecondition(err error) bool { return errors.Is(err, ErrFailedPrecondition) }
func IsUnavailable(err error) bool        { return errors.Is(err, ErrUnavailable) }
func IsInternal(err error) bool           { return errors.Is(err, ErrInternal) }
func IsCancelled(err error) bool          { return errors.Is(err, ErrCancelled) }

// NotFoundf and friends build a classified error with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

func AlreadyExistsf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrAlreadyExists)...)
}

func InvalidArgumentf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidArgument)...)
}

func FailedPreconditionf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrFailedPrecondition)...)
}

func Unavailablef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnavailable)...)
}

func Internalf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInternal)...)
}

// StatusCanceled is the nginx convention for a client that went away.
const statusClientClosedRequest = 499

// ToHTTP maps a classified error to an HTTP status code. Unclassified
// errors are treated as internal.
func ToHTTP(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case IsAlreadyExists(err):
		return http.StatusConflict
	case IsInvalidArgument(err):
		return http.StatusBadRequest
	case IsFailedPrecondition(err):
		return http.StatusPreconditionFailed
	case IsUnavailable(err):
		return http.StatusServiceUnavailable
	case IsCancelled(err):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTP classifies a shim response status on the client side, the
// inverse of ToHTTP. A 2xx status yields nil.
func FromHTTP(status int, message string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	kind := ErrInternal
	switch status {
	case http.StatusNotFound:
		kind = ErrNotFound
	case http.StatusConflict:
		kind = ErrAlreadyExists
	case http.StatusBadRequest:
		kind = ErrInvalidArgument
	case http.StatusPreconditionFailed:
		kind = ErrFailedPrecondition
	case http.StatusServiceUnavailable:
		kind = ErrUnavailable
	case statusClientClosedRequest:
		kind = ErrCancelled
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return fmt.Errorf("%s: %w", message, kind)
}
