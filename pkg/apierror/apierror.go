// Copyright 2025 Memoros Authors
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

// Package apierror maps internal error kinds onto the uniform HTTP error body
// {detail, code}. Handlers return plain errors; the single WriteError exit
// point decides the status. Internal errors are never echoed to the caller.
package apierror

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Sentinel errors shared across packages. Stores and services wrap these with
// fmt.Errorf("...: %w", err); the HTTP layer unwraps them here.
var (
	ErrNotFound      = errors.New("not found")
	ErrForbidden     = errors.New("permission denied")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation failed")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrUnavailable   = errors.New("upstream unavailable")
)

// Body is the uniform error response body.
type Body struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

// E is an error carrying an explicit HTTP status and code. Use New for
// one-off errors; prefer the sentinels for the common kinds.
type E struct {
	Status int
	Code   string
	Detail string
	cause  error
}

func (e *E) Error() string {
	if e.cause != nil {
		return e.Detail + ": " + e.cause.Error()
	}
	return e.Detail
}

func (e *E) Unwrap() error { return e.cause }

// New creates an error with an explicit status and code.
func New(status int, code, detail string) *E {
	return &E{Status: status, Code: code, Detail: detail}
}

// Wrap attaches a status and code to an underlying error.
func Wrap(err error, status int, code, detail string) *E {
	return &E{Status: status, Code: code, Detail: detail, cause: err}
}

// StatusOf resolves the HTTP status for an error.
func StatusOf(err error) int {
	var e *E
	if errors.As(err, &e) {
		return e.Status
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf resolves the machine-readable code for an error.
func CodeOf(err error) string {
	var e *E
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	switch StatusOf(err) {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusForbidden:
		return "permission_denied"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_error"
	case http.StatusTooManyRequests:
		return "quota_exceeded"
	case http.StatusServiceUnavailable:
		return "upstream_unavailable"
	case http.StatusBadRequest:
		return "bad_request"
	default:
		return "internal_error"
	}
}

// WriteError writes the uniform error body. 5xx details are replaced with a
// generic message and the original error is logged with the request id.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	code := CodeOf(err)

	detail := err.Error()
	if status >= http.StatusInternalServerError {
		requestID := r.Header.Get("X-Request-Id")
		slog.Error("internal error", "error", err, "path", r.URL.Path, "request_id", requestID)
		detail = "internal error"
		if requestID != "" {
			detail = "internal error (request " + requestID + ")"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Body{Detail: detail, Code: code})
}
