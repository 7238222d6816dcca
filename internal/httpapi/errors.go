// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/pkg/errutil"
)

// Response messages. Failure text never distinguishes which field or
// which account caused a rejection.
const (
	msgRegistered       = "User registered successfully!"
	msgLoggedIn         = "Login successful!"
	msgLoggedOut        = "Logout successful!"
	msgAuthenticated    = "Authenticated."
	msgRegisterRequired = "All fields are required."
	msgLoginRequired    = "Email and password are required."
	msgInvalidDetails   = "Invalid registration details."
	msgDuplicate        = "Email or username is already in use."
	msgInvalidLogin     = "Invalid email or password."
	msgUnauthenticated  = "Not authenticated."
	msgUnavailable      = "Service temporarily unavailable."
	msgInternal         = "Internal server error."
	msgTooManyRequests  = "Too many requests."
	msgForbidden        = "Forbidden."
	msgMalformedRequest = "Malformed request body."
	msgBodyTooLarge     = "Request body too large."
	msgRouteNotFound    = "Not found."
	msgMethodNotAllowed = "Method not allowed."
)

type messageResponse struct {
	Message     string            `json:"message"`
	FieldErrors map[string]string `json:"fieldErrors,omitempty"`
}

// statusFor maps an auth error to its status and public message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrValidation):
		return http.StatusBadRequest, msgInvalidDetails
	case errors.Is(err, auth.ErrDuplicate):
		return http.StatusBadRequest, msgDuplicate
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, msgInvalidLogin
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, msgUnauthenticated
	case errors.Is(err, auth.ErrStorageUnavailable), errors.Is(err, auth.ErrReservationExpired):
		return http.StatusServiceUnavailable, msgUnavailable
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// writeError renders err. Server-side failures are logged with their oops
// context; client errors are not.
func (s *Server) writeError(c echo.Context, err error) error {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger := s.logger.With("method", c.Request().Method, "path", c.Path())
		errutil.LogErrorContext(c.Request().Context(), logger, "request failed", err)
	}

	resp := messageResponse{Message: msg}
	var verr *auth.ValidationError
	if errors.As(err, &verr) {
		resp.FieldErrors = verr.Fields
	}
	return c.JSON(status, resp)
}

// handleHTTPError renders errors that escape handlers, including echo's own
// routing errors.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		msg := http.StatusText(httpErr.Code)
		switch httpErr.Code {
		case http.StatusNotFound:
			msg = msgRouteNotFound
		case http.StatusMethodNotAllowed:
			msg = msgMethodNotAllowed
		case http.StatusBadRequest:
			msg = msgMalformedRequest
		case http.StatusRequestEntityTooLarge:
			msg = msgBodyTooLarge
		}
		_ = c.JSON(httpErr.Code, messageResponse{Message: msg})
		return
	}

	_ = s.writeError(c, err)
}
