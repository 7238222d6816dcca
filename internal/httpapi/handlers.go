// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// Operation labels passed to the Recorder.
const (
	opRegister = "register"
	opLogin    = "login"
	opLogout   = "logout"
	opSession  = "session"
)

type registerRequest struct {
	Username    string `json:"username" validate:"notblank"`
	Email       string `json:"email" validate:"notblank"`
	PhoneNumber string `json:"phoneNumber" validate:"notblank"`
	Password    string `json:"password" validate:"notblank"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"notblank"`
	Password string `json:"password" validate:"notblank"`
}

type userResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber"`
}

type userMessageResponse struct {
	Message string       `json:"message"`
	User    userResponse `json:"user"`
}

func toUserResponse(a *auth.Account) userResponse {
	return userResponse{
		ID:          a.ID.String(),
		Username:    a.Username,
		Email:       a.Email,
		PhoneNumber: a.PhoneNumber,
	}
}

// bindRequired binds and validates req. Absent, empty, and whitespace-only
// fields are all missing. ok is false once a response has been written.
func (s *Server) bindRequired(c echo.Context, op string, req any, missingMsg string) (bool, error) {
	if err := c.Bind(req); err != nil {
		s.recorder.ObserveRequest(op, auth.ErrValidation)
		if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
			return false, c.JSON(http.StatusRequestEntityTooLarge, messageResponse{Message: msgBodyTooLarge})
		}
		return false, c.JSON(http.StatusBadRequest, messageResponse{Message: missingMsg})
	}
	if err := c.Validate(req); err != nil {
		s.recorder.ObserveRequest(op, auth.ErrValidation)
		return false, c.JSON(http.StatusBadRequest, messageResponse{
			Message:     missingMsg,
			FieldErrors: fieldErrors(err),
		})
	}
	return true, nil
}

func (s *Server) register(c echo.Context) error {
	var req registerRequest
	if ok, err := s.bindRequired(c, opRegister, &req, msgRegisterRequired); !ok {
		return err
	}

	_, err := s.service.Register(c.Request().Context(), auth.RegisterInput{
		Username:    req.Username,
		Email:       req.Email,
		PhoneNumber: req.PhoneNumber,
		Password:    req.Password,
	})
	s.recorder.ObserveRequest(opRegister, err)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, messageResponse{Message: msgRegistered})
}

func (s *Server) login(c echo.Context) error {
	var req loginRequest
	if ok, err := s.bindRequired(c, opLogin, &req, msgLoginRequired); !ok {
		return err
	}

	result, err := s.service.Login(c.Request().Context(), req.Email, req.Password)
	s.recorder.ObserveRequest(opLogin, err)
	if err != nil {
		return s.writeError(c, err)
	}

	c.SetCookie(s.sessionCookie(result.Token, result.Session.ExpiresAt))
	return c.JSON(http.StatusOK, userMessageResponse{
		Message: msgLoggedIn,
		User:    toUserResponse(result.Account),
	})
}

// logout always succeeds for the client. A revoke failure is logged and the
// session still expires on its own.
func (s *Server) logout(c echo.Context) error {
	var err error
	if token := s.token(c); token != "" {
		err = s.service.Logout(c.Request().Context(), token)
	}
	s.recorder.ObserveRequest(opLogout, err)
	if err != nil {
		s.logger.WarnContext(c.Request().Context(), "logout revoke failed", "error", err)
	}

	c.SetCookie(s.clearedCookie())
	return c.JSON(http.StatusOK, messageResponse{Message: msgLoggedOut})
}

func (s *Server) session(c echo.Context) error {
	token := s.token(c)
	if token == "" {
		err := oops.Code("SESSION_MISSING").Wrap(auth.ErrUnauthenticated)
		s.recorder.ObserveRequest(opSession, err)
		return s.writeError(c, err)
	}

	account, err := s.service.ValidateSession(c.Request().Context(), token)
	s.recorder.ObserveRequest(opSession, err)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, userMessageResponse{
		Message: msgAuthenticated,
		User:    toUserResponse(account),
	})
}

// token reads the session cookie, falling back to a bearer token.
func (s *Server) token(c echo.Context) string {
	if cookie, err := c.Cookie(s.cfg.CookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	scheme, token, found := strings.Cut(c.Request().Header.Get(echo.HeaderAuthorization), " ")
	if found && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

func (s *Server) sessionCookie(token string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *Server) clearedCookie() *http.Cookie {
	return &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}
