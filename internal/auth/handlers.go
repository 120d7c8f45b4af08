package auth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/aidashboard/backend/internal/db"
	apperrors "github.com/aidashboard/backend/internal/errors"
)

// EventRecorder counts authentication outcomes, e.g. ("login", "failure").
type EventRecorder interface {
	RecordAuthEvent(event, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordAuthEvent(string, string) {}

type okResponse struct {
	OK bool `json:"ok"`
}

type SignupResponse struct {
	OK bool   `json:"ok"`
	ID string `json:"id"`
}

type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type LoginResponse struct {
	OK   bool      `json:"ok"`
	User *UserInfo `json:"user"`
}

type MeResponse struct {
	OK    bool   `json:"ok"`
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Handlers return errors and are adapted with apperrors.HandleFunc.
type Handlers struct {
	service *Service
	cookies *CookieTransport
	events  EventRecorder
}

func NewHandlers(service *Service, cookies *CookieTransport, events EventRecorder) *Handlers {
	if events == nil {
		events = nopRecorder{}
	}
	return &Handlers{service: service, cookies: cookies, events: events}
}

// Signup handles POST /api/auth/signup
func (h *Handlers) Signup(w http.ResponseWriter, r *http.Request) error {
	var req SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := validateRequest(&req); err != nil {
		return err
	}

	user, pair, err := h.service.Signup(r.Context(), req.Email, req.Password)
	if err != nil {
		h.events.RecordAuthEvent("signup", "failure")
		return mapError(err)
	}
	h.events.RecordAuthEvent("signup", "success")

	h.cookies.SetTokens(w, pair)
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, SignupResponse{OK: true, ID: user.ID})
	return nil
}

// Login handles POST /api/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) error {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := validateRequest(&req); err != nil {
		return err
	}

	user, pair, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.events.RecordAuthEvent("login", "failure")
		return mapError(err)
	}
	h.events.RecordAuthEvent("login", "success")

	h.cookies.SetTokens(w, pair)
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, LoginResponse{
		OK:   true,
		User: &UserInfo{ID: user.ID, Email: user.Email},
	})
	return nil
}

// Logout handles POST /api/auth/logout. It needs no valid session: clearing
// cookies is always allowed.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) error {
	h.cookies.Clear(w)
	h.events.RecordAuthEvent("logout", "success")
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, okResponse{OK: true})
	return nil
}

// Refresh handles POST /api/auth/refresh
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) error {
	token, ok := h.cookies.RefreshToken(r)
	if !ok {
		h.events.RecordAuthEvent("refresh", "failure")
		return apperrors.New(apperrors.CodeNotAuthenticated, "missing refresh token", apperrors.CategoryClient, http.StatusUnauthorized)
	}

	pair, err := h.service.Refresh(r.Context(), token)
	if err != nil {
		h.events.RecordAuthEvent("refresh", "failure")
		if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenExpired) {
			return apperrors.InvalidRefreshToken().WithCause(err)
		}
		return mapError(err)
	}
	h.events.RecordAuthEvent("refresh", "success")

	h.cookies.SetTokens(w, pair)
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, okResponse{OK: true})
	return nil
}

// Me handles GET /api/auth/me
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) error {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		return apperrors.NotAuthenticated()
	}

	user, err := h.service.Me(r.Context(), id.UserID)
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			return apperrors.NotAuthenticated().WithCause(err)
		}
		return mapError(err)
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, MeResponse{
		OK:    true,
		ID:    user.ID,
		Email: user.Email,
	})
	return nil
}

// ChangePassword handles PUT /api/auth/password
func (h *Handlers) ChangePassword(w http.ResponseWriter, r *http.Request) error {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		return apperrors.NotAuthenticated()
	}

	var req ChangePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := validateRequest(&req); err != nil {
		return err
	}

	pair, err := h.service.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		h.events.RecordAuthEvent("password_change", "failure")
		return mapAccountError(err)
	}
	h.events.RecordAuthEvent("password_change", "success")

	h.cookies.SetTokens(w, pair)
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, okResponse{OK: true})
	return nil
}

// DeleteAccount handles DELETE /api/auth/account
func (h *Handlers) DeleteAccount(w http.ResponseWriter, r *http.Request) error {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		return apperrors.NotAuthenticated()
	}

	var req DeleteAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := validateRequest(&req); err != nil {
		return err
	}

	if err := h.service.DeleteAccount(r.Context(), id.UserID, req.Password); err != nil {
		h.events.RecordAuthEvent("account_delete", "failure")
		return mapAccountError(err)
	}
	h.events.RecordAuthEvent("account_delete", "success")

	h.cookies.Clear(w)
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, okResponse{OK: true})
	return nil
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperrors.PayloadTooLarge().WithCause(err)
		case errors.Is(err, io.EOF):
			return apperrors.BadRequest("request body is required")
		default:
			return apperrors.BadRequest("invalid request body").WithCause(err)
		}
	}
	return nil
}

func mapError(err error) error {
	switch {
	case errors.Is(err, db.ErrEmailExists):
		return apperrors.EmailExists()
	case errors.Is(err, ErrInvalidCredentials):
		return apperrors.InvalidCredentials()
	case errors.Is(err, db.ErrUnavailable):
		return apperrors.StoreUnavailable().WithCause(err)
	default:
		return err
	}
}

// mapAccountError treats a vanished user like a dead session.
func mapAccountError(err error) error {
	if errors.Is(err, db.ErrUserNotFound) {
		return apperrors.NotAuthenticated().WithCause(err)
	}
	return mapError(err)
}
