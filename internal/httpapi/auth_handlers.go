package httpapi

import (
	"net/http"

	"gatehouse.dev/internal/audit"
	"gatehouse.dev/internal/auth"
)

const refreshCookie = "refreshToken"

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !bind(w, r, &req) {
		return
	}
	res, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"user_id": res.User.ID,
		"email":   res.User.Email,
	})
	a.writeSession(w, res, "Login successfully")
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !bind(w, r, &req) {
		return
	}
	res, err := a.auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{
		"user_id": res.User.ID,
		"email":   res.User.Email,
	})
	a.writeSession(w, res, "Register successfully")
}

// handleRefresh rotates the refresh cookie. The old token stops working once this returns.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookie)
	if err != nil || cookie.Value == "" {
		writeError(w, r, http.StatusUnauthorized, CodeTokenRequired, "Refresh token is required")
		return
	}
	res, err := a.auth.Refresh(r.Context(), cookie.Value)
	if err != nil {
		if auth.IsTokenError(err) {
			a.clearRefreshCookie(w)
		}
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.refresh", map[string]any{
		"user_id": res.User.ID,
	})
	a.writeSession(w, res, "Refresh token successfully")
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !bind(w, r, &req) {
		return
	}
	if err := a.auth.ForgotPassword(r.Context(), req.Email); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.forgot_password", map[string]any{
		"email": auth.NormalizeEmail(req.Email),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !bind(w, r, &req) {
		return
	}
	if err := a.auth.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password_reset", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, r)
		return
	}
	if err := a.auth.Logout(r.Context(), userID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, r)
		return
	}
	var req changePasswordRequest
	if !bind(w, r, &req) {
		return
	}
	if err := a.auth.ChangePassword(r.Context(), userID, req.Password, req.NewPassword); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password_changed", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	resp := sessionResponse{}
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		resp = sessionResponse{Authenticated: true, UserID: p.UserID, Role: p.Role}
	}
	writeSuccess(w, http.StatusOK, "", resp)
}

func (a *API) writeSession(w http.ResponseWriter, res auth.AuthResult, msg string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    res.Tokens.RefreshToken,
		Path:     "/",
		MaxAge:   int(a.opts.RefreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	writeSuccess(w, http.StatusCreated, msg, authTokenResponse{
		AccessToken: res.Tokens.AccessToken,
		User:        profileOf(res.User),
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
