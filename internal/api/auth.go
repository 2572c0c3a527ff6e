package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/repoindex/internal/auth"
	"github.com/seanblong/repoindex/internal/syncer"
)

const (
	stateCookie = "oauth_state"
	tokenCookie = "auth_token"
)

type loginResponse struct {
	auth.AuthResponse
	// Dispatched counts the deferred pushes picked up by this login.
	Dispatched int `json:"dispatched_runs"`
}

func (s *Server) registerAuth(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]bool{"enabled": auth.IsAuthEnabled()})
	})
	if !auth.IsAuthEnabled() {
		return
	}
	mux.HandleFunc("GET /auth/github", s.handleLogin)
	mux.HandleFunc("GET /auth/callback", s.handleCallback)
	mux.HandleFunc("GET /auth/me", s.handleMe)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
}

func secure(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("X-Forwarded-Proto"), "https")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := auth.GenerateState()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   secure(r),
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, auth.GetGithubLoginURL(state), http.StatusTemporaryRedirect)
}

// handleCallback finishes the OAuth flow, registers the session and
// dispatches the pushes that were waiting for this user.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r)
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	c, err := r.Cookie(stateCookie)
	if err != nil || c.Value != state {
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})
	if code == "" {
		http.Error(w, "Missing code parameter", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	accessToken, err := auth.ExchangeCodeForToken(ctx, code)
	if err != nil {
		logger.Error().Err(err).Msg("token exchange failed")
		http.Error(w, "Failed to exchange code for token", http.StatusInternalServerError)
		return
	}
	user, err := auth.GetGithubUser(ctx, accessToken)
	if errors.Is(err, auth.ErrNotOrgMember) {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if err != nil {
		http.Error(w, "Failed to get user info: "+err.Error(), http.StatusInternalServerError)
		return
	}
	repos, err := auth.ListUserRepositories(ctx, accessToken)
	if err != nil {
		// the session still authorizes the user's own repositories
		logger.Warn().Err(err).Str("login", user.Login).Msg("list repositories")
	}

	token, err := auth.GenerateJWT(user)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	dispatched, err := s.Coordinator.OnLogin(ctx, syncer.Identity{Login: user.Login, AccessToken: accessToken, Repositories: repos})
	if err != nil {
		logger.Error().Err(err).Str("login", user.Login).Msg("login catch-up")
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   86400,
		HttpOnly: true,
		Secure:   secure(r),
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, r, http.StatusOK, loginResponse{
		AuthResponse: auth.AuthResponse{User: *user, Token: token},
		Dispatched:   dispatched,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	tokenString := auth.TokenFromRequest(r)
	if tokenString == "" {
		http.Error(w, "No authentication token", http.StatusUnauthorized)
		return
	}
	user, err := auth.ValidateJWT(tokenString)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}
	writeJSON(w, r, http.StatusOK, auth.AuthResponse{User: *user, Token: tokenString})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if tokenString := auth.TokenFromRequest(r); tokenString != "" {
		if user, err := auth.ValidateJWT(tokenString); err == nil {
			s.Coordinator.OnLogout(user.Login)
		}
	}
	http.SetCookie(w, &http.Cookie{Name: tokenCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusOK)
}
