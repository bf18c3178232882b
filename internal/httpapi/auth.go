package httpapi

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"mailbot.local/orchestrator/internal/authstore"
	"mailbot.local/orchestrator/internal/ids"
)

const googleProvider = "google"

type AuthConfig struct {
	ClientID      string
	ClientSecret  string
	Scopes        []string
	PublicBaseURL string
}

type AuthOption func(*AuthRoutes)

// WithOAuthEndpoint overrides the provider endpoints, used by tests to point
// the code exchange at a local server.
func WithOAuthEndpoint(endpoint oauth2.Endpoint) AuthOption {
	return func(a *AuthRoutes) {
		a.oauth.Endpoint = endpoint
	}
}

// AuthRoutes implements the Google authorization-code flow: consent redirect,
// callback token exchange, logout, and a status lookup for listeners.
type AuthRoutes struct {
	logger   *log.Logger
	store    *authstore.Store
	oauth    *oauth2.Config
	stateTTL time.Duration
}

func NewAuthRoutes(logger *log.Logger, store *authstore.Store, cfg AuthConfig, opts ...AuthOption) *AuthRoutes {
	base := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	routes := &AuthRoutes{
		logger: logger,
		store:  store,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  base + "/auth/google/callback",
			Scopes:       cfg.Scopes,
		},
		stateTTL: authstore.DefaultStateTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(routes)
		}
	}
	return routes
}

func (a *AuthRoutes) Register(mux *http.ServeMux) {
	mux.HandleFunc("/auth/google/login", a.handleLogin)
	mux.HandleFunc("/auth/google/callback", a.handleCallback)
	mux.HandleFunc("/auth/google/logout", a.handleLogout)
	mux.HandleFunc("/auth/google/status", a.handleStatus)
}

func (a *AuthRoutes) handleLogin(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if a.oauth.ClientID == "" || a.oauth.ClientSecret == "" {
		http.Error(w, "google oauth client is not configured", http.StatusInternalServerError)
		return
	}

	state := ids.New()
	if err := a.store.SaveState(r.Context(), state, userID, googleProvider); err != nil {
		a.logger.Printf("save oauth state failed: %v", err)
		http.Error(w, "auth storage error", http.StatusInternalServerError)
		return
	}

	authURL := a.oauth.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (a *AuthRoutes) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if state == "" || code == "" {
		http.Error(w, "missing state or code", http.StatusBadRequest)
		return
	}

	userID, err := a.store.ConsumeState(r.Context(), state, googleProvider, a.stateTTL)
	if err != nil {
		if errors.Is(err, authstore.ErrStateNotFound) {
			http.Error(w, "invalid or expired state", http.StatusBadRequest)
			return
		}
		a.logger.Printf("consume oauth state failed: %v", err)
		http.Error(w, "auth storage error", http.StatusInternalServerError)
		return
	}

	token, err := a.oauth.Exchange(r.Context(), code)
	if err != nil {
		a.logger.Printf("oauth code exchange failed: %v", err)
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}

	refreshToken := token.RefreshToken
	if refreshToken == "" {
		// Google omits the refresh token on repeat consent; keep the prior one.
		if prior, err := a.store.Token(r.Context(), userID, googleProvider); err == nil {
			refreshToken = prior.RefreshToken
		}
	}
	if refreshToken == "" {
		http.Error(w, "no refresh token returned, please revoke access and retry", http.StatusBadRequest)
		return
	}

	record := authstore.TokenRecord{
		UserID:       userID,
		Provider:     googleProvider,
		RefreshToken: refreshToken,
		AccessToken:  token.AccessToken,
		Scopes:       a.oauth.Scopes,
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		record.ExpiresAt = &expiry
	}
	if err := a.store.UpsertToken(r.Context(), record); err != nil {
		a.logger.Printf("persist oauth token failed: %v", err)
		http.Error(w, "auth storage error", http.StatusInternalServerError)
		return
	}

	writePlainText(w, "Google authorization complete. You can close this window.")
}

func (a *AuthRoutes) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if err := a.store.DeleteToken(r.Context(), userID, googleProvider); err != nil {
		a.logger.Printf("delete oauth token failed: %v", err)
		http.Error(w, "auth storage error", http.StatusInternalServerError)
		return
	}
	writePlainText(w, "Signed out. You can close this window.")
}

func (a *AuthRoutes) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	loggedIn, err := a.store.HasToken(r.Context(), userID, googleProvider)
	if err != nil {
		a.logger.Printf("auth status lookup failed: %v", err)
		http.Error(w, "auth storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"logged_in": loggedIn})
}

func writePlainText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, body)
}
