// Package auth handles GitHub OAuth login, the JWT carried by clients, and
// the registry of active sessions whose access tokens authorize runs.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const UserContextKey ContextKey = "user"

const (
	tokenTTL     = 24 * time.Hour
	reposPerPage = 100
	maxRepoPages = 10
)

// Base URLs of the GitHub endpoints. Tests point them at httptest servers.
var (
	githubOAuthURL = "https://github.com"
	githubAPIURL   = "https://api.github.com"
	httpClient     = &http.Client{Timeout: 10 * time.Second}
)

var (
	ErrNotInitialized = errors.New("auth not initialized")
	ErrNotOrgMember   = errors.New("user is not a member of the required organization")
)

type GithubUser struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type AuthResponse struct {
	User  GithubUser `json:"user"`
	Token string     `json:"token,omitempty"`
}

type Claims struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	jwt.RegisteredClaims
}

var (
	authConfig *AuthConfig
)

type AuthConfig struct {
	JwtSecret    []byte
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AllowedOrg   string
	Enabled      bool
}

// InitializeAuth sets up the auth configuration
func InitializeAuth(jwtSecret, clientID, clientSecret, redirectURL, allowedOrg string, enabled bool) {
	authConfig = &AuthConfig{
		JwtSecret:    []byte(jwtSecret),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		AllowedOrg:   allowedOrg,
		Enabled:      enabled,
	}
}

// IsAuthEnabled returns whether authentication is enabled
func IsAuthEnabled() bool {
	if authConfig == nil {
		return false
	}
	return authConfig.Enabled
}

// GenerateState creates a random state parameter for OAuth
func GenerateState() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "fallback-state-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return base64.URLEncoding.EncodeToString(b)
}

// GetGithubLoginURL returns the Github OAuth login URL. The repo scope is
// requested because the session token is what fetches private repositories.
func GetGithubLoginURL(state string) string {
	if authConfig == nil {
		return ""
	}
	scope := "read:user,user:email,repo"
	if authConfig.AllowedOrg != "" {
		scope += ",read:org"
	}
	return fmt.Sprintf(
		"%s/login/oauth/authorize?client_id=%s&redirect_uri=%s&scope=%s&state=%s",
		githubOAuthURL, authConfig.ClientID, authConfig.RedirectURL, scope, state,
	)
}

// ExchangeCodeForToken exchanges OAuth code for access token
func ExchangeCodeForToken(ctx context.Context, code string) (string, error) {
	if authConfig == nil {
		return "", ErrNotInitialized
	}
	form := url.Values{
		"client_id":     {authConfig.ClientID},
		"client_secret": {authConfig.ClientSecret},
		"code":          {code},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, githubOAuthURL+"/login/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)

	var result struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.AccessToken == "" {
		if result.Error != "" {
			return "", fmt.Errorf("failed to get access token: %s: %s", result.Error, result.Description)
		}
		return "", errors.New("failed to get access token")
	}
	return result.AccessToken, nil
}

// GetGithubUser fetches user info from Github API
func GetGithubUser(ctx context.Context, accessToken string) (*GithubUser, error) {
	if authConfig == nil {
		return nil, ErrNotInitialized
	}
	var user GithubUser
	if err := githubGet(ctx, githubAPIURL+"/user", accessToken, &user); err != nil {
		return nil, err
	}

	// Check org membership if required
	if authConfig.AllowedOrg != "" && !isOrgMember(ctx, accessToken, user.Login, authConfig.AllowedOrg) {
		return nil, ErrNotOrgMember
	}
	return &user, nil
}

// isOrgMember checks if user is a member of the specified organization
func isOrgMember(ctx context.Context, accessToken, username, org string) bool {
	u := fmt.Sprintf("%s/orgs/%s/members/%s", githubAPIURL, url.PathEscape(org), url.PathEscape(username))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false
	}
	setGithubHeaders(req, accessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return false
	}
	defer closeBody(resp)

	// 204 means user is a public member, 200 means private member
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent
}

// ListUserRepositories returns the full names of the repositories the token
// can read, following pagination.
func ListUserRepositories(ctx context.Context, accessToken string) ([]string, error) {
	var names []string
	for page := 1; page <= maxRepoPages; page++ {
		u := fmt.Sprintf("%s/user/repos?per_page=%d&page=%d&affiliation=owner,collaborator,organization_member",
			githubAPIURL, reposPerPage, page)
		var repos []struct {
			FullName string `json:"full_name"`
		}
		if err := githubGet(ctx, u, accessToken, &repos); err != nil {
			return nil, err
		}
		for _, r := range repos {
			names = append(names, r.FullName)
		}
		if len(repos) < reposPerPage {
			break
		}
	}
	return names, nil
}

func githubGet(ctx context.Context, u, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	setGithubHeaders(req, accessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func setGithubHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close response body")
	}
}

// GenerateJWT creates a JWT token for the user
func GenerateJWT(user *GithubUser) (string, error) {
	if authConfig == nil {
		return "", ErrNotInitialized
	}
	now := time.Now()
	claims := Claims{
		Login:     user.Login,
		Name:      user.Name,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   user.Login,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(authConfig.JwtSecret)
}

// ValidateJWT validates and parses a JWT token
func ValidateJWT(tokenString string) (*GithubUser, error) {
	if authConfig == nil {
		return nil, ErrNotInitialized
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return authConfig.JwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return &GithubUser{
			Login:     claims.Login,
			Name:      claims.Name,
			Email:     claims.Email,
			AvatarURL: claims.AvatarURL,
		}, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// TokenFromRequest reads the JWT from the Authorization header or the auth_token cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// OptionalAuthMiddleware extracts and validates JWT from request if auth is enabled
// If auth is disabled, it allows all requests through
func OptionalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := TokenFromRequest(r)
		if tokenString == "" {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		user, err := ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserFromContext extracts user from request context
func GetUserFromContext(r *http.Request) *GithubUser {
	if user, ok := r.Context().Value(UserContextKey).(*GithubUser); ok {
		return user
	}
	return nil
}
