package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tomvothecoder/simboard/pkg/api/store"
	"github.com/tomvothecoder/simboard/pkg/config"
)

const (
	githubAuthorizeURL = "https://github.com/login/oauth/authorize"
	githubTokenURL     = "https://github.com/login/oauth/access_token"
	githubAPIBaseURL   = "https://api.github.com"
	githubStateBytes   = 16
	githubHTTPTimeout  = 10 * time.Second
	githubStateCookie  = "github_oauth_state"
)

type githubTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
	Error       string `json:"error"`
}

type githubUser struct {
	Login string `json:"login"`
	ID    int    `json:"id"`
}

type githubOrg struct {
	Login string `json:"login"`
}

// githubClient talks to the GitHub OAuth and REST endpoints.
type githubClient struct {
	authorizeURL string
	tokenURL     string
	apiBaseURL   string
	http         *http.Client
}

func newGitHubClient() githubClient {
	return githubClient{
		authorizeURL: githubAuthorizeURL,
		tokenURL:     githubTokenURL,
		apiBaseURL:   githubAPIBaseURL,
		http:         &http.Client{Timeout: githubHTTPTimeout},
	}
}

// handleGitHubAuth initiates the GitHub OAuth flow.
func (s *server) handleGitHubAuth(
	w http.ResponseWriter, r *http.Request,
) {
	state, err := generateState()
	if err != nil {
		s.internalError(w, err, "Failed to generate OAuth state")

		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     githubStateCookie,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   600,
	})

	params := url.Values{
		"client_id":    {s.cfg.Auth.GitHub.ClientID},
		"redirect_uri": {s.cfg.Auth.GitHub.RedirectURL},
		"scope":        {"read:org read:user"},
		"state":        {state},
	}

	http.Redirect(w, r, s.github.authorizeURL+"?"+params.Encode(),
		http.StatusTemporaryRedirect)
}

// handleGitHubCallback completes the OAuth flow, provisions the user and
// starts a session.
func (s *server) handleGitHubCallback(
	w http.ResponseWriter, r *http.Request,
) {
	stateCookie, err := r.Cookie(githubStateCookie)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"missing oauth state cookie"})

		return
	}

	if r.URL.Query().Get("state") != stateCookie.Value {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid oauth state"})

		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     githubStateCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	code := r.URL.Query().Get("code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"missing authorization code"})

		return
	}

	ctx := r.Context()
	gh := s.cfg.Auth.GitHub

	accessToken, err := s.github.exchangeCode(ctx, gh.ClientID, gh.ClientSecret, code)
	if err != nil {
		s.log.WithError(err).Error("GitHub code exchange failed")
		writeJSON(w, http.StatusBadGateway,
			errorResponse{"github authentication failed"})

		return
	}

	ghUser, err := s.github.fetchUser(ctx, accessToken)
	if err != nil {
		s.log.WithError(err).Error("Failed to fetch GitHub user")
		writeJSON(w, http.StatusBadGateway,
			errorResponse{"github authentication failed"})

		return
	}

	orgs, err := s.github.fetchUserOrgs(ctx, accessToken)
	if err != nil {
		s.log.WithError(err).Error("Failed to fetch GitHub orgs")
		writeJSON(w, http.StatusBadGateway,
			errorResponse{"github authentication failed"})

		return
	}

	role, err := s.resolveGitHubRole(ctx, ghUser.Login, orgs)
	if err != nil {
		s.internalError(w, err, "Failed to resolve GitHub role")

		return
	}

	user, err := s.upsertGitHubUser(ctx, ghUser.Login, role)
	if err != nil {
		s.internalError(w, err, "Failed to provision GitHub user")

		return
	}

	if err := s.startSession(w, r, user); err != nil {
		s.internalError(w, err, "Failed to create session")

		return
	}

	http.Redirect(w, r, s.frontendURL(), http.StatusTemporaryRedirect)
}

// upsertGitHubUser creates the user on first login and refreshes the role of
// GitHub-sourced users on later logins.
func (s *server) upsertGitHubUser(ctx context.Context, login, role string) (*store.User, error) {
	user, err := s.store.GetUserByUsername(ctx, login)
	if errors.Is(err, store.ErrNotFound) {
		user = &store.User{
			Username: login,
			Role:     role,
			Source:   store.SourceGitHub,
		}

		if err := s.store.CreateUser(ctx, user); err != nil {
			return nil, err
		}

		return user, nil
	}

	if err != nil {
		return nil, err
	}

	if user.Source == store.SourceGitHub && user.Role != role {
		user.Role = role
		if err := s.store.UpdateUser(ctx, user); err != nil {
			return nil, err
		}
	}

	return user, nil
}

// frontendURL is where the browser goes after login. Without an explicit
// setting it is the redirect URL with its /api/ path stripped.
func (s *server) frontendURL() string {
	if u := s.cfg.Auth.GitHub.FrontendURL; u != "" {
		return u
	}

	redirectURL := s.cfg.Auth.GitHub.RedirectURL
	if idx := strings.Index(redirectURL, "/api/"); idx >= 0 {
		redirectURL = redirectURL[:idx]
	}

	if redirectURL == "" {
		return "/"
	}

	return redirectURL
}

// resolveGitHubRole picks the user's role: a user mapping first, then the
// highest role among mapped orgs, then the configured default.
func (s *server) resolveGitHubRole(
	ctx context.Context,
	username string,
	orgs []githubOrg,
) (string, error) {
	userMappings, err := s.store.ListGitHubUserMappings(ctx)
	if err != nil {
		return "", fmt.Errorf("listing user mappings: %w", err)
	}

	for _, m := range userMappings {
		if strings.EqualFold(m.Username, username) {
			return m.Role, nil
		}
	}

	orgMappings, err := s.store.ListGitHubOrgMappings(ctx)
	if err != nil {
		return "", fmt.Errorf("listing org mappings: %w", err)
	}

	orgSet := make(map[string]struct{}, len(orgs))
	for _, org := range orgs {
		orgSet[strings.ToLower(org.Login)] = struct{}{}
	}

	bestRole := ""

	for _, m := range orgMappings {
		if _, ok := orgSet[strings.ToLower(m.Org)]; !ok {
			continue
		}

		if m.Role == config.RoleAdmin {
			return config.RoleAdmin, nil
		}

		bestRole = m.Role
	}

	if bestRole != "" {
		return bestRole, nil
	}

	return s.cfg.Auth.GitHub.DefaultRole, nil
}

// exchangeCode exchanges an authorization code for an access token.
func (c githubClient) exchangeCode(
	ctx context.Context, clientID, clientSecret, code string,
) (string, error) {
	data := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"code":          {code},
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()),
	)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var tokenResp githubTokenResponse
	if err := c.do(req, &tokenResp); err != nil {
		return "", fmt.Errorf("exchanging code: %w", err)
	}

	if tokenResp.Error != "" {
		return "", fmt.Errorf("github rejected code: %s", tokenResp.Error)
	}

	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("empty access token in response")
	}

	return tokenResp.AccessToken, nil
}

// fetchUser retrieves the authenticated GitHub user's profile.
func (c githubClient) fetchUser(ctx context.Context, accessToken string) (*githubUser, error) {
	var user githubUser
	if err := c.get(ctx, accessToken, "/user", &user); err != nil {
		return nil, fmt.Errorf("fetching user: %w", err)
	}

	if user.Login == "" {
		return nil, fmt.Errorf("github user has no login")
	}

	return &user, nil
}

// fetchUserOrgs retrieves the organizations the authenticated user belongs to.
func (c githubClient) fetchUserOrgs(ctx context.Context, accessToken string) ([]githubOrg, error) {
	var orgs []githubOrg
	if err := c.get(ctx, accessToken, "/user/orgs", &orgs); err != nil {
		return nil, fmt.Errorf("fetching orgs: %w", err)
	}

	return orgs, nil
}

func (c githubClient) get(ctx context.Context, accessToken, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	return c.do(req, v)
}

func (c githubClient) do(req *http.Request, v any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

// generateState creates a random OAuth state parameter.
func generateState() (string, error) {
	b := make([]byte, githubStateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}

	return hex.EncodeToString(b), nil
}
