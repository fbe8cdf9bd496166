package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomvothecoder/simboard/pkg/api/store"
	"github.com/tomvothecoder/simboard/pkg/config"
)

// fakeGitHub answers the OAuth token exchange and the user/orgs endpoints.
func fakeGitHub(t *testing.T, login string, orgs ...string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("POST /login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())

		if r.PostForm.Get("code") != "good-code" || r.PostForm.Get("client_secret") != "secret" {
			_ = json.NewEncoder(w).Encode(githubTokenResponse{Error: "bad_verification_code"})

			return
		}

		_ = json.NewEncoder(w).Encode(githubTokenResponse{AccessToken: "gho_token", TokenType: "bearer"})
	})

	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gho_token" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		_ = json.NewEncoder(w).Encode(githubUser{Login: login, ID: 42})
	})

	mux.HandleFunc("GET /user/orgs", func(w http.ResponseWriter, _ *http.Request) {
		out := make([]githubOrg, 0, len(orgs))
		for _, o := range orgs {
			out = append(out, githubOrg{Login: o})
		}

		_ = json.NewEncoder(w).Encode(out)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func newGitHubTestServer(t *testing.T, gh *httptest.Server, mutate ...func(*config.Config)) *testServer {
	t.Helper()

	ts := newTestServer(t, append([]func(*config.Config){func(c *config.Config) {
		c.Auth.GitHub = config.GitHubAuthConfig{
			Enabled:        true,
			ClientID:       "client",
			ClientSecret:   "secret",
			RedirectURL:    "http://localhost:3000/api/v1/auth/github/callback",
			DefaultRole:    config.RoleUser,
			OrgRoleMapping: map[string]string{"e3sm-project": config.RoleAdmin},
		}
	}}, mutate...)...)

	ts.github = githubClient{
		authorizeURL: gh.URL + "/login/oauth/authorize",
		tokenURL:     gh.URL + "/login/oauth/access_token",
		apiBaseURL:   gh.URL,
		http:         gh.Client(),
	}
	ts.handler = ts.buildRouter()

	return ts
}

func withStateCookie(state string) requestOption {
	return func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: githubStateCookie, Value: state})
	}
}

func TestGitHubAuth_RedirectsToAuthorize(t *testing.T) {
	ts := newGitHubTestServer(t, fakeGitHub(t, "octocat"))

	rec := ts.do(t, http.MethodGet, "/auth/github", nil)
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login/oauth/authorize", loc.Path)
	assert.Equal(t, "client", loc.Query().Get("client_id"))
	assert.NotEmpty(t, loc.Query().Get("state"))

	var state *http.Cookie

	for _, c := range rec.Result().Cookies() {
		if c.Name == githubStateCookie {
			state = c
		}
	}

	require.NotNil(t, state)
	assert.Equal(t, loc.Query().Get("state"), state.Value)
}

func TestGitHubCallback_ProvisionsUser(t *testing.T) {
	ts := newGitHubTestServer(t, fakeGitHub(t, "octocat", "E3SM-Project"))

	rec := ts.do(t, http.MethodGet, "/auth/github/callback?state=s1&code=good-code", nil,
		withStateCookie("s1"))
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code, rec.Body.String())
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Location"))

	var session *http.Cookie

	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName && c.Value != "" {
			session = c
		}
	}

	require.NotNil(t, session, "callback starts a session")

	rec = ts.do(t, http.MethodGet, "/auth/me", nil, func(r *http.Request) { r.AddCookie(session) })
	require.Equal(t, http.StatusOK, rec.Code)

	me := decode[userResponse](t, rec)
	assert.Equal(t, "octocat", me.Username)
	assert.Equal(t, config.RoleAdmin, me.Role, "org mapping grants admin")
	assert.Equal(t, store.SourceGitHub, me.Source)
}

func TestGitHubCallback_Rejects(t *testing.T) {
	ts := newGitHubTestServer(t, fakeGitHub(t, "octocat"))

	tests := []struct {
		name string
		path string
		opts []requestOption
		want int
	}{
		{
			name: "missing state cookie",
			path: "/auth/github/callback?state=s1&code=good-code",
			want: http.StatusBadRequest,
		},
		{
			name: "state mismatch",
			path: "/auth/github/callback?state=other&code=good-code",
			opts: []requestOption{withStateCookie("s1")},
			want: http.StatusBadRequest,
		},
		{
			name: "missing code",
			path: "/auth/github/callback?state=s1",
			opts: []requestOption{withStateCookie("s1")},
			want: http.StatusBadRequest,
		},
		{
			name: "rejected code",
			path: "/auth/github/callback?state=s1&code=bad-code",
			opts: []requestOption{withStateCookie("s1")},
			want: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, tt.path, nil, tt.opts...)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestResolveGitHubRole(t *testing.T) {
	ts := newGitHubTestServer(t, fakeGitHub(t, "octocat"), func(c *config.Config) {
		c.Auth.GitHub.OrgRoleMapping = map[string]string{
			"e3sm-project": config.RoleAdmin,
			"e3sm-users":   config.RoleUser,
		}
		c.Auth.GitHub.UserRoleMapping = map[string]string{"restricted": config.RoleUser}
		c.Auth.GitHub.DefaultRole = "nobody"
	})

	tests := []struct {
		name     string
		username string
		orgs     []string
		want     string
	}{
		{name: "user mapping wins over orgs", username: "Restricted", orgs: []string{"e3sm-project"}, want: config.RoleUser},
		{name: "admin org wins", username: "octocat", orgs: []string{"e3sm-users", "E3SM-Project"}, want: config.RoleAdmin},
		{name: "user org", username: "octocat", orgs: []string{"e3sm-users"}, want: config.RoleUser},
		{name: "default role", username: "octocat", orgs: []string{"elsewhere"}, want: "nobody"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orgs := make([]githubOrg, 0, len(tt.orgs))
			for _, o := range tt.orgs {
				orgs = append(orgs, githubOrg{Login: o})
			}

			role, err := ts.resolveGitHubRole(context.Background(), tt.username, orgs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, role)
		})
	}
}

func TestFrontendURL(t *testing.T) {
	tests := []struct {
		name     string
		frontend string
		redirect string
		want     string
	}{
		{name: "explicit", frontend: "https://simboard.e3sm.org", redirect: "https://api/x", want: "https://simboard.e3sm.org"},
		{name: "derived", redirect: "https://simboard.e3sm.org/api/v1/auth/github/callback", want: "https://simboard.e3sm.org"},
		{name: "empty", want: "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &server{cfg: &config.Config{}}
			s.cfg.Auth.GitHub.FrontendURL = tt.frontend
			s.cfg.Auth.GitHub.RedirectURL = tt.redirect

			assert.Equal(t, tt.want, s.frontendURL())
		})
	}
}
