package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmgate/wasmgate/internal/config"
)

func githubStub(t *testing.T, login string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"login":"` + login + `","id":42}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthenticateBareToken(t *testing.T) {
	srv := githubStub(t, "octocat")
	g := NewGitHub(config.AuthConfig{GitHubAPIURL: srv.URL})

	login, err := g.Authenticate(context.Background(), "good-token")
	require.NoError(t, err)
	require.Equal(t, "octocat", login)
}

func TestAuthenticateBearerPrefixStripped(t *testing.T) {
	srv := githubStub(t, "octocat")
	g := NewGitHub(config.AuthConfig{GitHubAPIURL: srv.URL})

	login, err := g.Authenticate(context.Background(), "Bearer good-token")
	require.NoError(t, err)
	require.Equal(t, "octocat", login)
}

func TestAuthenticateUsernameTokenPair(t *testing.T) {
	srv := githubStub(t, "octocat")
	g := NewGitHub(config.AuthConfig{GitHubAPIURL: srv.URL})

	login, err := g.Authenticate(context.Background(), "octocat:good-token")
	require.NoError(t, err)
	require.Equal(t, "octocat", login)
}

func TestAuthenticateUsernameMismatch(t *testing.T) {
	srv := githubStub(t, "octocat")
	g := NewGitHub(config.AuthConfig{GitHubAPIURL: srv.URL})

	_, err := g.Authenticate(context.Background(), "someone-else:good-token")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateBadToken(t *testing.T) {
	srv := githubStub(t, "octocat")
	g := NewGitHub(config.AuthConfig{GitHubAPIURL: srv.URL})

	_, err := g.Authenticate(context.Background(), "wrong-token")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateEmptyCredential(t *testing.T) {
	g := NewGitHub(config.AuthConfig{})

	_, err := g.Authenticate(context.Background(), "")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAnonymous(t *testing.T) {
	login, err := Anonymous{}.Authenticate(context.Background(), "anything")
	require.NoError(t, err)
	require.Equal(t, "anonymous", login)
}
