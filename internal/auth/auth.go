// Package auth verifies deploy API credentials against the GitHub
// user API. The authenticated GitHub login becomes the owner recorded
// on deployed functions.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wasmgate/wasmgate/internal/config"
)

const (
	defaultAPIBase = "https://api.github.com"
	userAgent      = "wasmgate"
	apiTimeout     = 3 * time.Second
)

// ErrUnauthorized is returned when a credential is missing, invalid,
// or names a different account than the token resolves to.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Authenticator resolves a credential to an owner identity.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}

// GitHub authenticates personal access tokens with a single call to
// the GitHub user API. Credentials are either a bare token or
// "username:token", where the username must match the token's login.
type GitHub struct {
	apiURL string
	client *http.Client
}

// NewGitHub creates a GitHub authenticator. The API base URL is
// overridable for GitHub Enterprise and tests.
func NewGitHub(cfg config.AuthConfig) *GitHub {
	base := cfg.GitHubAPIURL
	if base == "" {
		base = defaultAPIBase
	}
	return &GitHub{
		apiURL: strings.TrimSuffix(base, "/") + "/user",
		client: &http.Client{Timeout: apiTimeout},
	}
}

// Authenticate validates the credential and returns the GitHub login.
func (g *GitHub) Authenticate(ctx context.Context, credential string) (string, error) {
	var claimed, token string
	if username, rest, ok := strings.Cut(credential, ":"); ok {
		claimed = username
		token = rest
	} else {
		token = credential
	}
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", ErrUnauthorized
	}

	login, err := g.lookupLogin(ctx, token)
	if err != nil {
		return "", err
	}

	if claimed != "" && claimed != login {
		log.Warn().
			Str("claimed", claimed).
			Str("login", login).
			Msg("Credential username does not match token owner")
		return "", ErrUnauthorized
	}

	return login, nil
}

func (g *GitHub) lookupLogin(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiURL, nil)
	if err != nil {
		return "", fmt.Errorf("build user request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("github user request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Msg("GitHub rejected token")
		return "", ErrUnauthorized
	}

	var user struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", fmt.Errorf("decode github user: %w", err)
	}
	if user.Login == "" {
		return "", ErrUnauthorized
	}
	return user.Login, nil
}

// Anonymous is used when auth is disabled. Every request resolves to
// the same owner.
type Anonymous struct{}

// Authenticate always succeeds with the "anonymous" owner.
func (Anonymous) Authenticate(ctx context.Context, credential string) (string, error) {
	return "anonymous", nil
}
