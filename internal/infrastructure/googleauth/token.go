// Package googleauth builds authenticated HTTP clients for the Google APIs
// from an OAuth2 client and a cached token file.
package googleauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Config carries the OAuth2 client credentials and the token cache path.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenFile    string
}

// ErrTokenNotSet indicates no cached OAuth token is available; the user has
// to run the interactive authorization once.
var ErrTokenNotSet = errors.New("no oauth token cached")

// NewClient returns an authenticated *http.Client for the given scopes. The
// token must already be cached; a batch job cannot run an interactive flow.
func NewClient(ctx context.Context, cfg Config, scopes ...string) (*http.Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("oauth client id and secret must be set")
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       scopes,
	}

	tok, err := tokenFromFile(cfg.TokenFile)
	if err != nil {
		return nil, err
	}

	return oauthCfg.Client(ctx, tok), nil
}

// Authorize exchanges an authorization code for a token and caches it. It
// backs the one-time `authorize` command of the binary.
func Authorize(ctx context.Context, cfg Config, code string, scopes ...string) error {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
		Scopes:       scopes,
	}

	tok, err := oauthCfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}

	return saveToken(cfg.TokenFile, tok)
}

// AuthURL returns the URL the user visits to obtain an authorization code.
func AuthURL(cfg Config, scopes ...string) string {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
		Scopes:       scopes,
	}
	return oauthCfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTokenNotSet, path)
		}
		return nil, fmt.Errorf("open token file: %w", err)
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create token file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(tok); err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	return nil
}
